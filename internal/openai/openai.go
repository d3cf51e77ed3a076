package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/imagefs"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultModel = "gpt-4o-mini"

	systemPrompt = "You are a helpful assistant."
)

type openai struct {
	oac       *oagc.Client
	model     string
	maxTokens int

	rl *rateLimiter // nil when requests are not rate limited
}

var _ describer.Describer = &openai{}
var _ describer.Prompter = &openai{}

type Options struct {
	APIKey  string // if empty the client reads OPENAI_API_KEY
	BaseURL string
	Model   string

	MaxTokens     int // 0 leaves the limit to the API
	MaxRetries    int
	RatePerMinute int // 0 disables rate limiting
}

func Init(opts Options, httpClient *http.Client) *openai {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	o := &openai{
		oac:       oagc.NewClient(reqOpts...),
		model:     model,
		maxTokens: opts.MaxTokens,
	}
	if opts.RatePerMinute > 0 {
		o.rl = newRateLimiter(opts.RatePerMinute, time.Minute)
	}

	return o
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) IsHealthy() bool {
	// TODO: call the models endpoint once a key check is wanted before a run
	return true
}

func (o *openai) DescribeImage(ctx context.Context, prompt string, img imagefs.Image) (string, error) {
	return o.complete(ctx, []oagc.ChatCompletionMessageParamUnion{
		oagc.UserMessageParts(
			oagc.TextPart(prompt),
			oagc.ImagePart(img.DataURI()),
		),
	})
}

func (o *openai) Prompt(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, []oagc.ChatCompletionMessageParamUnion{
		oagc.SystemMessage(systemPrompt),
		oagc.UserMessage(prompt),
	})
}

func (o *openai) complete(ctx context.Context, msgs []oagc.ChatCompletionMessageParamUnion) (string, error) {
	// Rate limit use of the OpenAI API
	if o.rl != nil {
		if err := o.rl.Acquire(ctx); err != nil {
			return "", err
		}
	}

	params := oagc.ChatCompletionNewParams{
		Messages: oagc.F(msgs),
		Model:    oagc.F(oagc.ChatModel(o.model)),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = oagc.Int(int64(o.maxTokens))
	}

	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return resp.Choices[0].Message.Content, nil
}
