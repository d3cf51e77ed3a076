package visionbatch

import (
	"fmt"
	"net/http"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/compat"
	"github.com/chriskillpack/visionbatch/internal/llama"
	"github.com/chriskillpack/visionbatch/internal/openai"
)

const (
	BackendOpenAI = "openai"
	BackendLlama  = "llama"
	BackendCompat = "compat"
)

type InitOptions struct {
	Backend string

	Model   string
	APIKey  string
	BaseURL string // OpenAI endpoint override, required for compat

	LlamaServer string
	LlamaSeed   int

	MaxTokens     int
	MaxRetries    int
	RatePerMinute int

	HttpClient *http.Client // if nil uses http.DefaultClient
}

type Client struct {
	describer.Describer
}

func Init(opts InitOptions) (*Client, error) {
	c := &Client{}

	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	switch opts.Backend {
	case "":
		return nil, fmt.Errorf("no backend selected")
	case BackendOpenAI:
		c.Describer = openai.Init(openai.Options{
			APIKey:        opts.APIKey,
			BaseURL:       opts.BaseURL,
			Model:         opts.Model,
			MaxTokens:     opts.MaxTokens,
			MaxRetries:    opts.MaxRetries,
			RatePerMinute: opts.RatePerMinute,
		}, httpClient)
	case BackendLlama:
		if opts.LlamaServer == "" {
			return nil, fmt.Errorf("llama backend needs a server address")
		}
		c.Describer = llama.Init(opts.LlamaServer, opts.LlamaSeed, opts.MaxTokens, httpClient)
	case BackendCompat:
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("compat backend needs a base URL")
		}
		if opts.Model == "" {
			return nil, fmt.Errorf("compat backend needs a model")
		}
		c.Describer = compat.Init(opts.BaseURL, opts.APIKey, opts.Model, opts.MaxTokens, httpClient)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}

	return c, nil
}
