// Package compat talks to self-hosted servers exposing an OpenAI-compatible
// chat completions API, such as Ollama, vLLM or LM Studio.
package compat

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/imagefs"
)

const systemPrompt = "You are a helpful assistant."

type compat struct {
	client    *resty.Client
	model     string
	maxTokens int
}

var _ describer.Describer = &compat{}
var _ describer.Prompter = &compat{}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart for images
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

// Init returns a client for the server at baseURL, e.g.
// http://localhost:11434/v1. apiKey may be empty for local servers.
func Init(baseURL, apiKey, model string, maxTokens int, httpClient *http.Client) *compat {
	client := resty.NewWithClient(httpClient).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &compat{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *compat) Name() string { return "compat" }

func (c *compat) Model() string { return c.model }

func (c *compat) IsHealthy() bool {
	resp, err := c.client.R().Get("/models")
	if err != nil {
		return false
	}
	return resp.IsSuccess()
}

func (c *compat) DescribeImage(ctx context.Context, prompt string, img imagefs.Image) (string, error) {
	return c.complete(ctx, []chatMessage{
		{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI()}},
			},
		},
	})
}

func (c *compat) Prompt(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
}

func (c *compat) complete(ctx context.Context, msgs []chatMessage) (string, error) {
	var result chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: c.model, Messages: msgs, MaxTokens: c.maxTokens}).
		SetResult(&result).
		SetError(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("calling chat completions: %w", err)
	}

	if resp.IsError() {
		if result.Error != nil {
			return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode(), result.Error.Message)
		}
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %s", resp.String())
	}

	return result.Choices[0].Message.Content, nil
}
