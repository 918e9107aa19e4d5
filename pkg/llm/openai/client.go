// Package openai implements llm.Client over the OpenAI Responses API.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"stageflow/pkg/llm"
)

// Client wraps the official OpenAI client.
type Client struct {
	client openai.Client
	model  string
}

// New creates a client for model. baseURL may be empty.
func New(apiKey, model, baseURL string, opts ...option.RequestOption) *Client {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &Client{
		client: openai.NewClient(all...),
		model:  model,
	}
}

// Complete flattens the conversation into a single Responses API input.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if len(in.Messages) == 0 {
		return llm.Response{}, llm.NewError(llm.ErrorTypeBadPrompt, "message list cannot be empty")
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(llm.Flatten(in.Messages))},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	text := resp.OutputText()
	if text == "" {
		return llm.Response{}, llm.NewError(llm.ErrorTypeEmptyResponse, "received empty response from OpenAI API")
	}
	return llm.Response{
		Content:    text,
		StopReason: string(resp.Status),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Model returns the model name.
func (c *Client) Model() string {
	return c.model
}

func classifyError(err error) *llm.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.StatusCode, err)
	}
	return llm.Classify(err)
}
