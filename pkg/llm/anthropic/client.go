// Package anthropic implements llm.Client over the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"stageflow/pkg/llm"
)

// Client wraps the Anthropic SDK client.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a client for model. baseURL may be empty.
func New(apiKey, model, baseURL string, opts ...option.RequestOption) *Client {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &Client{
		client: anthropic.NewClient(all...),
		model:  anthropic.Model(model),
	}
}

// Complete sends the conversation, with system messages lifted into the
// system parameter.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	system, messages, err := llm.Alternate(in.Messages)
	if err != nil {
		return llm.Response{}, llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "message alternation error")
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    convertMessages(messages),
		MaxTokens:   int64(maxTokens(in.MaxTokens)),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llm.NewError(llm.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return llm.Response{
		Content:    text,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Model returns the model name.
func (c *Client) Model() string {
	return string(c.model)
}

func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func maxTokens(n int) int {
	if n <= 0 {
		return llm.DefaultMaxTokens
	}
	return n
}

// classifyError maps SDK errors to llm errors, preferring the HTTP status.
func classifyError(err error) *llm.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.StatusCode, err)
	}
	if e := llm.Classify(err); e != nil {
		return e
	}
	return llm.NewErrorWithCause(llm.ErrorTypeUnknown, fmt.Errorf("anthropic: %w", err), "unclassified error")
}
