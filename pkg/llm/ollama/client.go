// Package ollama implements llm.Client over a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"stageflow/pkg/llm"
)

// DefaultHost is used when no host URL is configured or it does not parse.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for model served at hostURL.
func New(hostURL, model string) *Client {
	return NewWithHTTPClient(hostURL, model, http.DefaultClient)
}

// NewWithHTTPClient creates a client using hc for transport.
func NewWithHTTPClient(hostURL, model string, hc *http.Client) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, hc),
		model:  model,
	}
}

// Complete runs a non-streaming chat request.
func (o *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if len(in.Messages) == 0 {
		return llm.Response{}, llm.NewError(llm.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	stream := false
	options := map[string]any{"temperature": in.Temperature}
	if in.MaxTokens > 0 {
		options["num_predict"] = in.MaxTokens
	}
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: convertMessages(in.Messages),
		Stream:   &stream,
		Options:  options,
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if response.Message.Content == "" {
		return llm.Response{}, llm.NewError(llm.ErrorTypeEmptyResponse, "received empty response from Ollama")
	}

	return llm.Response{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
		Usage: llm.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}, nil
}

// Model returns the model name.
func (o *Client) Model() string {
	return o.model
}

func convertMessages(messages []llm.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, api.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) *llm.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return llm.ClassifyStatus(statusErr.StatusCode, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return llm.NewErrorWithCause(llm.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		return llm.Classify(err)
	}
}
