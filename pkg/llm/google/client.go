// Package google implements llm.Client over the Gemini API.
package google

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/genai"

	"stageflow/pkg/llm"
)

// Client wraps the Google GenAI client. The underlying client is created on
// first use because construction needs a context.
type Client struct {
	apiKey  string
	model   string
	baseURL string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// New creates a client for model. baseURL may be empty.
func New(apiKey, model, baseURL string) *Client {
	return &Client{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (g *Client) init(ctx context.Context) error {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		g.client, g.initErr = genai.NewClient(ctx, cfg)
	})
	return g.initErr
}

// Complete generates content with system messages as the system instruction.
func (g *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if err := g.init(ctx); err != nil {
		return llm.Response{}, llm.NewErrorWithCause(llm.ErrorTypeAuth, err, "failed to create Gemini client")
	}

	contents, system, err := convertMessages(in.Messages)
	if err != nil {
		return llm.Response{}, llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "message conversion error")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(maxTokens), //nolint:gosec // bounded by config validation
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if result == nil || result.Text() == "" {
		return llm.Response{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := llm.Response{Content: result.Text(), StopReason: stopReason(result)}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return resp, nil
}

// Model returns the model name.
func (g *Client) Model() string {
	return g.model
}

// convertMessages maps messages to Gemini contents. Assistant turns use the
// "model" role; system messages are returned separately.
func convertMessages(messages []llm.Message) ([]*genai.Content, string, error) {
	system, turns, err := llm.Alternate(messages)
	if err != nil {
		return nil, "", err
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, msg := range turns {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Content}}})
	}
	return contents, system, nil
}

func stopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return ""
	}
	return string(result.Candidates[0].FinishReason)
}

func classifyError(err error) *llm.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llm.ClassifyStatus(apiErrPtr.Code, err)
	}
	return llm.Classify(err)
}
