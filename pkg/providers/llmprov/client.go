package llmprov

import (
	"fmt"

	"stageflow/pkg/capability"
	"stageflow/pkg/config"
	"stageflow/pkg/llm"
	"stageflow/pkg/llm/anthropic"
	"stageflow/pkg/llm/google"
	"stageflow/pkg/llm/ollama"
	"stageflow/pkg/llm/openai"
	"stageflow/pkg/metrics"
)

// NewClient creates the backend client for the configured provider.
func NewClient(cfg *config.LLMConfig, model string) (llm.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.New(cfg.APIKey, model, cfg.BaseURL), nil
	case config.ProviderOpenAI:
		return openai.New(cfg.APIKey, model, cfg.BaseURL), nil
	case config.ProviderOllama:
		return ollama.New(cfg.BaseURL, model), nil
	case config.ProviderGoogle:
		return google.New(cfg.APIKey, model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %q has no LLM client", cfg.Provider)
	}
}

// FromConfig builds the LLM-backed providers with per-kind model overrides
// and token metering.
func FromConfig(cfg *config.LLMConfig, recorder metrics.Recorder, tools ToolInventory) (capability.Set, error) {
	counter, err := llm.NewTokenCounter(cfg.Model)
	if err != nil {
		return capability.Set{}, err
	}

	clients := make(map[capability.Kind]llm.Client)
	byModel := make(map[string]llm.Client)
	for _, kind := range Kinds() {
		model := cfg.ModelFor(string(kind))
		base, ok := byModel[model]
		if !ok {
			if base, err = NewClient(cfg, model); err != nil {
				return capability.Set{}, err
			}
			byModel[model] = base
		}
		clients[kind] = llm.Metered(base, recorder, counter, string(kind))
	}

	return New(func(kind capability.Kind) llm.Client { return clients[kind] }, Options{
		Counter:     counter,
		TokenBudget: cfg.PromptTokenBudget,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		Tools:       tools,
	}), nil
}

// Kinds lists the capabilities this package implements.
func Kinds() []capability.Kind {
	return []capability.Kind{
		capability.KindClassifier, capability.KindChat, capability.KindDevAnalyzer,
		capability.KindEnricher, capability.KindPlanner, capability.KindSelector,
		capability.KindToolPlanner, capability.KindVerifier, capability.KindReplanner,
		capability.KindSummarizer,
	}
}
