// Package llmprov implements every reasoning capability on top of an
// llm.Client. Prompts ask for JSON and answers are parsed tolerantly.
package llmprov

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stageflow/pkg/capability"
	"stageflow/pkg/llm"
	"stageflow/pkg/workflow"
)

// ToolInventory lists the tools each reachable server offers.
type ToolInventory interface {
	Inventory(ctx context.Context) (map[string][]ToolInfo, error)
}

// ToolInfo describes one tool for the planners.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Options tune the prompts.
type Options struct {
	Counter     *llm.TokenCounter
	TokenBudget int // Per prompt; zero disables truncation
	MaxTokens   int
	Temperature float32
	Tools       ToolInventory
}

// ClientFor returns the client used for a capability kind.
type ClientFor func(kind capability.Kind) llm.Client

// Single uses one client for every kind.
func Single(c llm.Client) ClientFor {
	return func(capability.Kind) llm.Client { return c }
}

type builder struct {
	clients ClientFor
	opts    Options
}

// New returns the LLM-backed providers. The Executor is left nil; it is
// supplied by the tool transport.
func New(clients ClientFor, opts Options) capability.Set {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	b := &builder{clients: clients, opts: opts}

	return capability.Set{
		Classifier: capability.Typed(capability.KindClassifier, func(ctx context.Context, _ *workflow.Context, in capability.ClassifyInput) (capability.Classification, error) {
			c, err := ask[capability.Classification](ctx, b, capability.KindClassifier, in.Request)
			c.Mode = strings.TrimSpace(c.Mode)
			return c, err
		}),
		Chat: capability.Typed(capability.KindChat, func(ctx context.Context, _ *workflow.Context, in capability.ChatInput) (capability.ChatReply, error) {
			prompt := in.Request
			if in.Mood != "" {
				prompt = fmt.Sprintf("(The user seems %s.)\n\n%s", in.Mood, in.Request)
			}
			text, err := b.complete(ctx, capability.KindChat, prompt)
			return capability.ChatReply{Text: text}, err
		}),
		DevAnalyzer: capability.Typed(capability.KindDevAnalyzer, func(ctx context.Context, _ *workflow.Context, in capability.DevInput) (capability.DevAnalysis, error) {
			return ask[capability.DevAnalysis](ctx, b, capability.KindDevAnalyzer, in.Request)
		}),
		Enricher: capability.Typed(capability.KindEnricher, func(ctx context.Context, _ *workflow.Context, in capability.EnrichInput) (capability.Enrichment, error) {
			return ask[capability.Enrichment](ctx, b, capability.KindEnricher, marshal(in))
		}),
		Planner: capability.Typed(capability.KindPlanner, func(ctx context.Context, _ *workflow.Context, in capability.PlanInput) (capability.TodoPlan, error) {
			return ask[capability.TodoPlan](ctx, b, capability.KindPlanner, marshal(in))
		}),
		Selector: capability.Typed(capability.KindSelector, func(ctx context.Context, _ *workflow.Context, in capability.SelectInput) (capability.Selection, error) {
			inventory, err := b.inventory(ctx, nil)
			if err != nil {
				return capability.Selection{}, err
			}
			sel, err := ask[capability.Selection](ctx, b, capability.KindSelector, marshal(map[string]any{
				"item":      in.Item,
				"attempt":   in.Attempt,
				"relaxed":   in.Relaxed,
				"available": inventory,
			}))
			if err != nil {
				return sel, err
			}
			sel.Servers = known(sel.Servers, inventory)
			return sel, nil
		}),
		ToolPlanner: capability.Typed(capability.KindToolPlanner, func(ctx context.Context, _ *workflow.Context, in capability.ToolPlanInput) (capability.ToolPlan, error) {
			inventory, err := b.inventory(ctx, in.Selection.Servers)
			if err != nil {
				return capability.ToolPlan{}, err
			}
			plan, err := ask[capability.ToolPlan](ctx, b, capability.KindToolPlanner, marshal(map[string]any{
				"item":    in.Item,
				"servers": inventory,
				"attempt": in.Attempt,
				"relaxed": in.Relaxed,
			}))
			if err != nil {
				return plan, err
			}
			if len(plan.Calls) == 0 {
				return plan, fmt.Errorf("tool planner returned no calls for item %s", in.Item.ID)
			}
			return plan, nil
		}),
		Verifier: capability.Typed(capability.KindVerifier, func(ctx context.Context, _ *workflow.Context, in capability.VerifyInput) (capability.Verification, error) {
			return ask[capability.Verification](ctx, b, capability.KindVerifier, marshal(in))
		}),
		Replanner: capability.Typed(capability.KindReplanner, func(ctx context.Context, _ *workflow.Context, in capability.ReplanInput) (capability.ReplanDecision, error) {
			return ask[capability.ReplanDecision](ctx, b, capability.KindReplanner, marshal(in))
		}),
		Summarizer: capability.Typed(capability.KindSummarizer, func(ctx context.Context, _ *workflow.Context, in capability.SummarizeInput) (capability.SummaryText, error) {
			text, err := b.complete(ctx, capability.KindSummarizer, marshal(in))
			return capability.SummaryText{Message: text}, err
		}),
	}
}

// complete sends the kind's system prompt and user text, truncated to the
// token budget.
func (b *builder) complete(ctx context.Context, kind capability.Kind, user string) (string, error) {
	client := b.clients(kind)
	if client == nil {
		return "", workflow.NewError(workflow.CodeProcessorNotFound, "no LLM client for %s", kind)
	}
	if b.opts.TokenBudget > 0 && b.opts.Counter != nil {
		user = b.opts.Counter.Truncate(user, b.opts.TokenBudget)
	}

	req := llm.NewRequest(llm.System(systemPrompts[kind]), llm.User(user))
	req.MaxTokens = b.opts.MaxTokens
	req.Temperature = b.opts.Temperature

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", kind, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// ask completes and decodes the first JSON object of the answer.
func ask[T any](ctx context.Context, b *builder, kind capability.Kind, user string) (T, error) {
	text, err := b.complete(ctx, kind, user)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := decode[T](text)
	if err != nil {
		return out, fmt.Errorf("%s: %w", kind, err)
	}
	return out, nil
}

// inventory returns the tool listing, restricted to servers when non-empty.
func (b *builder) inventory(ctx context.Context, servers []string) (map[string][]ToolInfo, error) {
	if b.opts.Tools == nil {
		return map[string][]ToolInfo{}, nil
	}
	all, err := b.opts.Tools.Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if len(servers) == 0 {
		return all, nil
	}
	out := make(map[string][]ToolInfo, len(servers))
	for _, s := range servers {
		if tools, ok := all[s]; ok {
			out[s] = tools
		}
	}
	return out, nil
}

// known drops servers that are not in the inventory. With no inventory every
// name is kept.
func known(servers []string, inventory map[string][]ToolInfo) []string {
	if len(inventory) == 0 {
		return servers
	}
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, ok := inventory[s]; ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func marshal(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
