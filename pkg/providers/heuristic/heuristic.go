// Package heuristic provides offline capability providers. They make no
// network calls and are used for dry runs and local smoke tests.
package heuristic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"stageflow/pkg/capability"
	"stageflow/pkg/engine"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// EchoServer is the server name the echo tool planner targets when a
// selection is empty.
const EchoServer = "echo"

//nolint:gochecknoglobals // Static keyword tables
var (
	chatWords = []string{"hi", "hello", "hey", "thanks", "thank you", "how are you"}
	devWords  = []string{"code", "bug", "function", "refactor", "review", "stack trace", "compile"}
	escalate  = []string{"implement", "build", "create", "fix", "add"}
	urgent    = []string{"urgent", "asap", "right now", "immediately"}

	categories = []struct {
		name  string
		words []string
	}{
		{"web", []string{"search", "browse", "website", "url", "web"}},
		{"filesystem", []string{"file", "files", "directory", "folder"}},
		{"data", []string{"query", "database", "table", "sql"}},
	}

	stepSplit = regexp.MustCompile(`(?i)\n+|;|\bthen\b`)
)

// Options configures the heuristic providers.
type Options struct {
	// Servers maps item categories to servers. Unmapped categories use EchoServer.
	Servers map[string][]string
}

// New returns a complete capability set, including an echo executor.
func New(opts Options) capability.Set {
	return capability.Set{
		Classifier:  capability.Typed(capability.KindClassifier, classify),
		Chat:        capability.Typed(capability.KindChat, chat),
		DevAnalyzer: capability.Typed(capability.KindDevAnalyzer, analyze),
		Enricher:    capability.Typed(capability.KindEnricher, enrich),
		Planner:     capability.Typed(capability.KindPlanner, plan),
		Selector:    capability.Typed(capability.KindSelector, selector(opts.Servers)),
		ToolPlanner: capability.Typed(capability.KindToolPlanner, toolPlan),
		Executor:    capability.Typed(capability.KindExecutor, execute),
		Verifier:    capability.Typed(capability.KindVerifier, verify),
		Replanner:   capability.Typed(capability.KindReplanner, replan),
		Summarizer:  capability.Typed(capability.KindSummarizer, summarize),
	}
}

// containsAny reports whether text contains any of the phrases as whole words.
func containsAny(text string, phrases []string) bool {
	normalized := " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	for _, p := range phrases {
		if strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}

func classify(_ context.Context, _ *workflow.Context, in capability.ClassifyInput) (capability.Classification, error) {
	text := strings.ToLower(strings.TrimSpace(in.Request))
	out := capability.Classification{Mode: string(proto.ModeTask), Confidence: 0.5, Mood: "neutral"}
	if containsAny(text, urgent) {
		out.Mood = "urgent"
	}
	switch {
	case containsAny(text, devWords):
		out.Mode, out.Confidence = string(proto.ModeDev), 0.7
	case len(strings.Fields(text)) <= 4 && containsAny(text, chatWords):
		out.Mode, out.Confidence = string(proto.ModeChat), 0.8
	}
	return out, nil
}

func chat(_ context.Context, _ *workflow.Context, in capability.ChatInput) (capability.ChatReply, error) {
	return capability.ChatReply{Text: "You said: " + strings.TrimSpace(in.Request)}, nil
}

func analyze(_ context.Context, _ *workflow.Context, in capability.DevInput) (capability.DevAnalysis, error) {
	text := strings.ToLower(in.Request)
	if containsAny(text, escalate) {
		return capability.DevAnalysis{Escalate: true, Reason: "request asks for changes"}, nil
	}
	return capability.DevAnalysis{Response: "Reviewed: " + strings.TrimSpace(in.Request)}, nil
}

func enrich(_ context.Context, _ *workflow.Context, in capability.EnrichInput) (capability.Enrichment, error) {
	return capability.Enrichment{Data: map[string]any{
		"words":       len(strings.Fields(in.Request)),
		"mood":        in.Mood,
		"enriched_at": time.Now().UTC().Format(time.RFC3339),
	}}, nil
}

// Steps splits a request into one step per line, semicolon or "then".
func Steps(request string) []string {
	var steps []string
	for _, part := range stepSplit.Split(request, -1) {
		part = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-*0123456789.)"))
		if part != "" {
			steps = append(steps, part)
		}
	}
	return steps
}

// Category guesses an item category from its description.
func Category(description string) string {
	text := strings.ToLower(description)
	for _, c := range categories {
		if containsAny(text, c.words) {
			return c.name
		}
	}
	return engine.DefaultCategoryKey
}

func plan(_ context.Context, _ *workflow.Context, in capability.PlanInput) (capability.TodoPlan, error) {
	steps := Steps(in.Request)
	if len(steps) == 0 {
		return capability.TodoPlan{}, fmt.Errorf("request has no steps")
	}
	items := make([]workflow.ItemSpec, 0, len(steps))
	for i, step := range steps {
		items = append(items, workflow.ItemSpec{
			ID:          strconv.Itoa(i + 1),
			Description: step,
			Category:    Category(step),
		})
	}
	return capability.TodoPlan{Items: items}, nil
}

func selector(servers map[string][]string) func(context.Context, *workflow.Context, capability.SelectInput) (capability.Selection, error) {
	return func(_ context.Context, _ *workflow.Context, in capability.SelectInput) (capability.Selection, error) {
		category := in.Item.Category
		if category == "" {
			category = Category(in.Item.Description)
		}
		chosen := servers[category]
		if len(chosen) == 0 || in.Relaxed {
			chosen = []string{EchoServer}
		}
		out := append([]string(nil), chosen...)
		sort.Strings(out)
		return capability.Selection{Servers: out, Reason: "category " + category}, nil
	}
}

func toolPlan(_ context.Context, _ *workflow.Context, in capability.ToolPlanInput) (capability.ToolPlan, error) {
	servers := in.Selection.Servers
	if len(servers) == 0 {
		servers = []string{EchoServer}
	}
	calls := make([]capability.ToolCall, 0, len(servers))
	for _, s := range servers {
		calls = append(calls, capability.ToolCall{
			Server:    s,
			Tool:      "echo",
			Arguments: map[string]any{"text": in.Item.Description},
		})
	}
	return capability.ToolPlan{Calls: calls}, nil
}

func execute(ctx context.Context, _ *workflow.Context, in capability.ExecuteInput) (capability.ExecutionReport, error) {
	report := capability.ExecutionReport{}
	for _, call := range in.Plan.Calls {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		text, _ := call.Arguments["text"].(string)
		report.Outcomes = append(report.Outcomes, capability.CallOutcome{
			Call:   call,
			Output: fmt.Sprintf("%s/%s: %s", call.Server, call.Tool, text),
		})
	}
	if len(report.Outcomes) == 0 {
		report.Failed = true
		report.Error = "empty tool plan"
	}
	return report, nil
}

func verify(_ context.Context, _ *workflow.Context, in capability.VerifyInput) (capability.Verification, error) {
	if in.Report.Failed {
		return capability.Verification{Reason: in.Report.Error}, nil
	}
	return capability.Verification{Passed: true, Reason: fmt.Sprintf("%d call(s) succeeded", len(in.Report.Outcomes))}, nil
}

func replan(_ context.Context, _ *workflow.Context, in capability.ReplanInput) (capability.ReplanDecision, error) {
	return capability.ReplanDecision{
		Strategy: proto.StrategySkipAndContinue,
		Reason:   "offline mode does not replan: " + in.Verification.Reason,
	}, nil
}

func summarize(_ context.Context, _ *workflow.Context, in capability.SummarizeInput) (capability.SummaryText, error) {
	return capability.SummaryText{Message: engine.RenderMessage(workflow.Summary{
		Counts:    in.Counts,
		Ratio:     in.Ratio,
		Tier:      in.Tier,
		Cancelled: in.Cancelled,
	}, nil)}, nil
}
