package engine

import (
	"bytes"
	"context"
	"math"
	"text/template"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

//nolint:gochecknoglobals // Built-in fallback messages
var defaultTemplates = map[workflow.Tier]string{
	workflow.TierFullSuccess: "All {{.Completed}} items completed successfully.",
	workflow.TierPartial:     "Completed {{.Completed}} of {{.Effective}} items ({{.Percent}}%); {{.Failed}} failed, {{.Skipped}} skipped.",
	workflow.TierFailure:     "The task could not be completed: {{.Completed}} of {{.Effective}} items succeeded, {{.Failed}} failed, {{.Skipped}} skipped.",
}

// templateData is exposed to summary templates.
type templateData struct {
	workflow.Counts
	Effective int // Total minus replanned
	Percent   int
	Cancelled bool
}

// Summarize aggregates the TODO list into a Summary without a message.
func Summarize(run *workflow.Context, settings Settings) workflow.Summary {
	var summary workflow.Summary
	if tl := run.TodoList(); tl != nil {
		summary.Counts = tl.Counts()
		summary.Items = tl.Items()
	}
	summary.Ratio = workflow.CompletionRatio(summary.Counts)
	summary.Tier = workflow.TierFor(summary.Ratio, settings.FullSuccessRatio, settings.PartialRatio)
	summary.Cancelled = run.Cancelled()
	return summary
}

// RenderMessage renders the configured (or built-in) template for the tier.
func RenderMessage(summary workflow.Summary, templates map[workflow.Tier]string) string {
	text, ok := templates[summary.Tier]
	if !ok || text == "" {
		text = defaultTemplates[summary.Tier]
	}
	data := templateData{
		Counts:    summary.Counts,
		Effective: summary.Counts.Total - summary.Counts.Replanned,
		Percent:   int(math.Round(summary.Ratio * 100)),
		Cancelled: summary.Cancelled,
	}

	var buf bytes.Buffer
	tmpl, err := template.New(string(summary.Tier)).Parse(text)
	if err == nil {
		err = tmpl.Execute(&buf, data)
	}
	if err != nil {
		buf.Reset()
		_ = template.Must(template.New("fallback").Parse(defaultTemplates[summary.Tier])).Execute(&buf, data)
	}

	msg := buf.String()
	if summary.Cancelled {
		msg = "Run cancelled. " + msg
	}
	return msg
}

type summaryHandler struct {
	base
	summarizer capability.Provider
	settings   Settings
}

// Execute always succeeds: a summarizer failure falls back to the tier template.
func (h *summaryHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	summary := Summarize(run, h.settings)

	res, err := h.invoke(ctx, h.summarizer, capability.KindSummarizer, run, capability.SummarizeInput{
		Request:   run.Request(),
		Counts:    summary.Counts,
		Ratio:     summary.Ratio,
		Tier:      summary.Tier,
		Cancelled: summary.Cancelled,
		Items:     summary.Items,
	})
	if err != nil {
		return res, err
	}
	if res.Success {
		if text, perr := workflow.PayloadAs[capability.SummaryText](res); perr == nil && text.Message != "" {
			summary.Message = text.Message
		}
	}
	if summary.Message == "" {
		summary.Message = RenderMessage(summary, h.settings.Templates)
	}

	stored := commit(ctx, func() {
		run.SetResult(&summary)
		run.SetResponse(summary.Message)
	})
	if !stored {
		return late(ctx, h.state)
	}
	return workflow.Ok(&summary), nil
}
