package llm

import (
	"context"

	"stageflow/pkg/metrics"
)

type metered struct {
	next     Client
	recorder metrics.Recorder
	counter  *TokenCounter
	kind     string
}

// Metered records token usage for every completion under kind. Backends that
// do not report usage are estimated with counter when it is non-nil.
func Metered(next Client, recorder metrics.Recorder, counter *TokenCounter, kind string) Client {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &metered{next: next, recorder: recorder, counter: counter, kind: kind}
}

func (m *metered) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := m.next.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	usage := resp.Usage
	if usage.InputTokens == 0 && m.counter != nil {
		usage.InputTokens = m.counter.CountMessages(req.Messages)
	}
	if usage.OutputTokens == 0 && m.counter != nil {
		usage.OutputTokens = m.counter.Count(resp.Content)
	}
	m.recorder.ObserveTokens(m.next.Model(), m.kind, usage.InputTokens, usage.OutputTokens)
	return resp, nil
}

func (m *metered) Model() string { return m.next.Model() }
