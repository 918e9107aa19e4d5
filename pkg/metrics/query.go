package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Outcomes aggregates counters scraped by a Prometheus server across runs.
type Outcomes struct {
	Items     map[string]float64 `json:"items"`      // By terminal status
	Runs      map[string]float64 `json:"runs"`       // By outcome
	Providers map[string]float64 `json:"providers"`  // Failed calls by kind
	Tokens    float64            `json:"llm_tokens"` // All LLM tokens
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetOutcomes retrieves aggregate item, run, provider failure and token
// counts over the given window (e.g. "24h").
func (q *QueryService) GetOutcomes(ctx context.Context, window string) (*Outcomes, error) {
	out := &Outcomes{}
	var err error

	out.Items, err = q.sumBy(ctx, fmt.Sprintf(`sum by (status) (increase(stageflow_items_total[%s]))`, window), "status")
	if err != nil {
		return nil, fmt.Errorf("failed to query item outcomes: %w", err)
	}

	out.Runs, err = q.sumBy(ctx, fmt.Sprintf(`sum by (outcome) (increase(stageflow_runs_total[%s]))`, window), "outcome")
	if err != nil {
		return nil, fmt.Errorf("failed to query run outcomes: %w", err)
	}

	out.Providers, err = q.sumBy(ctx, fmt.Sprintf(`sum by (kind) (increase(stageflow_provider_requests_total{status="error"}[%s]))`, window), "kind")
	if err != nil {
		return nil, fmt.Errorf("failed to query provider failures: %w", err)
	}

	tokens, err := q.sumBy(ctx, fmt.Sprintf(`sum(increase(stageflow_llm_tokens_total[%s]))`, window), "")
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	out.Tokens = tokens[""]

	return out, nil
}

// sumBy runs an instant query and maps each sample's label value to its value.
func (q *QueryService) sumBy(ctx context.Context, query, label string) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add query context
	}

	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			key := ""
			if label != "" {
				key = string(sample.Metric[model.LabelName(label)])
			}
			out[key] += float64(sample.Value)
		}
	}
	return out, nil
}
