package workflow

import (
	"time"

	"stageflow/pkg/proto"
)

// Tier grades the overall outcome of a task run.
type Tier string

const (
	TierFullSuccess Tier = "full_success"
	TierPartial     Tier = "partial"
	TierFailure     Tier = "failure"
)

// Summary is the aggregate outcome of a task run.
type Summary struct {
	Counts    Counts  `json:"counts"`
	Ratio     float64 `json:"ratio"`
	Tier      Tier    `json:"tier"`
	Message   string  `json:"message"`
	Cancelled bool    `json:"cancelled"`
	Items     []Item  `json:"items,omitempty"`
}

// CompletionRatio is completed / (total - replanned). Replanned items are
// excluded because their children are counted instead.
func CompletionRatio(c Counts) float64 {
	denom := c.Total - c.Replanned
	if denom <= 0 {
		return 0
	}
	return float64(c.Completed) / float64(denom)
}

// TierFor grades a ratio against the configured thresholds.
func TierFor(ratio, fullSuccess, partial float64) Tier {
	switch {
	case ratio >= fullSuccess:
		return TierFullSuccess
	case ratio >= partial:
		return TierPartial
	default:
		return TierFailure
	}
}

// TransitionRecord is one entry of a run's append-only transition history.
type TransitionRecord struct {
	Seq       int         `json:"seq"`
	RunID     string      `json:"run_id"`
	From      proto.State `json:"from"`
	To        proto.State `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	ItemID    string      `json:"item_id,omitempty"`
}
