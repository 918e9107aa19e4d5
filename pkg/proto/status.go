package proto

import "fmt"

// ItemStatus is the lifecycle status of a single decomposed work item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
	ItemReplanned  ItemStatus = "replanned"
)

// String returns the string representation of the status.
func (s ItemStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the item will not be worked on again.
// Replanned counts as terminal: its children carry the remaining work.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemSkipped, ItemReplanned:
		return true
	default:
		return false
	}
}

// ParseItemStatus converts a string into an ItemStatus.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch status := ItemStatus(s); status {
	case ItemPending, ItemInProgress, ItemCompleted, ItemFailed, ItemSkipped, ItemReplanned:
		return status, nil
	default:
		return "", fmt.Errorf("unknown item status: %q", s)
	}
}

// Mode is the routing decision made during MODE_SELECTION.
type Mode string

// Modes are matched exactly; there is no fuzzy fallback.
const (
	ModeChat Mode = "chat"
	ModeDev  Mode = "dev"
	ModeTask Mode = "task"
)

// State returns the workflow state a mode routes to.
func (m Mode) State() (State, bool) {
	switch m {
	case ModeChat:
		return StateChat, true
	case ModeDev:
		return StateDev, true
	case ModeTask:
		return StateTask, true
	default:
		return "", false
	}
}

// ReplanStrategy is the recovery decision taken after a failed verification.
type ReplanStrategy string

const (
	StrategyReplanned       ReplanStrategy = "replanned"
	StrategySkipAndContinue ReplanStrategy = "skip_and_continue"
	StrategyRetry           ReplanStrategy = "retry"
)

// IsValid reports whether the strategy is one the engine knows how to apply.
func (s ReplanStrategy) IsValid() bool {
	return s == StrategyReplanned || s == StrategySkipAndContinue || s == StrategyRetry
}
