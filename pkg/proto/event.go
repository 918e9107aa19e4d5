package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies what an Event describes.
type EventType string

const (
	// EventTransition is emitted after every successful state transition.
	EventTransition EventType = "transition"
	// EventItemStatus is emitted when an item reaches a terminal status.
	EventItemStatus EventType = "item_status"
	// EventRunFinished is emitted once the run reaches WORKFLOW_END or aborts.
	EventRunFinished EventType = "run_finished"
)

// Event is the structured notification pushed to streaming sinks.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	From      State          `json:"from,omitempty"`
	State     State          `json:"state,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTransitionEvent builds the event emitted for a state change.
func NewTransitionEvent(runID string, from, to State, itemID string, at time.Time) Event {
	return Event{
		Timestamp: at,
		Type:      EventTransition,
		RunID:     runID,
		From:      from,
		State:     to,
		ItemID:    itemID,
		Status:    "entered",
	}
}

// NewItemStatusEvent builds the event emitted when an item reaches a terminal status.
func NewItemStatusEvent(runID, itemID string, status ItemStatus, at time.Time) Event {
	return Event{
		Timestamp: at,
		Type:      EventItemStatus,
		RunID:     runID,
		ItemID:    itemID,
		Status:    status.String(),
	}
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// String renders a short human-readable form used in logs.
func (e *Event) String() string {
	switch e.Type {
	case EventTransition:
		if e.ItemID != "" {
			return fmt.Sprintf("%s [%s] %s → %s", e.Type, e.ItemID, e.From, e.State)
		}
		return fmt.Sprintf("%s %s → %s", e.Type, e.From, e.State)
	case EventItemStatus:
		return fmt.Sprintf("%s [%s] %s", e.Type, e.ItemID, e.Status)
	default:
		return fmt.Sprintf("%s %s", e.Type, e.Status)
	}
}
