package workflow

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"stageflow/pkg/proto"
)

// Field names a Context field that handlers may require.
type Field string

const (
	FieldRequest   Field = "request"
	FieldSessionID Field = "session_id"
	FieldMode      Field = "mode"
	FieldTodoList  Field = "todo_list"
	FieldStartedAt Field = "started_at"
)

const snapshotRequestLimit = 200

// Context is the per-run state shared by all handlers of a run. It is owned by
// the run's state machine and lent to handlers by pointer.
type Context struct {
	mu         sync.RWMutex
	request    string
	sessionID  string
	runID      string
	mode       proto.Mode
	confidence float64
	mood       string
	enrichment map[string]any
	todos      *TodoList
	startedAt  time.Time
	response   string
	result     any
	cancelled  bool
	handles    map[string]any
}

// NewContext creates a run context with a fresh run ID. An empty session ID
// is replaced by a generated one.
func NewContext(request, sessionID string) *Context {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Context{
		request:   request,
		sessionID: sessionID,
		runID:     uuid.NewString(),
		handles:   make(map[string]any),
	}
}

func (c *Context) Request() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.request
}

func (c *Context) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Context) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// SetMode stores the classification outcome.
func (c *Context) SetMode(mode proto.Mode, confidence float64, mood string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.confidence = confidence
	c.mood = mood
}

func (c *Context) Mode() proto.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Context) Confidence() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confidence
}

func (c *Context) Mood() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mood
}

// SetEnrichment merges enrichment metadata into the context.
func (c *Context) SetEnrichment(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enrichment == nil {
		c.enrichment = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.enrichment[k] = v
	}
}

// Enrichment returns a copy of the enrichment metadata.
func (c *Context) Enrichment() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.enrichment))
	for k, v := range c.enrichment {
		out[k] = v
	}
	return out
}

func (c *Context) SetTodoList(tl *TodoList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.todos = tl
}

// TodoList returns the run's list, nil until planning completes.
func (c *Context) TodoList() *TodoList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.todos
}

// MarkStarted stamps the run start time if it is not already set.
func (c *Context) MarkStarted(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		c.startedAt = at
	}
}

func (c *Context) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

func (c *Context) SetResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = text
}

func (c *Context) Response() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.response
}

// SetResult stores the run's accumulated result (the final summary for task runs).
func (c *Context) SetResult(result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = result
}

func (c *Context) Result() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

func (c *Context) MarkCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *Context) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// SetHandle stores an opaque collaborator handle. Handles never appear in
// snapshots or logs.
func (c *Context) SetHandle(key string, handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[key] = handle
}

func (c *Context) Handle(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[key]
	return h, ok
}

// Missing returns the names of required fields that are unset.
func (c *Context) Missing(fields ...Field) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var missing []string
	for _, f := range fields {
		var unset bool
		switch f {
		case FieldRequest:
			unset = c.request == ""
		case FieldSessionID:
			unset = c.sessionID == ""
		case FieldMode:
			unset = c.mode == ""
		case FieldTodoList:
			unset = c.todos == nil
		case FieldStartedAt:
			unset = c.startedAt.IsZero()
		}
		if unset {
			missing = append(missing, string(f))
		}
	}
	return missing
}

// Snapshot returns a log-safe view of the context. The request is truncated
// and handles are omitted.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := map[string]any{
		"run_id":     c.runID,
		"session_id": c.sessionID,
		"request":    truncate(c.request, snapshotRequestLimit),
		"mode":       string(c.mode),
		"confidence": c.confidence,
		"cancelled":  c.cancelled,
	}
	if c.mood != "" {
		snap["mood"] = c.mood
	}
	if !c.startedAt.IsZero() {
		snap["started_at"] = c.startedAt.Format(time.RFC3339)
	}
	if len(c.enrichment) > 0 {
		keys := make([]string, 0, len(c.enrichment))
		for k := range c.enrichment {
			keys = append(keys, k)
		}
		snap["enrichment_keys"] = keys
	}
	if c.todos != nil {
		snap["items"] = c.todos.Counts()
	}
	return snap
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
