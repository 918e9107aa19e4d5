package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"stageflow/pkg/proto"
)

// ItemSpec describes an item to add to a TodoList.
type ItemSpec struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Category     string   `json:"category,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Item is one unit of decomposed work.
type Item struct {
	ID               string           `json:"id"`
	Description      string           `json:"description"`
	Category         string           `json:"category,omitempty"`
	Dependencies     []string         `json:"dependencies,omitempty"`
	Status           proto.ItemStatus `json:"status"`
	Attempt          int              `json:"attempt"`
	LastExecution    any              `json:"last_execution,omitempty"`
	LastVerification any              `json:"last_verification,omitempty"`
	ParentID         string           `json:"parent_id,omitempty"`
	Depth            int              `json:"depth,omitempty"` // Replan generations below a planned item
	Children         []string         `json:"children,omitempty"`
	Reason           string           `json:"reason,omitempty"` // Why the item ended in its status
}

func (it *Item) clone() Item {
	c := *it
	c.Dependencies = append([]string(nil), it.Dependencies...)
	c.Children = append([]string(nil), it.Children...)
	return c
}

// Counts tallies items by status.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Replanned  int `json:"replanned"`
}

// TodoList is an ordered arena of items addressed by hierarchical IDs.
// Items may be inserted but never removed.
type TodoList struct {
	mu    sync.RWMutex
	items map[string]*Item
	order []string
}

// NewTodoList creates an empty list.
func NewTodoList() *TodoList {
	return &TodoList{items: make(map[string]*Item)}
}

// BuildTodoList creates a list from specs, validating that IDs are unique and
// every dependency references an item in the plan.
func BuildTodoList(specs []ItemSpec) (*TodoList, error) {
	tl := NewTodoList()
	for i := range specs {
		if err := tl.Add(specs[i]); err != nil {
			return nil, err
		}
	}
	for _, id := range tl.order {
		for _, dep := range tl.items[id].Dependencies {
			if _, ok := tl.items[dep]; !ok {
				return nil, fmt.Errorf("item %s depends on unknown item %s", id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("item %s depends on itself", id)
			}
		}
	}
	return tl, nil
}

// Add appends a pending item.
func (tl *TodoList) Add(spec ItemSpec) error {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return fmt.Errorf("item ID cannot be empty")
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, exists := tl.items[id]; exists {
		return fmt.Errorf("duplicate item ID %s", id)
	}
	tl.items[id] = newItem(id, spec, "", 0)
	tl.order = append(tl.order, id)
	return nil
}

func newItem(id string, spec ItemSpec, parentID string, depth int) *Item {
	return &Item{
		ID:           id,
		Description:  spec.Description,
		Category:     spec.Category,
		Dependencies: append([]string(nil), spec.Dependencies...),
		Status:       proto.ItemPending,
		Attempt:      1,
		ParentID:     parentID,
		Depth:        depth,
	}
}

// Get returns a copy of the item with the given ID.
func (tl *TodoList) Get(id string) (Item, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	it, ok := tl.items[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// Items returns copies of all items in list order.
func (tl *TodoList) Items() []Item {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	out := make([]Item, 0, len(tl.order))
	for _, id := range tl.order {
		out = append(out, tl.items[id].clone())
	}
	return out
}

// Len returns the number of items.
func (tl *TodoList) Len() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.order)
}

// InsertChildren adds replacement items for parentID. Children get IDs
// parentID.1, parentID.2, ... (continuing after existing children) and are
// placed directly after the parent and its existing descendants. Dependencies
// that name another spec in the same batch by its ID are remapped to the
// assigned child ID; dependencies on the parent are dropped.
func (tl *TodoList) InsertChildren(parentID string, specs []ItemSpec) ([]string, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	parent, ok := tl.items[parentID]
	if !ok {
		return nil, fmt.Errorf("unknown parent item %s", parentID)
	}
	if len(specs) == 0 {
		return nil, nil
	}

	// Assign IDs first so batch-local dependencies can be remapped.
	next := 1
	ids := make([]string, len(specs))
	local := make(map[string]string, len(specs))
	for i := range specs {
		for {
			candidate := parentID + "." + strconv.Itoa(next)
			next++
			if _, taken := tl.items[candidate]; !taken {
				ids[i] = candidate
				break
			}
		}
		if specs[i].ID != "" {
			local[specs[i].ID] = ids[i]
		}
	}

	children := make([]string, 0, len(specs))
	for i := range specs {
		spec := specs[i]
		if spec.Category == "" {
			spec.Category = parent.Category
		}
		deps := make([]string, 0, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if mapped, ok := local[dep]; ok {
				dep = mapped
			}
			if dep == parentID || dep == ids[i] {
				continue
			}
			deps = append(deps, dep)
		}
		spec.Dependencies = deps
		tl.items[ids[i]] = newItem(ids[i], spec, parentID, parent.Depth+1)
		children = append(children, ids[i])
	}
	parent.Children = append(parent.Children, children...)

	pos := tl.insertPosition(parentID)
	order := make([]string, 0, len(tl.order)+len(children))
	order = append(order, tl.order[:pos]...)
	order = append(order, children...)
	order = append(order, tl.order[pos:]...)
	tl.order = order

	return children, nil
}

// insertPosition returns the order index just past parentID and its descendants.
func (tl *TodoList) insertPosition(parentID string) int {
	prefix := parentID + "."
	pos := -1
	for i, id := range tl.order {
		if id == parentID || strings.HasPrefix(id, prefix) {
			pos = i
		}
	}
	return pos + 1
}

// SetStatus changes an item's status. A completed item cannot change status.
func (tl *TodoList) SetStatus(id string, status proto.ItemStatus, reason string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	it, ok := tl.items[id]
	if !ok {
		return fmt.Errorf("unknown item %s", id)
	}
	if it.Status == proto.ItemCompleted && status != proto.ItemCompleted {
		return fmt.Errorf("item %s is completed and cannot become %s", id, status)
	}
	it.Status = status
	it.Reason = reason
	return nil
}

// SetAttempt records the attempt number for an item.
func (tl *TodoList) SetAttempt(id string, attempt int) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	it, ok := tl.items[id]
	if !ok {
		return fmt.Errorf("unknown item %s", id)
	}
	it.Attempt = attempt
	return nil
}

// RecordResults stores the latest execution and verification outputs.
func (tl *TodoList) RecordResults(id string, execution, verification any) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	it, ok := tl.items[id]
	if !ok {
		return fmt.Errorf("unknown item %s", id)
	}
	if execution != nil {
		it.LastExecution = execution
	}
	if verification != nil {
		it.LastVerification = verification
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of item is done.
func (tl *TodoList) DependenciesSatisfied(item Item) bool {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.depsSatisfied(item.Dependencies)
}

func (tl *TodoList) depsSatisfied(deps []string) bool {
	for _, dep := range deps {
		if !tl.satisfied(dep, make(map[string]bool)) {
			return false
		}
	}
	return true
}

// satisfied: completed, or replanned with every child satisfied.
func (tl *TodoList) satisfied(id string, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true

	it, ok := tl.items[id]
	if !ok {
		return false
	}
	switch it.Status {
	case proto.ItemCompleted:
		return true
	case proto.ItemReplanned:
		if len(it.Children) == 0 {
			return false
		}
		for _, child := range it.Children {
			if !tl.satisfied(child, seen) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// blocked: the dependency can never be satisfied.
func (tl *TodoList) blocked(id string, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true

	it, ok := tl.items[id]
	if !ok {
		return true
	}
	switch it.Status {
	case proto.ItemFailed, proto.ItemSkipped:
		return true
	case proto.ItemReplanned:
		if len(it.Children) == 0 {
			return true
		}
		for _, child := range it.Children {
			if tl.blocked(child, seen) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Eligible returns pending items whose dependencies are satisfied, in list
// order, skipping any ID in exclude.
func (tl *TodoList) Eligible(exclude map[string]bool) []Item {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var out []Item
	for _, id := range tl.order {
		it := tl.items[id]
		if it.Status != proto.ItemPending || exclude[id] {
			continue
		}
		if tl.depsSatisfied(it.Dependencies) {
			out = append(out, it.clone())
		}
	}
	return out
}

// NextEligible returns the first eligible item in list order.
func (tl *TodoList) NextEligible() (Item, bool) {
	eligible := tl.Eligible(nil)
	if len(eligible) == 0 {
		return Item{}, false
	}
	return eligible[0], true
}

// Unresolvable returns pending items with at least one dependency that can
// never be satisfied.
func (tl *TodoList) Unresolvable() []Item {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var out []Item
	for _, id := range tl.order {
		it := tl.items[id]
		if it.Status != proto.ItemPending {
			continue
		}
		for _, dep := range it.Dependencies {
			if tl.blocked(dep, make(map[string]bool)) {
				out = append(out, it.clone())
				break
			}
		}
	}
	return out
}

// Pending returns items that have not started yet, in list order.
func (tl *TodoList) Pending() []Item {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var out []Item
	for _, id := range tl.order {
		if it := tl.items[id]; it.Status == proto.ItemPending {
			out = append(out, it.clone())
		}
	}
	return out
}

// Remaining returns the number of items not yet in a terminal status.
func (tl *TodoList) Remaining() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	n := 0
	for _, it := range tl.items {
		if !it.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Counts tallies items by status.
func (tl *TodoList) Counts() Counts {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	c := Counts{Total: len(tl.items)}
	for _, it := range tl.items {
		switch it.Status {
		case proto.ItemPending:
			c.Pending++
		case proto.ItemInProgress:
			c.InProgress++
		case proto.ItemCompleted:
			c.Completed++
		case proto.ItemFailed:
			c.Failed++
		case proto.ItemSkipped:
			c.Skipped++
		case proto.ItemReplanned:
			c.Replanned++
		}
	}
	return c
}
