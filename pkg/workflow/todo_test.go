package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/proto"
)

func threeItemList(t *testing.T) *TodoList {
	t.Helper()
	tl, err := BuildTodoList([]ItemSpec{
		{ID: "1", Description: "fetch data", Category: "search"},
		{ID: "2", Description: "transform data", Dependencies: []string{"1"}},
		{ID: "3", Description: "write report", Dependencies: []string{"2"}},
	})
	require.NoError(t, err)
	return tl
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for i := range items {
		out = append(out, items[i].ID)
	}
	return out
}

func TestBuildTodoListValidation(t *testing.T) {
	_, err := BuildTodoList([]ItemSpec{{ID: "1"}, {ID: "1"}})
	assert.Error(t, err, "duplicate IDs must be rejected")

	_, err = BuildTodoList([]ItemSpec{{ID: "1", Dependencies: []string{"9"}}})
	assert.Error(t, err, "unknown dependency must be rejected")

	_, err = BuildTodoList([]ItemSpec{{ID: "1", Dependencies: []string{"1"}}})
	assert.Error(t, err, "self dependency must be rejected")

	_, err = BuildTodoList([]ItemSpec{{ID: " "}})
	assert.Error(t, err)
}

func TestNewItemsStartPendingAtAttemptOne(t *testing.T) {
	tl := threeItemList(t)
	for _, it := range tl.Items() {
		assert.Equal(t, proto.ItemPending, it.Status)
		assert.Equal(t, 1, it.Attempt)
	}
}

func TestEligibilityFollowsDependencies(t *testing.T) {
	tl := threeItemList(t)

	next, ok := tl.NextEligible()
	require.True(t, ok)
	assert.Equal(t, "1", next.ID)
	assert.Equal(t, []string{"1"}, ids(tl.Eligible(nil)))

	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))
	assert.Equal(t, []string{"2"}, ids(tl.Eligible(nil)))
	assert.Empty(t, tl.Eligible(map[string]bool{"2": true}))
}

func TestInsertChildrenPlacement(t *testing.T) {
	tl := threeItemList(t)
	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))

	children, err := tl.InsertChildren("2", []ItemSpec{
		{ID: "a", Description: "split input"},
		{ID: "b", Description: "merge output", Dependencies: []string{"a", "2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2.1", "2.2"}, children)
	require.NoError(t, tl.SetStatus("2", proto.ItemReplanned, "split"))

	assert.Equal(t, []string{"1", "2", "2.1", "2.2", "3"}, ids(tl.Items()))

	second, ok := tl.Get("2.2")
	require.True(t, ok)
	assert.Equal(t, []string{"2.1"}, second.Dependencies, "batch-local deps remap, parent deps drop")
	assert.Equal(t, "2", second.ParentID)

	more, err := tl.InsertChildren("2", []ItemSpec{{Description: "cleanup"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2.3"}, more)
	assert.Equal(t, []string{"1", "2", "2.1", "2.2", "2.3", "3"}, ids(tl.Items()))

	_, err = tl.InsertChildren("9", []ItemSpec{{Description: "x"}})
	assert.Error(t, err)
}

func TestInsertChildrenTracksDepth(t *testing.T) {
	tl := threeItemList(t)
	top, _ := tl.Get("2")
	assert.Equal(t, 0, top.Depth)

	children, err := tl.InsertChildren("2", []ItemSpec{{Description: "split"}})
	require.NoError(t, err)
	grandchildren, err := tl.InsertChildren(children[0], []ItemSpec{{Description: "split again"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2.1.1"}, grandchildren)

	child, _ := tl.Get("2.1")
	grandchild, _ := tl.Get("2.1.1")
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, 2, grandchild.Depth)
}

func TestReplannedDependencySatisfiedByChildren(t *testing.T) {
	tl := threeItemList(t)
	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))
	_, err := tl.InsertChildren("2", []ItemSpec{{Description: "a"}, {Description: "b"}})
	require.NoError(t, err)
	require.NoError(t, tl.SetStatus("2", proto.ItemReplanned, ""))

	three, _ := tl.Get("3")
	assert.False(t, tl.DependenciesSatisfied(three))
	assert.Equal(t, []string{"2.1", "2.2"}, ids(tl.Eligible(nil)))

	require.NoError(t, tl.SetStatus("2.1", proto.ItemCompleted, ""))
	assert.False(t, tl.DependenciesSatisfied(three))
	require.NoError(t, tl.SetStatus("2.2", proto.ItemCompleted, ""))
	assert.True(t, tl.DependenciesSatisfied(three))
}

func TestUnresolvable(t *testing.T) {
	tl := threeItemList(t)
	require.NoError(t, tl.SetStatus("1", proto.ItemFailed, "tool error"))

	blocked := tl.Unresolvable()
	assert.Equal(t, []string{"2"}, ids(blocked), "only direct dependents of a failed item are unresolvable")
	assert.Empty(t, tl.Eligible(nil))

	require.NoError(t, tl.SetStatus("2", proto.ItemSkipped, "unresolvable dependencies"))
	assert.Equal(t, []string{"3"}, ids(tl.Unresolvable()))
}

func TestCompletedIsMonotonic(t *testing.T) {
	tl := threeItemList(t)
	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))
	assert.Error(t, tl.SetStatus("1", proto.ItemFailed, ""))
	assert.Error(t, tl.SetStatus("missing", proto.ItemFailed, ""))

	it, _ := tl.Get("1")
	assert.Equal(t, proto.ItemCompleted, it.Status)
}

func TestCountsAndRemaining(t *testing.T) {
	tl := threeItemList(t)
	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))
	require.NoError(t, tl.SetStatus("2", proto.ItemInProgress, ""))

	c := tl.Counts()
	assert.Equal(t, Counts{Total: 3, Pending: 1, InProgress: 1, Completed: 1}, c)
	assert.Equal(t, 2, tl.Remaining())
}

func TestGetReturnsCopy(t *testing.T) {
	tl := threeItemList(t)
	it, _ := tl.Get("2")
	it.Dependencies[0] = "mutated"

	again, _ := tl.Get("2")
	assert.Equal(t, []string{"1"}, again.Dependencies)
}
