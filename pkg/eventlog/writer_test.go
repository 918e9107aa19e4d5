package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/proto"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, w.Notify(context.Background(), proto.NewTransitionEvent("r1", proto.StateWorkflowStart, proto.StateModeSelection, "", now)))
	require.NoError(t, w.Notify(context.Background(), proto.NewItemStatusEvent("r2", "1", proto.ItemCompleted, now)))
	require.NoError(t, w.Notify(context.Background(), proto.NewTransitionEvent("r1", proto.StateModeSelection, proto.StateTask, "", now)))

	path := w.GetCurrentLogFile()
	require.NoError(t, w.Close())
	assert.Empty(t, w.GetCurrentLogFile())

	all, err := ReadEvents(path, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	r1, err := ReadEvents(path, "r1")
	require.NoError(t, err)
	require.Len(t, r1, 2)
	assert.Equal(t, proto.StateTask, r1[1].State)

	assert.Error(t, w.Notify(context.Background(), proto.NewItemStatusEvent("r", "1", proto.ItemFailed, now)))
}

func TestDailyRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	require.NoError(t, w.WriteEvent(&proto.Event{Type: proto.EventRunFinished, RunID: "a", Timestamp: day}))

	day = day.Add(2 * time.Minute)
	require.NoError(t, w.WriteEvent(&proto.Event{Type: proto.EventRunFinished, RunID: "b", Timestamp: day}))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-01.jsonl"))
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-02.jsonl"))
}
