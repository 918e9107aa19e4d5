package workflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/proto"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := NewError(CodeInvalidTransition, "cannot go from A to B").
		WithMetadata("currentState", "A")
	wrapped := fmt.Errorf("state CHAT: %w", err)

	assert.ErrorIs(t, wrapped, ErrInvalidTransition)
	assert.NotErrorIs(t, wrapped, ErrInvalidState)
	assert.Equal(t, CodeInvalidTransition, CodeOf(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.Equal(t, []string{"currentState"}, err.MetadataKeys())
}

func TestCodeClassification(t *testing.T) {
	for _, c := range []Code{CodeInvalidState, CodeInvalidTransition, CodeHandlerNotFound,
		CodeProcessorNotFound, CodeInvalidContext, CodeTransitionLimit, CodeUnknownMode} {
		assert.True(t, c.Fatal(), c)
		assert.False(t, c.Retryable(), c)
	}
	for _, c := range []Code{CodeProviderTimeout, CodeProviderFailure, CodeCircuitOpen, CodeQueueFull} {
		assert.False(t, c.Fatal(), c)
		assert.True(t, c.Retryable(), c)
	}
	assert.False(t, CodeCancelled.Retryable())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(CodeProviderFailure, cause, "planner call")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "PROVIDER_FAILURE: planner call: connection reset", err.Error())
}

func TestResultNormalize(t *testing.T) {
	r := Result{Success: false}.Normalize()
	require.NotNil(t, r.Error, "failed result must carry an error")
	assert.Equal(t, CodeProviderFailure, r.Error.Code)

	ok := Ok("payload").Normalize()
	assert.Nil(t, ok.Error)
	assert.NoError(t, ok.Err())

	failed := FromError(errors.New("boom"), CodeProviderTimeout)
	assert.False(t, failed.Success)
	assert.Equal(t, CodeProviderTimeout, failed.Error.Code)
	assert.Error(t, failed.Err())
}

type planPayload struct{ N int }

func TestPayloadAs(t *testing.T) {
	v, err := PayloadAs[planPayload](Ok(planPayload{N: 2}))
	require.NoError(t, err)
	assert.Equal(t, 2, v.N)

	v, err = PayloadAs[planPayload](Ok(&planPayload{N: 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, v.N)

	_, err = PayloadAs[planPayload](Ok("wrong"))
	assert.Error(t, err)

	_, err = PayloadAs[planPayload](Result{Success: true})
	assert.Error(t, err)
}

func TestContextSnapshotIsSanitized(t *testing.T) {
	c := NewContext(strings.Repeat("x", 500), "")
	c.SetHandle("db", struct{ secret string }{"s3cr3t"})
	c.SetMode(proto.ModeTask, 0.9, "focused")
	c.MarkStarted(time.Now())

	snap := c.Snapshot()
	assert.NotContains(t, snap, "handles")
	assert.NotContains(t, fmt.Sprint(snap), "s3cr3t")
	assert.Less(t, len(snap["request"].(string)), 500)
	assert.Equal(t, "task", snap["mode"])
	assert.NotEmpty(t, c.SessionID())
	assert.NotEmpty(t, c.RunID())

	h, ok := c.Handle("db")
	assert.True(t, ok)
	assert.NotNil(t, h)
}

func TestContextMissing(t *testing.T) {
	c := NewContext("", "session-1")
	assert.Equal(t, []string{"request", "mode", "todo_list"},
		c.Missing(FieldRequest, FieldSessionID, FieldMode, FieldTodoList))

	c.SetTodoList(NewTodoList())
	assert.Empty(t, c.Missing(FieldTodoList))
}

func TestCompletionRatioAndTier(t *testing.T) {
	c := Counts{Total: 5, Completed: 3, Replanned: 1, Failed: 1}
	assert.InDelta(t, 0.75, CompletionRatio(c), 1e-9)
	assert.Equal(t, 0.0, CompletionRatio(Counts{}))

	assert.Equal(t, TierFullSuccess, TierFor(1.0, 1.0, 0.5))
	assert.Equal(t, TierPartial, TierFor(0.75, 1.0, 0.5))
	assert.Equal(t, TierFailure, TierFor(0.25, 1.0, 0.5))
}
