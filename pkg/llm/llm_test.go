package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/metrics"
)

func TestAlternate(t *testing.T) {
	tests := []struct {
		name       string
		messages   []Message
		wantSystem string
		wantRoles  []Role
		wantErr    string
	}{
		{
			name:    "empty",
			wantErr: "cannot be empty",
		},
		{
			name:     "system only",
			messages: []Message{System("be brief")},
			wantErr:  "at least one non-system message",
		},
		{
			name:       "system lifted and users merged",
			messages:   []Message{System("a"), User("one"), System("b"), User("two")},
			wantSystem: "a\n\nb",
			wantRoles:  []Role{RoleUser},
		},
		{
			name:      "alternating conversation",
			messages:  []Message{User("q1"), Assistant("a1"), User("q2")},
			wantRoles: []Role{RoleUser, RoleAssistant, RoleUser},
		},
		{
			name:     "starts with assistant",
			messages: []Message{Assistant("hi"), User("q")},
			wantErr:  "first message must be user",
		},
		{
			name:     "ends with assistant",
			messages: []Message{User("q"), Assistant("a")},
			wantErr:  "last message must be user",
		},
		{
			name:     "consecutive assistants",
			messages: []Message{User("q"), Assistant("a"), Assistant("b"), User("c")},
			wantErr:  "alternation violation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, merged, err := Alternate(tt.messages)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSystem, system)
			roles := make([]Role, 0, len(merged))
			for _, m := range merged {
				roles = append(roles, m.Role)
			}
			assert.Equal(t, tt.wantRoles, roles)
		})
	}

	_, merged, err := Alternate([]Message{User("one"), User("two")})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", merged[0].Content)
}

func TestFlatten(t *testing.T) {
	got := Flatten([]Message{System("rules"), User("question"), Assistant("answer"), User("again")})
	assert.Equal(t, "System: rules\n\nquestion\n\nAssistant: answer\n\nagain", got)
}

func TestNewRequestDefaults(t *testing.T) {
	req := NewRequest(User("hi"))
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, TemperatureDefault, req.Temperature, 1e-6)
	assert.Len(t, req.Messages, 1)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		want      ErrorType
		retryable bool
	}{
		{401, ErrorTypeAuth, false},
		{403, ErrorTypeAuth, false},
		{429, ErrorTypeRateLimit, true},
		{400, ErrorTypeBadPrompt, false},
		{404, ErrorTypeBadPrompt, false},
		{500, ErrorTypeTransient, true},
		{503, ErrorTypeTransient, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := ClassifyStatus(tt.status, errors.New("boom"))
			assert.Equal(t, tt.want, err.Type)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, err.Error(), fmt.Sprintf("status %d", tt.status))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, ErrorTypeTransient, Classify(context.DeadlineExceeded).Type)
	assert.Equal(t, ErrorTypeTransient, Classify(fmt.Errorf("wrapped: %w", context.Canceled)).Type)
	assert.Equal(t, ErrorTypeTransient, Classify(errors.New("connection reset by peer")).Type)
	assert.Equal(t, ErrorTypeRateLimit, Classify(errors.New("quota exhausted")).Type)
	assert.Equal(t, ErrorTypeAuth, Classify(errors.New("Unauthorized")).Type)
	assert.Equal(t, ErrorTypeBadPrompt, Classify(errors.New("malformed body")).Type)
	assert.Equal(t, ErrorTypeUnknown, Classify(errors.New("something odd")).Type)

	classified := NewError(ErrorTypeEmptyResponse, "nothing")
	assert.Same(t, classified, Classify(fmt.Errorf("outer: %w", classified)))
	assert.Equal(t, ErrorTypeEmptyResponse, TypeOf(fmt.Errorf("outer: %w", classified)))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewErrorWithCause(ErrorTypeTransient, cause, "network")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transient: network: root cause", err.Error())
}

func TestTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	assert.Equal(t, 0, tc.Count(""))
	assert.Equal(t, 2, tc.Count("hello world"))
	assert.Equal(t, 4, tc.CountMessages([]Message{User("hello world"), Assistant("hello world")}))

	long := strings.Repeat("token budget ", 500)
	cut := tc.Truncate(long, 100)
	assert.Less(t, len(cut), len(long))
	assert.True(t, strings.HasSuffix(cut, "..."))
	assert.LessOrEqual(t, tc.Count(cut), 101)

	assert.Equal(t, "short", tc.Truncate("short", 100))
	assert.Equal(t, long, tc.Truncate(long, 0))
}

func TestTokenCounterNilFallsBackToEstimate(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 3, tc.Count("twelve chars"))
}

type tokenRecorder struct {
	metrics.NoopRecorder
	model, kind    string
	prompt, output int
}

func (r *tokenRecorder) ObserveTokens(model, kind string, prompt, output int) {
	r.model, r.kind, r.prompt, r.output = model, kind, prompt, output
}

func TestMetered(t *testing.T) {
	rec := &tokenRecorder{}
	reported := ClientFunc{Name: "m1", Fn: func(context.Context, Request) (Response, error) {
		return Response{Content: "ok", Usage: Usage{InputTokens: 10, OutputTokens: 3}}, nil
	}}
	_, err := Metered(reported, rec, nil, "planner").Complete(context.Background(), NewRequest(User("plan")))
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.model)
	assert.Equal(t, "planner", rec.kind)
	assert.Equal(t, 10, rec.prompt)
	assert.Equal(t, 3, rec.output)

	tc, err := NewTokenCounter("m2")
	require.NoError(t, err)
	silent := ClientFunc{Name: "m2", Fn: func(context.Context, Request) (Response, error) {
		return Response{Content: "hello world"}, nil
	}}
	c := Metered(silent, rec, tc, "chat")
	assert.Equal(t, "m2", c.Model())
	_, err = c.Complete(context.Background(), NewRequest(User("hello world")))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.prompt)
	assert.Equal(t, 2, rec.output)

	failing := ClientFunc{Name: "m3", Fn: func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("down")
	}}
	_, err = Metered(failing, rec, tc, "chat").Complete(context.Background(), NewRequest(User("x")))
	assert.Error(t, err)
	assert.Equal(t, "m2", rec.model, "failed calls record nothing")
}
