package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/proto"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveTransition(proto.StateWorkflowStart, proto.StateModeSelection)
	r.ObserveTransition(proto.StateWorkflowStart, proto.StateModeSelection)
	r.ObserveItem(proto.ItemCompleted)
	r.ObserveProvider("planner", false, "PROVIDER_TIMEOUT", 20*time.Millisecond)
	r.ObserveHandler(proto.StateExecution, true, time.Millisecond)
	r.ObserveTokens("gpt-4o", "planner", 100, 20)
	r.ObserveRun("task", "completed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitionsTotal.WithLabelValues("WORKFLOW_START", "MODE_SELECTION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.itemsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.providerTotal.WithLabelValues("planner", StatusError, "PROVIDER_TIMEOUT")))
	assert.Equal(t, 20.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("gpt-4o", "planner", "completion")))

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, reg))
	out := buf.String()
	assert.Contains(t, out, "stageflow_transitions_total")
	assert.Contains(t, out, `stageflow_runs_total{mode="task",outcome="completed"} 1`)
}

func TestNopRecorder(t *testing.T) {
	r := Nop()
	r.ObserveTransition(proto.StateChat, proto.StateWorkflowEnd)
	r.ObserveRun("chat", "completed", 0)
}

func TestQueryServiceGetOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		query := r.Form.Get("query")

		var result string
		switch {
		case strings.Contains(query, "stageflow_items_total"):
			result = `[{"metric":{"status":"completed"},"value":[1700000000,"7"]},{"metric":{"status":"failed"},"value":[1700000000,"2"]}]`
		case strings.Contains(query, "stageflow_runs_total"):
			result = `[{"metric":{"outcome":"completed"},"value":[1700000000,"3"]}]`
		case strings.Contains(query, "stageflow_provider_requests_total"):
			result = `[{"metric":{"kind":"planner"},"value":[1700000000,"1"]}]`
		default:
			result = `[{"metric":{},"value":[1700000000,"1234"]}]`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	out, err := qs.GetOutcomes(context.Background(), "24h")
	require.NoError(t, err)
	assert.Equal(t, 7.0, out.Items["completed"])
	assert.Equal(t, 2.0, out.Items["failed"])
	assert.Equal(t, 3.0, out.Runs["completed"])
	assert.Equal(t, 1.0, out.Providers["planner"])
	assert.Equal(t, 1234.0, out.Tokens)
}
