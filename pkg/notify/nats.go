package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"stageflow/pkg/proto"
)

// DefaultSubjectPrefix is the root subject events are published under.
const DefaultSubjectPrefix = "stageflow.runs"

// NATSSink publishes each event as JSON to <prefix>.<run_id>.<type>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: nc, prefix: prefix}
}

// ConnectNATS dials a NATS server with reconnect settings suited to a
// long-running engine process.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event proto.Event) string {
	runID := event.RunID
	if runID == "" {
		runID = "unknown"
	}
	return fmt.Sprintf("%s.%s.%s", s.prefix, runID, event.Type)
}

func (s *NATSSink) Notify(_ context.Context, event proto.Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
