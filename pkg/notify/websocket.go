package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"stageflow/pkg/logx"
	"stageflow/pkg/proto"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsSubBuffer    = 64
)

// Hub streams events to websocket clients. It is both a Sink (feed it
// events) and an http.Handler (clients connect to it). Clients may filter
// to a single run with ?run_id=.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
	logger   *logx.Logger
}

// NewHub creates a hub.
func NewHub(logger *logx.Logger) *Hub {
	if logger == nil {
		logger = logx.NewLogger("ws")
	}
	return &Hub{
		bus:    NewBus(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Notify(ctx context.Context, event proto.Event) error {
	return h.bus.Notify(ctx, event)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.bus.SubscriberCount()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	runFilter := r.URL.Query().Get("run_id")
	events := h.bus.Subscribe(wsSubBuffer)
	defer h.bus.Unsubscribe(events)

	// Reader goroutine: detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if runFilter != "" && event.RunID != runFilter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("websocket write failed: %v", err)
				}
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
