// Package ws streams a task's log history and live tail over WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/metrics"
)

const sendBuffer = 256

// Handler upgrades task log requests and runs one session per connection.
type Handler struct {
	bus          *logbus.Bus
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewHandler creates a WebSocket handler over the log bus.
func NewHandler(bus *logbus.Bus) *Handler {
	return &Handler{
		bus:          bus,
		pingInterval: 30 * time.Second,
		pongTimeout:  5 * time.Second,
	}
}

// ServeTask upgrades the connection and streams the task's log events.
// Authorization must already have happened; taskID is trusted here.
func (h *Handler) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "task_id", taskID, "error", err)
		return
	}
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, taskID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	s := &session{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go s.writePump(ctx, cancel)
	go s.readPump(ctx, cancel)

	// Replay blocks so a long history cannot trip the live buffer.
	if !s.enqueueFrameBlocking(ctx, ConnectionFrame(taskID)) {
		return
	}
	for _, row := range sub.History {
		if !s.enqueueFrameBlocking(ctx, FrameFor(row)) {
			return
		}
	}

	pings := time.NewTicker(h.pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case <-pings.C:
			pctx, pcancel := context.WithTimeout(ctx, h.pongTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				conn.Close(websocket.StatusCode(CloseHeartbeatTimeout), ReasonHeartbeatTimeout)
				return
			}

		case ev, ok := <-sub.C:
			if !ok {
				switch sub.Reason() {
				case logbus.ReasonSlowConsumer:
					conn.Close(websocket.StatusPolicyViolation, ReasonSlowConsumer)
				default:
					conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}

			var frame Frame
			terminal := false
			if ev.Kind == logbus.KindStatus {
				frame = StatusFrame(taskID, ev.Status)
				terminal = ev.Status.Terminal()
			} else {
				frame = FrameFor(ev.Entry)
			}
			if !s.enqueueFrame(frame) {
				conn.Close(websocket.StatusPolicyViolation, ReasonSlowConsumer)
				return
			}
			if terminal {
				// Let the write pump drain, then close normally.
				s.finish()
				<-ctx.Done()
				return
			}
		}
	}
}

// session is one connection's send state. The write pump is the single
// writer; reads happen on their own goroutine so pongs are processed.
type session struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *session) enqueueFrame(f Frame) bool {
	data, err := Marshal(f)
	if err != nil {
		slog.Error("ws marshal frame", "error", err)
		return true
	}
	return s.enqueue(data)
}

// enqueue offers data to the write pump without blocking. False means
// the client cannot keep up.
func (s *session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// enqueueFrameBlocking waits for buffer space; used during replay.
func (s *session) enqueueFrameBlocking(ctx context.Context, f Frame) bool {
	data, err := Marshal(f)
	if err != nil {
		slog.Error("ws marshal frame", "error", err)
		return true
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	select {
	case s.send <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish closes the send channel; the write pump drains what is left
// and closes the connection with a normal status.
func (s *session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *session) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				s.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump consumes client frames. The only recognized client message
// is the literal "ping", answered with a literal "pong".
func (s *session) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			s.enqueue([]byte("pong"))
		}
	}
}
