package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/gateway/ws"
	"github.com/doctrine-review/inkwell/internal/governor"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/queue"
	"github.com/doctrine-review/inkwell/internal/shareguard"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Canceller aborts a running task. Satisfied by workers.Pool.
type Canceller interface {
	Cancel(taskID string, cause error) bool
	Running(taskID string) bool
}

// Deps carries everything the HTTP surface needs. All fields are required
// except Pool, which may be nil when the gateway runs without workers
// (cancel then degrades to queue-only removal).
type Deps struct {
	Store    *store.Store
	Queue    *queue.Service
	Governor *governor.Governor
	Bus      *logbus.Bus
	Pool     Canceller
	Blobs    blob.Store
	Parse    *docparse.Service
}

// Server is the inkwell HTTP gateway.
type Server struct {
	httpServer *http.Server
	deps       Deps
	cfg        *config.Config
	guard      *shareguard.Guard
	wsh        *ws.Handler
}

// NewServer wires the routing table. Start must be called to serve.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		deps:  deps,
		cfg:   cfg,
		guard: shareguard.New(deps.Store.Shares),
		wsh:   ws.NewHandler(deps.Bus),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", s.handleHealth)
	if !cfg.Metrics.Disabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Post("/batch", s.handleSubmitBatch)
			r.Get("/paginated", s.handleTasksPaginated)
			r.Get("/statistics", s.handleStatistics)
			r.Get("/concurrency-status", s.handleConcurrencyStatus)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleTaskDetail)
				r.Delete("/", s.handleTaskDelete)
				r.Post("/retry", s.handleTaskRetry)
				r.Get("/report", s.handleTaskReport)
				r.Get("/file", s.handleTaskFile)
				r.Get("/logs/history", s.handleLogHistory)
				r.Post("/share", s.handleShareCreate)
				r.Get("/shares", s.handleShareList)
				r.Delete("/share/{shareID}", s.handleShareRevoke)
			})
		})

		r.Route("/issues/{issueID}", func(r chi.Router) {
			r.Put("/feedback", s.handleIssueFeedback)
			r.Put("/satisfaction", s.handleIssueSatisfaction)
			r.Put("/comment", s.handleIssueComment)
		})

		r.Get("/ws/task/{taskID}/logs", s.handleTaskLogs)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. Returning after
// the bind lets callers fail fast on port conflicts.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.httpServer.Addr, err)
	}
	slog.Info("gateway: listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway: serve", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTaskLogs upgrades to a websocket after the usual view check. The
// guard runs before the upgrade so a rejected caller gets a plain HTTP
// status instead of a half-open socket.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	task, err := s.deps.Store.Tasks.ByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if _, err := s.guard.RequireView(r.Context(), user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.wsh.ServeTask(w, r, task.ID)
}

type errorBody struct {
	Error       string             `json:"error"`
	Code        string             `json:"code"`
	Utilization *governor.Snapshot `json:"utilization,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, _ *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeFault translates the error taxonomy into HTTP statuses. Admission
// rejections and exhaustion both answer 429 with a utilization snapshot
// so clients can decide whether to back off or shed load.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	var rej *governor.Rejection
	if errors.As(err, &rej) {
		s.writeExhausted(w, string(rej.Reason), "concurrency limit reached")
		return
	}

	code, msg := "internal", "internal error"
	var f *faults.Fault
	if errors.As(err, &f) {
		code, msg = f.Code, f.Message
	}

	switch faults.KindOf(err) {
	case faults.KindValidation:
		s.writeError(w, r, http.StatusBadRequest, code, msg)
	case faults.KindUnauthorized:
		s.writeError(w, r, http.StatusForbidden, code, msg)
	case faults.KindNotFound:
		s.writeError(w, r, http.StatusNotFound, code, msg)
	case faults.KindExhausted:
		s.writeExhausted(w, code, msg)
	case faults.KindShutdown, faults.KindTransient:
		s.writeError(w, r, http.StatusServiceUnavailable, code, msg)
	default:
		slog.Error("gateway: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) writeExhausted(w http.ResponseWriter, code, msg string) {
	snap := s.deps.Governor.Utilization()
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msg, Code: code, Utilization: &snap})
}

// loadTask fetches the task named in the URL, answering a fault directly
// when it is missing. The bool reports whether the handler may continue.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	task, err := s.deps.Store.Tasks.ByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	return task, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
