package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/store"
)

func newTestBus(t *testing.T) *logbus.Bus {
	t.Helper()
	mem := store.NewMemory()
	bus := logbus.New(mem.Logs, config.LogBusConfig{
		PerSubBufferMax: 64,
		ReplayLimit:     100,
		PersistBuffer:   64,
	})
	t.Cleanup(bus.Close)
	return bus
}

func dialTask(t *testing.T, h *Handler, taskID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeTask(w, r, taskID)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return got
}

func TestSessionStreamsConnectionThenLogs(t *testing.T) {
	bus := newTestBus(t)
	h := NewHandler(bus)
	conn := dialTask(t, h, "t-1")

	first := readFrame(t, conn)
	if first["type"] != "connection" || first["task_id"] != "t-1" {
		t.Fatalf("greeting: %v", first)
	}

	bus.Publish(context.Background(), "t-1", logbus.Entry{
		Level:   store.LevelInfo,
		Module:  "pipeline",
		Message: "parse started",
	})

	frame := readFrame(t, conn)
	if frame["type"] != "log" || frame["message"] != "parse started" {
		t.Fatalf("log frame: %v", frame)
	}
	if frame["entry_id"] == nil {
		t.Error("log frame missing entry_id")
	}
}

func TestSessionAnswersLiteralPing(t *testing.T) {
	bus := newTestBus(t)
	h := NewHandler(bus)
	conn := dialTask(t, h, "t-2")
	readFrame(t, conn) // greeting

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(data) != "pong" {
		t.Fatalf("expected literal pong, got %q", data)
	}
}

func TestSessionClosesNormallyOnTerminalStatus(t *testing.T) {
	bus := newTestBus(t)
	h := NewHandler(bus)
	conn := dialTask(t, h, "t-3")
	readFrame(t, conn) // greeting

	bus.PublishStatus("t-3", store.TaskCompleted)

	frame := readFrame(t, conn)
	if frame["type"] != "status" || frame["status"] != "completed" {
		t.Fatalf("status frame: %v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close after terminal status")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("close status: got %v, want %v", got, websocket.StatusNormalClosure)
	}
}

func TestSessionReplaysHistoryBeforeLiveTail(t *testing.T) {
	mem := store.NewMemory()
	seeded := []store.TaskLog{
		{TaskID: "t-4", Seq: 1, Timestamp: time.Now().UTC(), Level: store.LevelInfo, Module: "pipeline", Message: "old entry"},
	}
	if err := mem.Logs.AppendBatch(context.Background(), seeded); err != nil {
		t.Fatalf("seed logs: %v", err)
	}
	bus := logbus.New(mem.Logs, config.LogBusConfig{PerSubBufferMax: 64, ReplayLimit: 100, PersistBuffer: 64})
	t.Cleanup(bus.Close)

	h := NewHandler(bus)
	conn := dialTask(t, h, "t-4")

	readFrame(t, conn) // greeting
	replayed := readFrame(t, conn)
	if replayed["message"] != "old entry" || replayed["entry_id"] != float64(1) {
		t.Fatalf("replayed frame: %v", replayed)
	}
}
