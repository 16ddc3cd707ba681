package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doctrine-review/inkwell/internal/config"
	gatewayws "github.com/doctrine-review/inkwell/internal/gateway/ws"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/store"
)

func newStreamServer(t *testing.T, taskID string) (*httptest.Server, *logbus.Bus) {
	t.Helper()
	bus := logbus.New(store.NewMemory().Logs, config.LogBusConfig{
		PerSubBufferMax: 64, ReplayLimit: 100, PersistBuffer: 64,
	})
	t.Cleanup(bus.Close)

	h := gatewayws.NewHandler(bus)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeTask(w, r, taskID)
	}))
	t.Cleanup(srv.Close)
	return srv, bus
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientFollowsStream(t *testing.T) {
	srv, bus := newStreamServer(t, "t-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	f, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if f.Type != gatewayws.FrameTypeConnection || f.TaskID != "t-1" {
		t.Fatalf("greeting frame: %+v", f)
	}

	bus.Publish(ctx, "t-1", logbus.Entry{
		Level: store.LevelInfo, Module: "pipeline", Message: "starting",
	})
	f, err = c.ReadFrame()
	if err != nil {
		t.Fatalf("log frame: %v", err)
	}
	if f.Type != gatewayws.FrameTypeLog || f.Message != "starting" {
		t.Errorf("log frame: %+v", f)
	}
}

func TestClientSkipsPongs(t *testing.T) {
	srv, bus := newStreamServer(t, "t-2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.ReadFrame(); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	bus.Publish(ctx, "t-2", logbus.Entry{
		Level: store.LevelInfo, Module: "pipeline", Message: "after ping",
	})

	// The pong answer is swallowed; the next frame is the log entry.
	f, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != gatewayws.FrameTypeLog || f.Message != "after ping" {
		t.Errorf("frame: %+v", f)
	}
}

func TestClientSeesTerminalStatus(t *testing.T) {
	srv, bus := newStreamServer(t, "t-3")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.ReadFrame(); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	bus.PublishStatus("t-3", store.TaskCompleted)
	f, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("status frame: %v", err)
	}
	if f.Type != gatewayws.FrameTypeStatus || f.Status != store.TaskCompleted {
		t.Errorf("frame: %+v", f)
	}
}
