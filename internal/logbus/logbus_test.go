package logbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/store"
)

func testConfig() config.LogBusConfig {
	return config.LogBusConfig{PerSubBufferMax: 8, ReplayLimit: 20, PersistBuffer: 64}
}

func newTestBus(t *testing.T) (*Bus, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	bus := New(mem.Logs, testConfig())
	t.Cleanup(bus.Close)
	return bus, mem
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if len(sub.History) != 0 {
		t.Fatalf("fresh task history: got %d entries", len(sub.History))
	}

	bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: "parse started"})
	bus.Publish(ctx, "task-2", Entry{Level: store.LevelInfo, Module: "pipeline", Message: "other task"})

	select {
	case ev := <-sub.C:
		if ev.Kind != KindLog {
			t.Fatalf("kind: got %q, want log", ev.Kind)
		}
		if ev.Entry.Message != "parse started" {
			t.Errorf("message: got %q", ev.Entry.Message)
		}
		if ev.Entry.Seq != 1 {
			t.Errorf("seq: got %d, want 1", ev.Entry.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for entry")
	}

	// Nothing from the other task leaks in.
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected cross-task delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequencesAreMonotonicPerTask(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: fmt.Sprintf("m%d", i)})
	}
	for want := int64(1); want <= 5; want++ {
		select {
		case ev := <-sub.C:
			if ev.Entry.Seq != want {
				t.Errorf("seq: got %d, want %d", ev.Entry.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for seq %d", want)
		}
	}
}

func TestSequenceSeedsFromStoreAfterRestart(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	if err := mem.Logs.AppendBatch(ctx, []store.TaskLog{
		{TaskID: "task-1", Seq: 41, Timestamp: time.Now().UTC(), Level: store.LevelInfo, Module: "pipeline", Message: "before restart"},
	}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	bus := New(mem.Logs, testConfig())
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if len(sub.History) != 1 || sub.History[0].Seq != 41 {
		t.Fatalf("history: got %+v, want the stored row", sub.History)
	}

	bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: "after restart"})
	select {
	case ev := <-sub.C:
		if ev.Entry.Seq != 42 {
			t.Errorf("seq after restart: got %d, want 42", ev.Entry.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for entry")
	}
}

func TestHistoryReplayBounded(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	// More entries than the replay limit of 20.
	for i := 0; i < 30; i++ {
		bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: fmt.Sprintf("m%d", i)})
	}

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if len(sub.History) != 20 {
		t.Fatalf("history length: got %d, want 20", len(sub.History))
	}
	if sub.History[0].Seq != 11 || sub.History[19].Seq != 30 {
		t.Errorf("history window: got %d..%d, want 11..30", sub.History[0].Seq, sub.History[19].Seq)
	}
	for i := 1; i < len(sub.History); i++ {
		if sub.History[i].Seq != sub.History[i-1].Seq+1 {
			t.Fatalf("history not contiguous at %d: %d then %d", i, sub.History[i-1].Seq, sub.History[i].Seq)
		}
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Never read: buffer (8) fills, the ninth publish drops us.
	for i := 0; i < 9; i++ {
		bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: "flood"})
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if got := sub.Reason(); got != ReasonSlowConsumer {
					t.Errorf("reason: got %q, want slow_consumer", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription never closed")
		}
	}
}

func TestStatusEventsFanOutWithoutPersisting(t *testing.T) {
	bus, mem := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	bus.PublishStatus("task-1", store.TaskCompleted)
	select {
	case ev := <-sub.C:
		if ev.Kind != KindStatus || ev.Status != store.TaskCompleted {
			t.Errorf("event: got %+v, want status completed", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}

	time.Sleep(300 * time.Millisecond) // let the persister flush
	if n, _ := mem.Logs.CountByTask(ctx, "task-1"); n != 0 {
		t.Errorf("status event was persisted: %d rows", n)
	}
}

func TestEntriesArePersistedAsync(t *testing.T) {
	bus, mem := newTestBus(t)
	ctx := context.Background()

	meta := map[string]any{"chunk": 3}
	bus.Publish(ctx, "task-1", Entry{Level: store.LevelError, Module: "detect", Stage: "detect", Message: "model call failed", Metadata: meta})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := mem.Logs.CountByTask(ctx, "task-1"); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	rows, err := mem.Logs.History(ctx, "task-1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if rows[0].Level != store.LevelError || rows[0].Metadata != `{"chunk":3}` {
		t.Errorf("persisted row: %+v", rows[0])
	}
}

func TestCloseDrainsPersistQueueAndDropsSubscribers(t *testing.T) {
	mem := store.NewMemory()
	bus := New(mem.Logs, testConfig())
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "task-1", Entry{Level: store.LevelInfo, Module: "pipeline", Message: "entry"})
	}

	bus.Close()

	if got := sub.Reason(); got != ReasonShutdown {
		t.Errorf("reason: got %q, want shutdown", got)
	}
	if n, _ := mem.Logs.CountByTask(ctx, "task-1"); n != 5 {
		t.Errorf("persisted after close: got %d, want 5", n)
	}
	if _, err := bus.Subscribe(ctx, "task-1"); err == nil {
		t.Error("Subscribe after Close: expected error")
	}
}
