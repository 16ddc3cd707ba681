package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStartWritesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "heartbeat.json")

	w := NewWriter(path, time.Minute, 6, "0.3.1")
	w.Start()
	defer w.Stop()

	// Start persists synchronously, creating the parent directory, so
	// there is no window where the service runs without a liveness file.
	status, hb, err := Check(path, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Fatalf("status: got %s, want alive", status)
	}
	if hb.PID != os.Getpid() {
		t.Errorf("pid: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.Workers != 6 || hb.Version != "0.3.1" {
		t.Errorf("identity: got workers=%d version=%q, want 6/0.3.1", hb.Workers, hb.Version)
	}
	if hb.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestRefreshAdvancesTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter(path, 20*time.Millisecond, 1, "")
	w.Start()
	defer w.Stop()

	_, first, err := Check(path, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, hb, err := Check(path, time.Minute); err == nil && hb.Timestamp.After(first.Timestamp) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timestamp never advanced past the initial write")
}

func TestCheckClassification(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is dead", func(t *testing.T) {
		status, hb, err := Check(filepath.Join(dir, "absent.json"), time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if status != StatusDead || hb != nil {
			t.Errorf("got status=%s hb=%+v, want dead/nil", status, hb)
		}
	})

	t.Run("old timestamp is stale", func(t *testing.T) {
		path := filepath.Join(dir, "stale.json")
		rec := Heartbeat{
			PID:       os.Getpid(),
			StartedAt: time.Now().Add(-time.Hour),
			Timestamp: time.Now().Add(-10 * time.Minute),
		}
		data, _ := json.Marshal(rec)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}

		status, hb, err := Check(path, 5*time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if status != StatusStale {
			t.Errorf("status: got %s, want stale", status)
		}
		if hb == nil {
			t.Error("stale check should still return the record")
		}
	})

	t.Run("garbage is dead with error", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
		status, _, err := Check(path, time.Minute)
		if err == nil {
			t.Fatal("expected a decode error")
		}
		if status != StatusDead {
			t.Errorf("status: got %s, want dead", status)
		}
	})
}

func TestStopDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter(path, 0, 2, "")
	w.Start()
	w.Stop()

	if status, _, err := Check(path, time.Minute); err != nil || status != StatusDead {
		t.Errorf("after Stop: status=%s err=%v, want dead", status, err)
	}

	// Stop is idempotent and the writer restarts cleanly.
	w.Stop()
	w.Start()
	if status, _, _ := Check(path, time.Minute); status != StatusAlive {
		t.Errorf("after restart: status=%s, want alive", status)
	}
	w.Stop()
}

func TestDefaultInterval(t *testing.T) {
	w := NewWriter("unused", -1, 0, "")
	if w.interval != 30*time.Second {
		t.Errorf("interval: got %v, want 30s", w.interval)
	}
}
