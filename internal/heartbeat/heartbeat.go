// Package heartbeat maintains the liveness file that lets CLI commands
// tell a running service from a crashed one.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status classifies a heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the on-disk record.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version,omitempty"`
	Workers   int       `json:"workers"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// Writer refreshes the heartbeat file on an interval until stopped.
type Writer struct {
	path     string
	interval time.Duration
	workers  int
	version  string

	mu      sync.Mutex
	started time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewWriter returns an idle writer; interval <= 0 falls back to 30s.
func NewWriter(path string, interval time.Duration, workers int, version string) *Writer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Writer{path: path, interval: interval, workers: workers, version: version}
}

// Start writes one heartbeat synchronously and then keeps refreshing it
// in the background. Start on a running writer is a no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.started = time.Now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	os.MkdirAll(filepath.Dir(w.path), 0o755)
	w.persist()
	go w.run(w.stop, w.done)
}

func (w *Writer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			w.persist()
		case <-stop:
			return
		}
	}
}

// Stop halts the refresh loop and deletes the file, so a Check right
// after shutdown reports dead rather than stale.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
	os.Remove(w.path)
}

// persist writes next to the target and renames, so readers never see a
// torn file.
func (w *Writer) persist() {
	now := time.Now()
	data, err := json.MarshalIndent(Heartbeat{
		PID:       os.Getpid(),
		Version:   w.version,
		Workers:   w.workers,
		StartedAt: w.started,
		Timestamp: now,
		Uptime:    now.Sub(w.started).Truncate(time.Second).String(),
	}, "", "  ")
	if err != nil {
		return
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		os.Rename(tmp, w.path)
	}
}

// Check classifies the heartbeat at path. A missing file is dead, a
// readable one older than maxAge is stale, anything fresher is alive.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return StatusDead, nil, nil
	}
	if err != nil {
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
