// Package sweeper runs the periodic queue maintenance jobs: the
// anti-starvation priority boost and the queue depth gauge refresh.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/queue"
)

// gaugeInterval is how often the queue depth gauge is refreshed.
const gaugeInterval = 15 * time.Second

// Queue is the slice of the queue service the sweeper drives.
type Queue interface {
	BoostStale(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*queue.Stats, error)
	BoostThreshold() time.Duration
}

// Sweeper owns the cron runner. Jobs run on the runner's goroutine
// pool and never overlap shutdown: Stop waits for in-flight jobs.
type Sweeper struct {
	queue Queue
	cron  *cron.Cron
}

// New builds a sweeper around the queue service.
func New(q Queue) *Sweeper {
	return &Sweeper{queue: q, cron: cron.New()}
}

// Start registers the jobs and begins the schedule. The boost sweep
// runs once per boost threshold so each pass adds at most one priority
// point per elapsed threshold.
func (s *Sweeper) Start() error {
	boostEvery := s.queue.BoostThreshold()
	if boostEvery < 30*time.Second {
		boostEvery = 30 * time.Second
	}

	if _, err := s.cron.AddFunc(every(boostEvery), s.boost); err != nil {
		return fmt.Errorf("schedule boost sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(gaugeInterval), s.refreshGauge); err != nil {
		return fmt.Errorf("schedule gauge refresh: %w", err)
	}

	s.cron.Start()
	slog.Info("sweeper started", "boost_interval", boostEvery.String(), "gauge_interval", gaugeInterval.String())
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("sweeper stopped")
}

func (s *Sweeper) boost() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.queue.BoostStale(ctx)
	if err != nil {
		slog.Error("sweeper: boost stale entries", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sweeper: boosted stale entries", "count", n)
	}
}

func (s *Sweeper) refreshGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		slog.Error("sweeper: queue stats", "error", err)
		return
	}
	metrics.QueueDepth.WithLabelValues("queued").Set(float64(stats.Queued))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
}

func every(d time.Duration) string {
	return "@every " + d.Truncate(time.Second).String()
}
