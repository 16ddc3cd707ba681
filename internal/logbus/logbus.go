// Package logbus is the per-task log broadcaster. Pipeline stages
// publish entries; WebSocket sessions subscribe and receive a bounded
// replay followed by a live tail. Entries are persisted to the store
// asynchronously so a slow database never stalls processing.
package logbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Close reasons reported by Subscription.Reason.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Kind tags the two event shapes a subscriber can receive.
type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
)

// Event is one delivery to a subscriber: a log entry or a task status
// transition. Status events fan out live but are not persisted.
type Event struct {
	Kind   Kind
	Entry  store.TaskLog
	Status store.TaskStatus
}

// Entry is the publishable payload. Seq and Timestamp are assigned by
// the bus; Metadata is serialized into the stored row.
type Entry struct {
	Level    store.LogLevel
	Module   string
	Stage    string
	Progress *float64
	Message  string
	Metadata map[string]any
}

// LogStore is the slice of the store the bus needs.
type LogStore interface {
	AppendBatch(ctx context.Context, entries []store.TaskLog) error
	History(ctx context.Context, taskID string, limit int) ([]store.TaskLog, error)
	MaxSeq(ctx context.Context, taskID string) (int64, error)
}

// Bus owns one stream per task and the shared async persister.
type Bus struct {
	logs LogStore
	cfg  config.LogBusConfig

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	persistCh chan store.TaskLog
	done      chan struct{}
	wg        sync.WaitGroup
}

// stream is the per-task state: the monotonic sequence, the replay
// ring, and the live subscribers.
type stream struct {
	taskID string

	mu     sync.Mutex
	seeded bool
	seq    int64
	ring   *ring
	subs   map[int]*Subscription
	nextID int
}

// Subscription is one consumer's view: replayed history plus a live
// channel. C is closed when the subscriber is dropped; Reason tells why.
type Subscription struct {
	TaskID  string
	History []store.TaskLog
	C       <-chan Event

	stream *stream
	id     int
	ch     chan Event
	reason string
	closed bool
}

// New starts the bus and its persister.
func New(logs LogStore, cfg config.LogBusConfig) *Bus {
	b := &Bus{
		logs:      logs,
		cfg:       cfg,
		streams:   make(map[string]*stream),
		persistCh: make(chan store.TaskLog, cfg.PersistBuffer),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.persister()
	return b
}

// Publish assigns the entry its per-task sequence, fans it out, and
// queues it for persistence. It never blocks on the database; when the
// persist queue is full the entry is delivered live but dropped from
// durable history.
func (b *Bus) Publish(ctx context.Context, taskID string, e Entry) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st := b.streamLocked(taskID)
	b.mu.Unlock()

	st.seed(ctx, b.logs)

	row := store.TaskLog{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     e.Level,
		Module:    e.Module,
		Stage:     e.Stage,
		Progress:  e.Progress,
		Message:   e.Message,
	}
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = string(data)
		}
	}

	st.mu.Lock()
	st.seq++
	row.Seq = st.seq
	st.ring.add(row)
	st.deliverLocked(Event{Kind: KindLog, Entry: row})
	st.mu.Unlock()

	select {
	case b.persistCh <- row:
	default:
		metrics.LogEntriesDroppedTotal.Inc()
	}
}

// PublishStatus fans a task status transition out to live subscribers.
func (b *Bus) PublishStatus(taskID string, status store.TaskStatus) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st, ok := b.streams[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.deliverLocked(Event{Kind: KindStatus, Status: status})
	st.mu.Unlock()
}

// Subscribe returns the stored history (bounded by replay_limit, oldest
// first) and a live channel. Entries that raced in between the history
// read and the registration are merged from the ring, so nothing is
// lost or duplicated.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	st := b.streamLocked(taskID)
	b.mu.Unlock()

	st.seed(ctx, b.logs)

	history, err := b.logs.History(ctx, taskID, b.cfg.ReplayLimit)
	if err != nil {
		return nil, err
	}
	var lastSeq int64
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, row := range st.ring.snapshot() {
		if row.Seq > lastSeq {
			history = append(history, row)
		}
	}
	if n := len(history) - b.cfg.ReplayLimit; n > 0 {
		history = history[n:]
	}

	sub := &Subscription{
		TaskID:  taskID,
		History: history,
		stream:  st,
		id:      st.nextID,
		ch:      make(chan Event, b.cfg.PerSubBufferMax),
	}
	sub.C = sub.ch
	st.subs[st.nextID] = sub
	st.nextID++
	return sub, nil
}

// Close drains the persist queue and drops every subscriber with
// reason shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		for _, sub := range st.subs {
			sub.closeLocked(ReasonShutdown)
		}
		st.mu.Unlock()
	}

	close(b.done)
	b.wg.Wait()
}

// ErrBusClosed is returned by Subscribe after shutdown began.
var ErrBusClosed = &busClosedError{}

type busClosedError struct{}

func (*busClosedError) Error() string { return "log bus is closed" }

func (b *Bus) streamLocked(taskID string) *stream {
	st, ok := b.streams[taskID]
	if !ok {
		st = &stream{
			taskID: taskID,
			ring:   newRing(b.cfg.ReplayLimit),
			subs:   make(map[int]*Subscription),
		}
		b.streams[taskID] = st
	}
	return st
}

// seed aligns the stream's sequence with the store so entry ids stay
// monotonic across restarts. A failed read retries on the next publish.
func (st *stream) seed(ctx context.Context, logs LogStore) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.seeded {
		return
	}
	max, err := logs.MaxSeq(ctx, st.taskID)
	if err != nil {
		slog.Error("seed log sequence", "task_id", st.taskID, "error", err)
		return
	}
	if max > st.seq {
		st.seq = max
	}
	st.seeded = true
}

// deliverLocked fans an event to every subscriber, dropping any whose
// buffer is full. Callers hold st.mu, which keeps per-task FIFO order.
func (st *stream) deliverLocked(ev Event) {
	for _, sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("dropping slow log subscriber", "task_id", st.taskID, "buffered", len(sub.ch))
			sub.closeLocked(ReasonSlowConsumer)
		}
	}
}

// Close cancels the subscription. Safe to call more than once and
// concurrently with bus delivery.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.closeLocked("")
}

// Reason reports why the bus dropped this subscriber, or "" for a
// consumer-initiated close.
func (s *Subscription) Reason() string {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.reason
}

func (s *Subscription) closeLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	delete(s.stream.subs, s.id)
	close(s.ch)
}

// persister batches queued rows into the store.
func (b *Bus) persister() {
	defer b.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]store.TaskLog, 0, 64)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.logs.AppendBatch(ctx, batch); err != nil {
			slog.Error("persist task logs", "entries", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case row := <-b.persistCh:
			batch = append(batch, row)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.done:
			for {
				select {
				case row := <-b.persistCh:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// ring is a fixed circular buffer of recent rows for replay merging.
type ring struct {
	rows  []store.TaskLog
	size  int
	pos   int
	count int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{rows: make([]store.TaskLog, size), size: size}
}

func (r *ring) add(row store.TaskLog) {
	r.rows[r.pos] = row
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// snapshot returns the buffered rows oldest first.
func (r *ring) snapshot() []store.TaskLog {
	out := make([]store.TaskLog, r.count)
	start := (r.pos - r.count + r.size) % r.size
	for i := 0; i < r.count; i++ {
		out[i] = r.rows[(start+i)%r.size]
	}
	return out
}
