// Package governor gates task admission behind three resources: a
// system-wide concurrency cap, per-user concurrency caps, and per-user
// database session budgets. HTTP callers probe without blocking and
// surface rejections; workers block until all three gates open.
package governor

import (
	"context"
	"sync"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/metrics"
)

// Reason identifies which gate refused admission.
type Reason string

const (
	SystemSaturated Reason = "system_saturated"
	UserSaturated   Reason = "user_saturated"
	DBSaturated     Reason = "db_saturated"
)

// Rejection is the admission refusal returned by the non-blocking paths.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string { return "admission rejected: " + string(r.Reason) }

// Governor owns the gating state. Per-user gates are created on first
// acquisition with the capacity the caller reports for that user.
type Governor struct {
	system  chan struct{}
	dbLimit int

	mu    sync.Mutex
	users map[string]*userGate
}

// userGate holds one user's two budgets as buffered channels; a held
// slot is an element sitting in the buffer.
type userGate struct {
	cap   int
	slots chan struct{}
	db    chan struct{}
}

// Token is a full admission grant. Release returns every slot exactly
// once regardless of how many times it is called.
type Token struct {
	g      *Governor
	userID string
	once   sync.Once
}

// DBCredit is a database-session-only grant, used at the HTTP boundary
// where a request needs store access but no processing slot.
type DBCredit struct {
	g      *Governor
	userID string
	once   sync.Once
}

// New sizes the system gate from configuration.
func New(cfg config.GovernorConfig, dbLimit int) *Governor {
	return &Governor{
		system:  make(chan struct{}, cfg.SystemMaxConcurrentTasks),
		dbLimit: dbLimit,
		users:   make(map[string]*userGate),
	}
}

// gateFor returns the user's gate, creating or resizing it to userCap.
// A resize carries the held counts over (truncated on a shrink), and
// releases re-resolve the gate, so a shrink applies as in-flight work
// completes.
func (g *Governor) gateFor(userID string, userCap int) *userGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate, ok := g.users[userID]
	if ok && gate.cap == userCap {
		return gate
	}
	next := &userGate{
		cap:   userCap,
		slots: make(chan struct{}, userCap),
		db:    make(chan struct{}, g.dbLimit),
	}
	if ok {
		for i := 0; i < len(gate.slots) && i < userCap; i++ {
			next.slots <- struct{}{}
		}
		for i := 0; i < len(gate.db) && i < g.dbLimit; i++ {
			next.db <- struct{}{}
		}
	}
	g.users[userID] = next
	return next
}

// TryAcquire attempts all three gates without blocking. On rejection no
// slot is held and the error is a *Rejection naming the gate.
func (g *Governor) TryAcquire(userID string, userCap int) (*Token, error) {
	gate := g.gateFor(userID, userCap)

	select {
	case g.system <- struct{}{}:
	default:
		metrics.AdmissionsTotal.WithLabelValues(string(SystemSaturated)).Inc()
		return nil, &Rejection{Reason: SystemSaturated}
	}
	select {
	case gate.slots <- struct{}{}:
	default:
		<-g.system
		metrics.AdmissionsTotal.WithLabelValues(string(UserSaturated)).Inc()
		return nil, &Rejection{Reason: UserSaturated}
	}
	select {
	case gate.db <- struct{}{}:
	default:
		<-gate.slots
		<-g.system
		metrics.AdmissionsTotal.WithLabelValues(string(DBSaturated)).Inc()
		return nil, &Rejection{Reason: DBSaturated}
	}

	metrics.AdmissionsTotal.WithLabelValues("granted").Inc()
	return &Token{g: g, userID: userID}, nil
}

// Acquire blocks until all three gates open or ctx ends. Partial holds
// are returned before reporting the context error.
func (g *Governor) Acquire(ctx context.Context, userID string, userCap int) (*Token, error) {
	gate := g.gateFor(userID, userCap)

	select {
	case g.system <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case gate.slots <- struct{}{}:
	case <-ctx.Done():
		<-g.system
		return nil, ctx.Err()
	}
	select {
	case gate.db <- struct{}{}:
	case <-ctx.Done():
		<-gate.slots
		<-g.system
		return nil, ctx.Err()
	}

	metrics.AdmissionsTotal.WithLabelValues("granted").Inc()
	return &Token{g: g, userID: userID}, nil
}

// AcquireDB grabs only a database session credit, without blocking.
func (g *Governor) AcquireDB(userID string, userCap int) (*DBCredit, error) {
	gate := g.gateFor(userID, userCap)
	select {
	case gate.db <- struct{}{}:
		return &DBCredit{g: g, userID: userID}, nil
	default:
		metrics.AdmissionsTotal.WithLabelValues(string(DBSaturated)).Inc()
		return nil, &Rejection{Reason: DBSaturated}
	}
}

// Release returns the token's slots in reverse acquisition order. The
// gate is re-resolved so the release lands on the channels a resize
// installed, not the ones the token acquired from.
func (t *Token) Release() {
	t.once.Do(func() {
		t.g.drainUser(t.userID, true)
		<-t.g.system
	})
}

// Release returns the session credit.
func (c *DBCredit) Release() {
	c.once.Do(func() {
		c.g.drainUser(c.userID, false)
	})
}

// drainUser returns one db credit (and one slot when withSlot) to the
// user's current gate. The drain never blocks: a shrink truncates the
// transferred counts, forfeiting the excess slots on release.
func (g *Governor) drainUser(userID string, withSlot bool) {
	g.mu.Lock()
	gate := g.users[userID]
	g.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate.db:
	default:
	}
	if withSlot {
		select {
		case <-gate.slots:
		default:
		}
	}
}

// UserLoad is one user's live gate occupancy.
type UserLoad struct {
	InFlight   int `json:"in_flight"`
	Capacity   int `json:"capacity"`
	DBSessions int `json:"db_sessions"`
	DBLimit    int `json:"db_limit"`
}

// Snapshot is the admission state reported by the concurrency endpoint.
type Snapshot struct {
	SystemInFlight int                 `json:"system_in_flight"`
	SystemCapacity int                 `json:"system_capacity"`
	Users          map[string]UserLoad `json:"users"`
}

// Utilization reports current occupancy across all gates.
func (g *Governor) Utilization() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		SystemInFlight: len(g.system),
		SystemCapacity: cap(g.system),
		Users:          make(map[string]UserLoad, len(g.users)),
	}
	for id, gate := range g.users {
		snap.Users[id] = UserLoad{
			InFlight:   len(gate.slots),
			Capacity:   gate.cap,
			DBSessions: len(gate.db),
			DBLimit:    g.dbLimit,
		}
	}
	return snap
}
