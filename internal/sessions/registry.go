// Package sessions keeps the live remote shell session of every client
// connection.
//
// A Registry maps a client connection id to at most one session. Entries are
// created through GetOrCreate (concurrent calls for one id share a single
// factory invocation), refreshed on every lookup, and removed in one of three
// ways, each of which closes the session exactly once:
//
//   - EvictOne, when the client disconnects ([CauseExplicit])
//   - the idle sweeper, when an entry was not accessed for IdleTimeout ([CauseExpired])
//   - EvictAll, at process shutdown ([CauseShutdown])
//
// A factory error never creates an entry.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleTimeout is how long an entry may go without access before the
// sweeper evicts it.
const DefaultIdleTimeout = time.Hour

// DefaultSweepInterval is how often the sweeper looks for idle entries.
const DefaultSweepInterval = time.Minute

var log = logging.Component("session-registry")

// Session is the part of a remote shell session the registry manages.
type Session interface {
	IsAlive() bool
	Close() error
}

// Cause says why an entry left the registry.
type Cause string

const (
	CauseExplicit Cause = "explicit"
	CauseExpired  Cause = "expired"
	CauseShutdown Cause = "shutdown"
)

// Factory creates the session for one client.
type Factory[S Session] func(ctx context.Context) (S, error)

// RemovalListener is told about every removed entry after its session was
// closed. closeErr is the result of that Close call.
type RemovalListener[S Session] func(id string, s S, cause Cause, closeErr error)

// Options configures a Registry. Zero values select the defaults.
type Options[S Session] struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	OnRemoval     RemovalListener[S]
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Info describes one entry for listings.
type Info struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Alive      bool      `json:"alive"`
}

type entry[S Session] struct {
	session    S
	createdAt  time.Time
	lastAccess time.Time
}

// Registry is a concurrency-safe client id → session map with idle expiry.
type Registry[S Session] struct {
	mu      sync.Mutex
	entries map[string]*entry[S]
	group   singleflight.Group

	idleTimeout   time.Duration
	sweepInterval time.Duration
	onRemoval     RemovalListener[S]
	now           func() time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an empty registry. Call Start to run the idle sweeper.
func New[S Session](opts Options[S]) *Registry[S] {
	r := &Registry[S]{
		entries:       make(map[string]*entry[S]),
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		onRemoval:     opts.OnRemoval,
		now:           opts.Now,
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// IdleTimeout returns the configured idle window.
func (r *Registry[S]) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// GetOrCreate returns the session stored for id, or creates one with factory
// and stores it. A hit refreshes the entry's idle timer. Concurrent calls for
// the same id invoke factory at most once and all receive its result.
func (r *Registry[S]) GetOrCreate(ctx context.Context, id string, factory Factory[S]) (S, error) {
	if s, ok := r.Find(id); ok {
		return s, nil
	}

	v, err, shared := r.group.Do(id, func() (any, error) {
		if s, ok := r.Find(id); ok {
			return s, nil
		}
		s, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		now := r.now()
		r.mu.Lock()
		r.entries[id] = &entry[S]{session: s, createdAt: now, lastAccess: now}
		r.mu.Unlock()
		log.WithField("client", id).Info("Session added")
		return s, nil
	})
	if err != nil {
		var zero S
		return zero, fmt.Errorf("create session for %s: %w", id, err)
	}
	if shared {
		log.WithField("client", id).Debug("Concurrent create deduplicated")
	}
	return v.(S), nil
}

// Find returns the session stored for id and refreshes its idle timer.
func (r *Registry[S]) Find(id string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero S
		return zero, false
	}
	e.lastAccess = r.now()
	return e.session, true
}

// EvictOne removes and closes the entry for id and reports whether there was
// one. It does not count as access.
func (r *Registry[S]) EvictOne(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		r.release(id, e, CauseExplicit)
	}
	return ok
}

// EvictAll removes and closes every entry. Close failures are logged and
// returned together; they never stop the remaining evictions.
func (r *Registry[S]) EvictAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry[S])
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if err := r.release(id, e, CauseShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	log.WithField("count", len(entries)).Info("All sessions evicted")
	return errors.Join(errs...)
}

// Sweep evicts every entry whose last access is older than the idle window
// and returns how many were evicted.
func (r *Registry[S]) Sweep() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	expired := make(map[string]*entry[S])
	for id, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			expired[id] = e
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for id, e := range expired {
		r.release(id, e, CauseExpired)
	}
	return len(expired)
}

func (r *Registry[S]) release(id string, e *entry[S], cause Cause) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("close session %s: panic: %v", id, p)
			log.WithField("client", id).Error(err)
		}
	}()

	err = e.session.Close()
	fields := map[string]any{"client": id, "cause": cause}
	if err != nil {
		err = fmt.Errorf("close session %s: %w", id, err)
		log.WithFields(fields).WithError(err).Warn("Session removed with close error")
	} else {
		log.WithFields(fields).Info("Session removed")
	}
	if r.onRemoval != nil {
		r.onRemoval(id, e.session, cause, err)
	}
	return err
}

// Len returns the number of stored entries.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists every entry ordered by creation time. It does not count as
// access.
func (r *Registry[S]) Snapshot() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.entries))
	sessions := make([]S, 0, len(r.entries))
	for id, e := range r.entries {
		infos = append(infos, Info{ID: id, CreatedAt: e.createdAt, LastAccess: e.lastAccess})
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for i := range infos {
		infos[i].Alive = sessions[i].IsAlive()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Start schedules Sweep every SweepInterval. Calling Start twice is a no-op.
func (r *Registry[S]) Start() error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+r.sweepInterval.String(), func() {
		if n := r.Sweep(); n > 0 {
			log.WithField("count", n).Info("Idle sessions evicted")
		}
	}); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	c.Start()
	r.cron = c
	log.WithFields(map[string]any{
		"idle_timeout":   r.idleTimeout.String(),
		"sweep_interval": r.sweepInterval.String(),
	}).Info("Idle sweeper started")
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (r *Registry[S]) Stop() {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
