package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	name     string
	closes   atomic.Int32
	dead     atomic.Bool
	closeErr error
	panics   bool
}

func (f *fakeSession) IsAlive() bool { return !f.dead.Load() && f.closes.Load() == 0 }

func (f *fakeSession) Close() error {
	f.closes.Add(1)
	if f.panics {
		panic("close exploded")
	}
	return f.closeErr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type removal struct {
	id    string
	cause Cause
	err   error
}

type removals struct {
	mu   sync.Mutex
	list []removal
}

func (r *removals) listener(id string, _ *fakeSession, cause Cause, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, removal{id, cause, err})
}

func (r *removals) all() []removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removal(nil), r.list...)
}

func staticFactory(s *fakeSession) Factory[*fakeSession] {
	return func(context.Context) (*fakeSession, error) { return s, nil }
}

func TestFind_EmptyRegistry(t *testing.T) {
	r := New(Options[*fakeSession]{})
	_, ok := r.Find("nobody")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, DefaultIdleTimeout, r.IdleTimeout())
}

func TestGetOrCreate_StoresAndReturnsExisting(t *testing.T) {
	r := New(Options[*fakeSession]{})
	first := &fakeSession{name: "first"}

	got, err := r.GetOrCreate(context.Background(), "c1", staticFactory(first))
	require.NoError(t, err)
	assert.Same(t, first, got)

	found, ok := r.Find("c1")
	require.True(t, ok)
	assert.Same(t, first, found)
	assert.True(t, found.IsAlive())

	var calls int
	again, err := r.GetOrCreate(context.Background(), "c1", func(context.Context) (*fakeSession, error) {
		calls++
		return &fakeSession{name: "second"}, nil
	})
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 0, calls)
}

func TestGetOrCreate_FactoryErrorLeavesNoEntry(t *testing.T) {
	r := New(Options[*fakeSession]{})
	boom := errors.New("auth failed")

	_, err := r.GetOrCreate(context.Background(), "c1", func(context.Context) (*fakeSession, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := r.Find("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestGetOrCreate_ConcurrentSameIDCreatesOnce(t *testing.T) {
	r := New(Options[*fakeSession]{})

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(context.Context) (*fakeSession, error) {
		calls.Add(1)
		<-release
		return &fakeSession{}, nil
	}

	const n = 20
	results := make([]*fakeSession, n)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			s, err := r.GetOrCreate(context.Background(), "same", factory)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.Len())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestGetOrCreate_DifferentIDsIndependent(t *testing.T) {
	r := New(Options[*fakeSession]{})
	a := &fakeSession{name: "a"}
	b := &fakeSession{name: "b"}

	_, err := r.GetOrCreate(context.Background(), "a", staticFactory(a))
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), "b", staticFactory(b))
	require.NoError(t, err)

	r.EvictOne("a")
	_, ok := r.Find("b")
	assert.True(t, ok)
	assert.Equal(t, int32(0), b.closes.Load())
}

func TestEvictOne_ClosesExactlyOnce(t *testing.T) {
	var rm removals
	r := New(Options[*fakeSession]{OnRemoval: rm.listener})
	s := &fakeSession{}
	_, err := r.GetOrCreate(context.Background(), "c1", staticFactory(s))
	require.NoError(t, err)

	assert.True(t, r.EvictOne("c1"))
	assert.False(t, r.EvictOne("c1"))

	assert.Equal(t, int32(1), s.closes.Load())
	_, ok := r.Find("c1")
	assert.False(t, ok)
	assert.Equal(t, []removal{{"c1", CauseExplicit, nil}}, rm.all())
}

func TestEvictOne_Absent(t *testing.T) {
	var rm removals
	r := New(Options[*fakeSession]{OnRemoval: rm.listener})
	assert.False(t, r.EvictOne("ghost"))
	assert.Empty(t, rm.all())
}

func TestEvictOne_ThenGetOrCreateMakesNewSession(t *testing.T) {
	r := New(Options[*fakeSession]{})
	old := &fakeSession{name: "old"}
	_, err := r.GetOrCreate(context.Background(), "c1", staticFactory(old))
	require.NoError(t, err)

	r.EvictOne("c1")

	fresh := &fakeSession{name: "fresh"}
	got, err := r.GetOrCreate(context.Background(), "c1", staticFactory(fresh))
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.NotSame(t, old, got)
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	var rm removals
	r := New(Options[*fakeSession]{
		IdleTimeout: time.Hour,
		OnRemoval:   rm.listener,
		Now:         clock.Now,
	})
	s := &fakeSession{}
	_, err := r.GetOrCreate(context.Background(), "idle", staticFactory(s))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, int32(0), s.closes.Load())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, int32(1), s.closes.Load())
	_, ok := r.Find("idle")
	assert.False(t, ok)
	assert.Equal(t, []removal{{"idle", CauseExpired, nil}}, rm.all())
}

func TestSweep_AccessRefreshesIdleTimer(t *testing.T) {
	clock := newFakeClock()
	r := New(Options[*fakeSession]{IdleTimeout: time.Hour, Now: clock.Now})
	s := &fakeSession{}
	_, err := r.GetOrCreate(context.Background(), "busy", staticFactory(s))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(40 * time.Minute)
		_, ok := r.Find("busy")
		require.True(t, ok)
		assert.Equal(t, 0, r.Sweep())
	}

	clock.Advance(30 * time.Minute)
	_, err = r.GetOrCreate(context.Background(), "busy", staticFactory(&fakeSession{}))
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, int32(0), s.closes.Load())
}

func TestSweep_DeadSessionsStayUntilIdle(t *testing.T) {
	clock := newFakeClock()
	r := New(Options[*fakeSession]{IdleTimeout: time.Hour, Now: clock.Now})
	s := &fakeSession{}
	_, err := r.GetOrCreate(context.Background(), "c1", staticFactory(s))
	require.NoError(t, err)

	s.dead.Store(true)
	clock.Advance(time.Minute)
	assert.Equal(t, 0, r.Sweep())

	found, ok := r.Find("c1")
	require.True(t, ok)
	assert.False(t, found.IsAlive())
}

func TestEvictAll_ToleratesCloseFailures(t *testing.T) {
	var rm removals
	r := New(Options[*fakeSession]{OnRemoval: rm.listener})
	ok1 := &fakeSession{}
	failing := &fakeSession{closeErr: errors.New("broken pipe")}
	panicking := &fakeSession{panics: true}
	ok2 := &fakeSession{}

	for id, s := range map[string]*fakeSession{"ok1": ok1, "failing": failing, "panicking": panicking, "ok2": ok2} {
		_, err := r.GetOrCreate(context.Background(), id, staticFactory(s))
		require.NoError(t, err)
	}

	err := r.EvictAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Contains(t, err.Error(), "panic")

	for _, s := range []*fakeSession{ok1, failing, panicking, ok2} {
		assert.Equal(t, int32(1), s.closes.Load())
	}
	assert.Equal(t, 0, r.Len())

	causes := map[string]Cause{}
	for _, rem := range rm.all() {
		causes[rem.id] = rem.cause
	}
	assert.Equal(t, CauseShutdown, causes["ok1"])
	assert.Equal(t, CauseShutdown, causes["ok2"])
	assert.Equal(t, CauseShutdown, causes["failing"])

	assert.NoError(t, r.EvictAll())
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	r := New(Options[*fakeSession]{Now: clock.Now})

	_, err := r.GetOrCreate(context.Background(), "b", staticFactory(&fakeSession{}))
	require.NoError(t, err)
	clock.Advance(time.Second)
	dead := &fakeSession{}
	dead.dead.Store(true)
	_, err = r.GetOrCreate(context.Background(), "a", staticFactory(dead))
	require.NoError(t, err)

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].ID)
	assert.True(t, infos[0].Alive)
	assert.Equal(t, "a", infos[1].ID)
	assert.False(t, infos[1].Alive)
	assert.Equal(t, clock.Now(), infos[1].CreatedAt)
}

func TestSnapshotAndEvictOne_DoNotRefreshIdleTimer(t *testing.T) {
	clock := newFakeClock()
	r := New(Options[*fakeSession]{Now: clock.Now, IdleTimeout: time.Hour})
	created := clock.Now()
	_, err := r.GetOrCreate(context.Background(), "c1", staticFactory(&fakeSession{}))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	infos := r.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, created, infos[0].LastAccess)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.False(t, r.EvictOne("c1"))
}

func TestStart_SweeperEvictsWithoutDisconnect(t *testing.T) {
	r := New(Options[*fakeSession]{
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: time.Second,
	})
	s := &fakeSession{}
	_, err := r.GetOrCreate(context.Background(), "c1", staticFactory(s))
	require.NoError(t, err)

	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool { return s.closes.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestStop_WithoutStart(t *testing.T) {
	r := New(Options[*fakeSession]{})
	r.Stop()
}
