package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepwise.studio/internal/documents"
	"stepwise.studio/internal/store"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers on the calling goroutine,
// including timers armed by the callbacks themselves.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

type recordingSaver struct {
	mu       sync.Mutex
	payloads []string
	err      error
	gate     chan struct{}
	started  chan struct{}
}

func (r *recordingSaver) Save(ctx context.Context, payload json.RawMessage) (int64, error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, string(payload))
	n := int64(len(r.payloads))
	err, gate, started := r.err, r.gate, r.started
	r.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return n, err
}

func (r *recordingSaver) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func newSync(saver Saver, clock Clock, statuses *[]Status) *Synchronizer {
	var mu sync.Mutex
	return New(saver, Options{
		Clock: clock,
		OnStatus: func(s Status) {
			if statuses == nil {
				return
			}
			mu.Lock()
			*statuses = append(*statuses, s)
			mu.Unlock()
		},
	})
}

func TestDebounceCoalescesChanges(t *testing.T) {
	clock := newManualClock()
	saver := &recordingSaver{}
	var statuses []Status
	s := newSync(saver, clock, &statuses)

	s.OnChange(json.RawMessage(`"a"`))
	clock.Advance(time.Second)
	s.OnChange(json.RawMessage(`"ab"`))
	clock.Advance(time.Second)
	s.OnChange(json.RawMessage(`"abc"`))
	require.Empty(t, saver.sent())

	clock.Advance(DefaultDebounce)
	require.Equal(t, []string{`"abc"`}, saver.sent())

	st := s.State()
	require.False(t, st.Dirty)
	require.Equal(t, uint64(3), st.DirtyVersion)
	require.Equal(t, int64(1), st.SavedVersion)
	require.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved}, statuses)
}

func TestMaxWaitForcesFlushUnderContinuousEditing(t *testing.T) {
	clock := newManualClock()
	saver := &recordingSaver{}
	s := newSync(saver, clock, nil)

	for i := 0; i < 10; i++ {
		s.OnChange(json.RawMessage(`"edit"`))
		clock.Advance(time.Second)
	}
	require.Len(t, saver.sent(), 1, "max wait should flush after 10s of edits one second apart")
}

func TestChangeDuringFlightIsNotLost(t *testing.T) {
	clock := newManualClock()
	gate := make(chan struct{})
	saver := &recordingSaver{gate: gate, started: make(chan struct{}, 1)}
	s := newSync(saver, clock, nil)

	s.OnChange(json.RawMessage(`{"v":1}`))
	errc := make(chan error, 1)
	go func() { errc <- s.flush(context.Background(), 0) }()
	<-saver.started

	// Arrives strictly after the flush started and before it completes.
	s.OnChange(json.RawMessage(`{"v":2}`))
	require.Equal(t, StatusSaving, s.State().Status)

	saver.mu.Lock()
	saver.gate, saver.started = nil, nil
	saver.mu.Unlock()
	close(gate)
	require.NoError(t, <-errc)

	st := s.State()
	require.True(t, st.Dirty, "the in-flight save did not carry v2")
	require.Equal(t, uint64(2), st.DirtyVersion)
	require.Equal(t, StatusPending, st.Status)

	clock.Advance(DefaultDebounce)
	require.Equal(t, []string{`{"v":1}`, `{"v":2}`}, saver.sent())
	require.False(t, s.State().Dirty)
	require.Equal(t, StatusSaved, s.State().Status)
}

func TestFailuresSurfaceAfterThreshold(t *testing.T) {
	clock := newManualClock()
	saver := &recordingSaver{err: errors.New("offline")}
	var statuses []Status
	s := newSync(saver, clock, &statuses)

	s.OnChange(json.RawMessage(`"x"`))
	clock.Advance(DefaultDebounce) // failure 1, silent retry
	require.Equal(t, StatusPending, s.State().Status)
	clock.Advance(DefaultDebounce) // failure 2, silent retry
	require.Equal(t, StatusPending, s.State().Status)
	clock.Advance(DefaultDebounce) // failure 3, surfaced
	require.Equal(t, StatusError, s.State().Status)
	require.Equal(t, 3, s.State().Failures)

	clock.Advance(time.Minute)
	require.Len(t, saver.sent(), 3, "no automatic retries once in error")
	require.True(t, s.State().Dirty)

	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()
	s.OnChange(json.RawMessage(`"xy"`))
	clock.Advance(DefaultDebounce)

	st := s.State()
	require.False(t, st.Dirty)
	require.Equal(t, 0, st.Failures)
	require.Equal(t, StatusSaved, st.Status)
	require.Equal(t, `"xy"`, saver.sent()[3])
}

func TestForceFlushBypassesDebounce(t *testing.T) {
	clock := newManualClock()
	saver := &recordingSaver{}
	s := newSync(saver, clock, nil)

	s.OnChange(json.RawMessage(`"teardown"`))
	require.NoError(t, s.ForceFlush(context.Background()))
	require.Equal(t, []string{`"teardown"`}, saver.sent())
	require.False(t, s.State().Dirty)

	// The cancelled debounce timer must not produce a second save.
	clock.Advance(time.Minute)
	require.Len(t, saver.sent(), 1)

	require.NoError(t, s.ForceFlush(context.Background()), "clean buffer is a no-op")
	require.Len(t, saver.sent(), 1)
}

func TestForceFlushReportsFailure(t *testing.T) {
	saver := &recordingSaver{err: ErrVersionConflict}
	s := newSync(saver, newManualClock(), nil)
	s.OnChange(json.RawMessage(`"x"`))
	require.ErrorIs(t, s.ForceFlush(context.Background()), ErrVersionConflict)
	require.True(t, s.State().Dirty)
}

func TestCloseFlushesAndStops(t *testing.T) {
	clock := newManualClock()
	saver := &recordingSaver{}
	s := newSync(saver, clock, nil)
	s.OnChange(json.RawMessage(`"last"`))
	require.NoError(t, s.Close(context.Background()))
	s.OnChange(json.RawMessage(`"after close"`))
	clock.Advance(time.Minute)
	require.Equal(t, []string{`"last"`}, saver.sent())
}

func TestStoreSaverRoundTrip(t *testing.T) {
	docs := documents.New(store.NewMemory(), 0)
	clock := newManualClock()
	s := newSync(&StoreSaver{Docs: docs, OwnerID: "user_1", DocumentID: "ws_1", Section: "canvas"}, clock, nil)

	s.OnChange(json.RawMessage(`{"shapes":[1,2]}`))
	clock.Advance(DefaultDebounce)
	s.OnChange(json.RawMessage(`{"shapes":[1,2,3]}`))
	clock.Advance(DefaultDebounce)

	doc, err := docs.Get(context.Background(), "user_1", "ws_1")
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Version)
	require.JSONEq(t, `{"shapes":[1,2,3]}`, string(doc.Payload["canvas"]))
	require.Equal(t, int64(2), s.State().SavedVersion)
}
