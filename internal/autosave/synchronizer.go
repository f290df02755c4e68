// Package autosave coalesces rapid local edits of a document section into
// infrequent saves without losing edits that arrive while a save is in
// flight.
//
// Every OnChange bumps a dirty version. A flush remembers the version it
// sent and only marks the buffer clean if no newer change arrived before the
// save returned; otherwise the buffer stays dirty and another flush is
// scheduled with the newer payload.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"stepwise.studio/internal/obs"
)

const (
	DefaultDebounce         = 2 * time.Second
	DefaultMaxWait          = 10 * time.Second
	DefaultFailureThreshold = 2
	DefaultSaveTimeout      = 30 * time.Second
)

// ErrVersionConflict is returned by a Saver whose server-side merge exhausted
// its retries. The synchronizer treats it like any other failed save.
var ErrVersionConflict = errors.New("autosave: version conflict")

// Saver persists the latest payload and returns the committed version.
type Saver interface {
	Save(ctx context.Context, payload json.RawMessage) (int64, error)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, payload json.RawMessage) (int64, error)

func (f SaverFunc) Save(ctx context.Context, payload json.RawMessage) (int64, error) {
	return f(ctx, payload)
}

// Status is what the UI shows next to the editor.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
)

type Options struct {
	Debounce time.Duration
	// MaxWait bounds how long continuous editing can postpone a flush.
	MaxWait time.Duration
	// FailureThreshold is the number of consecutive failed saves retried
	// silently; the next failure switches to StatusError and stops
	// automatic retries until the next change or ForceFlush.
	FailureThreshold int
	SaveTimeout      time.Duration
	Clock            Clock
	// OnStatus, if set, is called after every status transition. It runs
	// outside the synchronizer's lock.
	OnStatus func(Status)
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.MaxWait < o.Debounce {
		o.MaxWait = o.Debounce
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = DefaultSaveTimeout
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
}

// State is a snapshot of the dirty buffer.
type State struct {
	Dirty        bool
	DirtyVersion uint64
	SavedVersion int64
	Failures     int
	Status       Status
}

// Synchronizer owns the dirty buffer of one open document section.
type Synchronizer struct {
	saver Saver
	opts  Options

	mu           sync.Mutex
	payload      json.RawMessage
	dirtyVersion uint64
	dirty        bool
	dirtySince   time.Time
	timer        Timer
	timerGen     uint64
	inFlight     bool
	flightDone   chan struct{}
	failures     int
	halted       bool
	savedVersion int64
	status       Status
	closed       bool
}

func New(saver Saver, opts Options) *Synchronizer {
	opts.defaults()
	return &Synchronizer{saver: saver, opts: opts, status: StatusIdle}
}

// OnChange records the newest local payload and (re)arms the debounce timer.
func (s *Synchronizer) OnChange(payload json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.payload = append(json.RawMessage(nil), payload...)
	s.dirtyVersion++
	if !s.dirty {
		s.dirty = true
		s.dirtySince = s.opts.Clock.Now()
	}
	s.halted = false
	s.schedule(false)
	st, changed := s.statusLocked(StatusPending)
	s.mu.Unlock()
	s.emit(st, changed)
}

// schedule arms the single pending-flush handle. A debounce deadline never
// extends past dirtySince+MaxWait unless retry is set.
func (s *Synchronizer) schedule(retry bool) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.opts.Debounce
	if !retry {
		deadline := s.dirtySince.Add(s.opts.MaxWait)
		if left := deadline.Sub(s.opts.Clock.Now()); left < delay {
			delay = max(left, 0)
		}
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Synchronizer) fire(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
	defer cancel()
	_ = s.flush(ctx, gen)
}

// flush sends the current payload if the buffer is dirty and no save is in
// flight. gen identifies the timer that fired; zero means a direct call. A
// timer that was replaced after it fired is ignored.
func (s *Synchronizer) flush(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	fromTimer := gen != 0
	if fromTimer {
		if gen != s.timerGen {
			s.mu.Unlock()
			return nil
		}
		s.timer = nil
	}
	if s.inFlight || !s.dirty || (fromTimer && s.halted) {
		// An in-flight save reschedules on completion if still dirty.
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	versionAtStart := s.dirtyVersion
	snapshot := append(json.RawMessage(nil), s.payload...)
	s.inFlight = true
	s.flightDone = make(chan struct{})
	st, changed := s.statusLocked(StatusSaving)
	s.mu.Unlock()
	s.emit(st, changed)

	version, err := s.saver.Save(ctx, snapshot)

	s.mu.Lock()
	s.inFlight = false
	close(s.flightDone)
	var next Status
	if err == nil {
		s.failures = 0
		s.savedVersion = version
		if s.dirtyVersion == versionAtStart {
			s.dirty = false
			s.dirtySince = time.Time{}
			next = StatusSaved
		} else {
			// Changes arrived mid-flight; they are not in this save.
			s.dirtySince = s.opts.Clock.Now()
			if s.timer == nil && !s.closed {
				s.schedule(false)
			}
			next = StatusPending
		}
	} else {
		s.failures++
		s.dirtySince = s.opts.Clock.Now()
		if s.failures > s.opts.FailureThreshold {
			s.halted = true
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			obs.Warn("autosave halted", map[string]any{
				"failures":      s.failures,
				"dirty_version": s.dirtyVersion,
				"error":         err.Error(),
			})
			next = StatusError
		} else {
			if !s.closed {
				s.schedule(true)
			}
			next = StatusPending
		}
	}
	st, changed = s.statusLocked(next)
	s.mu.Unlock()
	s.emit(st, changed)
	return err
}

// ForceFlush saves immediately, bypassing the debounce timer. It waits for
// an in-flight save and keeps flushing until the buffer is clean or a save
// fails. Called on teardown and page-unload.
func (s *Synchronizer) ForceFlush(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.halted = false
		if s.inFlight {
			done := s.flightDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !s.dirty {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if err := s.flush(ctx, 0); err != nil {
			return err
		}
	}
}

// Close stops the pending timer after a final ForceFlush.
func (s *Synchronizer) Close(ctx context.Context) error {
	err := s.ForceFlush(ctx)
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return err
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Dirty:        s.dirty,
		DirtyVersion: s.dirtyVersion,
		SavedVersion: s.savedVersion,
		Failures:     s.failures,
		Status:       s.status,
	}
}

// statusLocked sets the status while saving stays sticky against a
// concurrent OnChange.
func (s *Synchronizer) statusLocked(next Status) (Status, bool) {
	if next == StatusPending && s.inFlight {
		return s.status, false
	}
	if s.status == next {
		return next, false
	}
	s.status = next
	return next, true
}

func (s *Synchronizer) emit(st Status, changed bool) {
	if changed && s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}
