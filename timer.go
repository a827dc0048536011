package apmz

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

type timerState uint8

const (
	timerIdle timerState = iota
	timerRunning
	timerStopped
)

// Timer measures a single wall-clock interval.
// Safe for concurrent use. Transitions are one-way: idle, running, stopped.
type Timer struct {
	clock clockz.Clock
	start time.Time
	end   time.Time
	mu    sync.Mutex
	state timerState
}

// NewTimer returns an idle timer reading from clock.
// A nil clock uses the real clock.
func NewTimer(clock clockz.Clock) *Timer {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Timer{clock: clock}
}

// Start records the start time.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerIdle {
		return ErrAlreadyStarted
	}
	t.start = t.clock.Now()
	t.state = timerRunning
	return nil
}

// Stop records the end time.
func (t *Timer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerRunning {
		return ErrNotRunning
	}
	t.end = t.clock.Now()
	t.state = timerStopped
	return nil
}

// stopAt closes the interval at a caller-chosen instant.
func (t *Timer) stopAt(end time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerRunning {
		return ErrNotRunning
	}
	if end.Before(t.start) {
		end = t.start
	}
	t.end = end
	t.state = timerStopped
	return nil
}

// Duration returns the measured interval.
func (t *Timer) Duration() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case timerIdle:
		return 0, ErrNotRunning
	case timerRunning:
		return 0, ErrStillRunning
	}
	return t.end.Sub(t.start), nil
}

// DurationMillis returns the measured interval in milliseconds.
func (t *Timer) DurationMillis() (float64, error) {
	d, err := t.Duration()
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(time.Millisecond), nil
}

// StartedAt returns the start time, zero if idle.
func (t *Timer) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start
}

// EndedAt returns the end time, zero until stopped.
func (t *Timer) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.end
}

// IsRunning reports whether the timer has started and not stopped.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timerRunning
}

// IsStopped reports whether the timer has been stopped.
func (t *Timer) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timerStopped
}

// interval returns start and end in one locked read. Running timers report
// ok=false and a zero end.
func (t *Timer) interval() (start, end time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start, t.end, t.state == timerStopped
}
