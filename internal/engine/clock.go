package engine

import "time"

// Timer is a handle for one scheduled callback. A handle is owned by exactly
// one session and is replaced, never reused, when a new timer supersedes it.
type Timer interface {
	// Cancel stops the timer. It reports whether the callback was prevented
	// from running; callers must not rely on that, late callbacks are
	// detected by state checks in the session itself.
	Cancel() bool
}

// Clock schedules callbacks to fire once at or after a target time. It
// carries no business logic; sessions own all deadline semantics.
type Clock interface {
	Now() time.Time
	Schedule(at time.Time, fn func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the runtime timer wheel.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Schedule(at time.Time, fn func()) Timer {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Cancel() bool { return s.t.Stop() }
