package link

import "time"

// Stopper cancels a scheduled function.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d. time.AfterFunc satisfies it
// through StdAfterFunc; tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Stopper

// StdAfterFunc schedules with time.AfterFunc.
func StdAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// reconnectTimer holds at most one pending reconnect. It is only touched
// from the owning link's event loop.
type reconnectTimer struct {
	afterFunc AfterFunc
	pending   Stopper
}

// schedule arms the timer unless one is already pending. It reports whether
// a new timer was armed.
func (t *reconnectTimer) schedule(d time.Duration, f func()) bool {
	if t.pending != nil {
		return false
	}
	t.pending = t.afterFunc(d, f)
	return true
}

// fired clears the pending timer after it has run.
func (t *reconnectTimer) fired() {
	t.pending = nil
}

func (t *reconnectTimer) stop() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *reconnectTimer) isPending() bool {
	return t.pending != nil
}
