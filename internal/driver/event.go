package driver

import "time"

// event is a binary wakeup primitive: signal is safe from handler context
// (never blocks, may be called while holding the low-level lock) and wait
// blocks a thread with a bounded budget. No ordering guarantee beyond "at
// least one waiter is woken per signal"; waiters recompute their remaining
// budget after every wake, so spurious wakeups are harmless.
type event struct {
	ch chan struct{}
}

func newEvent() *event { return &event{ch: make(chan struct{}, 1)} }

func (e *event) signal() {
	select {
	case e.ch <- struct{}{}:
	default: // already signalled, the pending wakeup covers this one
	}
}

// wait returns true if woken by a signal, false on timeout. A non-positive
// budget only consumes an already-pending signal.
func (e *event) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ch:
		return true
	case <-t.C:
		return false
	}
}
