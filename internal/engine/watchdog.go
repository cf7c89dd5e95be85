package engine

import (
	"sync"
	"time"
)

// watchdog tracks a deadline per outstanding request and runs a single timer
// armed for the earliest one. A response for one request therefore never
// masks another request that is genuinely stuck. Expiry reports the oldest
// unanswered request id to onExpire exactly once per firing.
type watchdog struct {
	budget   time.Duration
	onExpire func(oldest uint64)

	mu        sync.Mutex
	deadlines map[uint64]time.Time
	timer     *time.Timer
	stopped   bool
}

func newWatchdog(budget time.Duration, onExpire func(oldest uint64)) *watchdog {
	w := &watchdog{
		budget:    budget,
		onExpire:  onExpire,
		deadlines: make(map[uint64]time.Time),
	}
	w.timer = time.AfterFunc(time.Hour, w.fire)
	w.timer.Stop()
	return w
}

// arm starts the deadline clock for the given request id.
func (w *watchdog) arm(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.deadlines[id] = time.Now().Add(w.budget)
	w.reschedule()
}

// disarm clears the deadline for the given request id, if any.
func (w *watchdog) disarm(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.deadlines[id]; !ok {
		return
	}
	delete(w.deadlines, id)
	w.reschedule()
}

// disarmAll clears every tracked deadline. Called on recreation, after the
// pending table has been drained.
func (w *watchdog) disarmAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.deadlines)
	w.timer.Stop()
}

// stop permanently disables the watchdog. Called on dispose; arm becomes a
// no-op afterwards so no timer can fire past the terminal state.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	clear(w.deadlines)
	w.timer.Stop()
}

// reschedule re-arms the timer for the earliest deadline. Caller holds w.mu.
func (w *watchdog) reschedule() {
	_, earliest, ok := w.earliest()
	if !ok {
		w.timer.Stop()
		return
	}
	w.timer.Reset(time.Until(earliest))
}

// earliest returns the id holding the earliest deadline. Caller holds w.mu.
func (w *watchdog) earliest() (uint64, time.Time, bool) {
	var (
		bestID uint64
		bestAt time.Time
		found  bool
	)
	for id, at := range w.deadlines {
		if !found || at.Before(bestAt) || (at.Equal(bestAt) && id < bestID) {
			bestID, bestAt, found = id, at, true
		}
	}
	return bestID, bestAt, found
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	id, at, ok := w.earliest()
	if !ok {
		w.mu.Unlock()
		return
	}
	if time.Now().Before(at) {
		// Rescheduled between firing and acquiring the lock.
		w.reschedule()
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.onExpire(id)
}
