// Package timewheel keeps keys ordered by the millisecond deadline at which they
// are due, so a tick loop can find due work without scanning every key.
package timewheel

import (
	"math"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Wheel maps deadline -> set of keys, plus a coalesced "due now" set.
// A key may sit under several deadlines; Collect reports it once per call.
// Not safe for concurrent use.
type Wheel[K comparable] struct {
	deadlines   *treemap.Map // int64 -> map[K]struct{}
	now         map[K]struct{}
	minDeadline int64
}

// New creates an empty wheel.
func New[K comparable]() *Wheel[K] {
	return &Wheel[K]{
		deadlines:   treemap.NewWith(utils.Int64Comparator),
		now:         make(map[K]struct{}),
		minDeadline: math.MaxInt64,
	}
}

// Add schedules key at an absolute deadline.
func (w *Wheel[K]) Add(deadline int64, key K) {
	if v, found := w.deadlines.Get(deadline); found {
		v.(map[K]struct{})[key] = struct{}{}
	} else {
		w.deadlines.Put(deadline, map[K]struct{}{key: {}})
	}
	if deadline < w.minDeadline {
		w.minDeadline = deadline
	}
}

// AddNow marks key due on the next Collect regardless of time.
func (w *Wheel[K]) AddNow(key K) {
	w.now[key] = struct{}{}
}

// MinDeadline reports the earliest pending deadline.
func (w *Wheel[K]) MinDeadline() (int64, bool) {
	if w.deadlines.Empty() {
		return 0, false
	}
	return w.minDeadline, true
}

// Pending is the number of scheduled deadlines plus immediate keys.
func (w *Wheel[K]) Pending() int {
	return w.deadlines.Size() + len(w.now)
}

// Collect removes and returns every key that is due at now. Keys added while the
// caller iterates the result are kept for the next Collect.
func (w *Wheel[K]) Collect(now int64) map[K]struct{} {
	if now >= w.minDeadline {
		for {
			k, v := w.deadlines.Min()
			if k == nil {
				w.minDeadline = math.MaxInt64
				break
			}
			deadline := k.(int64)
			if deadline > now {
				w.minDeadline = deadline
				break
			}
			for key := range v.(map[K]struct{}) {
				w.now[key] = struct{}{}
			}
			w.deadlines.Remove(deadline)
		}
	}

	if len(w.now) == 0 {
		return nil
	}
	due := w.now
	w.now = make(map[K]struct{}, len(due))
	return due
}
