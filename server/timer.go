package server

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/timewheel"
)

// TimerID identifies a timer inside one TimerModule. Zero is never issued.
type TimerID uint64

// TimerFunc runs on the tick goroutine.
type TimerFunc func(now time.Time)

type timer struct {
	id       TimerID
	interval time.Duration
	deadline int64
	repeat   bool
	fn       TimerFunc
}

// TimerModule runs callbacks at tick granularity. Timers added from inside a
// callback first fire on a later tick.
type TimerModule struct {
	logger log.Logger
	wheel  *timewheel.Wheel[TimerID]
	timers map[TimerID]*timer
	nextID TimerID
	now    func() time.Time
}

// NewTimerModule creates an empty timer module; nil logger selects the default.
func NewTimerModule(logger log.Logger) *TimerModule {
	return &TimerModule{
		logger: log.OrDefault(logger),
		wheel:  timewheel.New[TimerID](),
		timers: make(map[TimerID]*timer),
		now:    time.Now,
	}
}

func (m *TimerModule) Name() string    { return "timer" }
func (m *TimerModule) Init() error     { return nil }
func (m *TimerModule) Shutdown() error { clear(m.timers); return nil }

// AddTimer schedules fn after interval, and then every interval when repeat is
// set. A repeating timer needs a positive interval.
func (m *TimerModule) AddTimer(interval time.Duration, fn TimerFunc, repeat bool) (TimerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("timer callback is nil")
	}
	if interval < 0 || (repeat && interval == 0) {
		return 0, fmt.Errorf("invalid timer interval %s", interval)
	}
	m.nextID++
	t := &timer{
		id:       m.nextID,
		interval: interval,
		deadline: m.now().Add(interval).UnixMilli(),
		repeat:   repeat,
		fn:       fn,
	}
	m.timers[t.id] = t
	m.wheel.Add(t.deadline, t.id)
	return t.id, nil
}

// RemoveTimer cancels id. It reports whether the timer was still pending.
func (m *TimerModule) RemoveTimer(id TimerID) bool {
	if _, ok := m.timers[id]; !ok {
		return false
	}
	delete(m.timers, id)
	return true
}

// Len is the number of pending timers.
func (m *TimerModule) Len() int { return len(m.timers) }

// Update fires every due timer, earliest deadline first.
func (m *TimerModule) Update(now time.Time) {
	due := m.wheel.Collect(now.UnixMilli())
	if len(due) == 0 {
		return
	}

	fired := make([]*timer, 0, len(due))
	for id := range due {
		if t, ok := m.timers[id]; ok {
			fired = append(fired, t)
		}
	}
	slices.SortFunc(fired, func(a, b *timer) int {
		if c := cmp.Compare(a.deadline, b.deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	for _, t := range fired {
		// removed by an earlier callback this tick
		if _, ok := m.timers[t.id]; !ok {
			continue
		}
		if t.repeat {
			t.deadline = now.Add(t.interval).UnixMilli()
			m.wheel.Add(t.deadline, t.id)
		} else {
			delete(m.timers, t.id)
		}
		m.fire(t, now)
	}
}

func (m *TimerModule) fire(t *timer, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Uint64("timer", uint64(t.id)).Str("panic", fmt.Sprint(r)).Msg("timer callback panicked")
		}
	}()
	t.fn(now)
}
