package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by explicit Advance calls.
// Callbacks run on the goroutine calling Advance, outside the internal lock,
// so they may arm or stop other timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[*manualTimer]struct{}
}

type manualTimer struct {
	m        *Manual
	deadline time.Time
	seq      uint64
	f        func()
}

// NewManual creates a Manual scheduler whose virtual clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[*manualTimer]struct{})}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers f to run once the virtual clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, deadline: m.now.Add(d), seq: m.seq, f: f}
	m.timers[t] = struct{}{}
	return t
}

// Stop removes the timer. A stopped timer never fires.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.timers[t]; !ok {
		return false
	}
	delete(t.m.timers, t)
	return true
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window in deadline order (arm order for ties).
// Timers armed by a callback fire too if they come due before the target.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.earliest()
		if next == nil || next.deadline.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, next)
		m.now = next.deadline
		m.mu.Unlock()

		next.f()
	}
}

// Pending reports how many timers are armed and not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// earliest returns the next timer to fire. Caller holds m.mu.
func (m *Manual) earliest() *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	all := make([]*manualTimer, 0, len(m.timers))
	for t := range m.timers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].deadline.Equal(all[j].deadline) {
			return all[i].seq < all[j].seq
		}
		return all[i].deadline.Before(all[j].deadline)
	})
	return all[0]
}
