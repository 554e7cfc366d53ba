package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time only moves on Advance or Set.
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()         // AfterFunc waiters
	channel  chan time.Time // ticker waiters
	interval time.Duration
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock starting at initial
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the mocked current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// AfterFunc registers f to run once the clock advances past d
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	w := &fakeWaiter{deadline: f.current.Add(d), callback: fn}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

// NewTicker returns a ticker that fires once per interval crossed by Advance
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: f.current.Add(d), channel: ch, interval: d}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
	}}
}

// Set jumps the clock to t without firing anything
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}

// Pending returns the number of timers and tickers still armed
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and fires every waiter whose deadline
// falls inside the new time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	target := f.current
	f.mu.Unlock()

	for {
		due := f.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.channel <- w.deadline:
			default:
			}
		}
	}
}

func (f *Fake) collectDue(target time.Time) []*fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []*fakeWaiter
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped || w.fired {
			continue
		}
		if w.deadline.After(target) {
			live = append(live, w)
			continue
		}
		if w.interval > 0 {
			// Copy so the channel send reports this tick's deadline.
			tick := *w
			due = append(due, &tick)
			w.deadline = w.deadline.Add(w.interval)
			live = append(live, w)
		} else {
			w.fired = true
			due = append(due, w)
		}
	}
	f.waiters = live

	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}
