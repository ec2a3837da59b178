package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called. Timer
// callbacks run synchronously inside Advance, in deadline order; ticks are
// delivered without blocking and dropped when the channel is full.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	interval time.Duration
	callback func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}

	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), callback: fn}
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

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), interval: d, ch: ch}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
	}}
}

// Advance moves time forward by d, stepping through each due timer and tick
// in deadline order. Timers scheduled by callbacks inside the window fire
// too.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		w, at := f.nextDue(target)
		if w == nil {
			break
		}
		if w.callback != nil {
			w.callback()
			continue
		}
		select {
		case w.ch <- at:
		default:
		}
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// Pending reports how many timers and tickers are still scheduled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

func (f *Fake) nextDue(target time.Time) (*waiter, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	f.waiters = live

	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].deadline.Before(f.waiters[j].deadline) })

	if len(f.waiters) == 0 || f.waiters[0].deadline.After(target) {
		return nil, time.Time{}
	}

	w := f.waiters[0]
	at := w.deadline
	if at.After(f.now) {
		f.now = at
	}

	if w.interval > 0 {
		w.deadline = w.deadline.Add(w.interval)
	} else {
		w.fired = true
		f.waiters = f.waiters[1:]
	}
	return w, at
}
