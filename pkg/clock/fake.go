package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests. Timers and
// tickers fire synchronously inside Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at a fixed reference time.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// NewTimer creates a timer that fires when the fake clock passes its deadline.
func (f *Fake) NewTimer(d time.Duration) Timer {
	return f.addTimer(d, nil, 0)
}

// NewTicker creates a ticker that re-arms itself each time it fires.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{fakeTimer: f.addTimer(d, nil, d)}
}

// fakeTicker adapts fakeTimer's Stop() bool to the Ticker interface's Stop().
type fakeTicker struct {
	*fakeTimer
}

func (t *fakeTicker) Stop() { t.fakeTimer.Stop() }

// AfterFunc schedules fn to run when the fake clock passes the deadline.
// fn runs on the goroutine calling Advance.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.addTimer(d, fn, 0)
}

// Advance moves the fake clock forward, firing due timers in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		next := f.nextDue(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		f.fire(next)
	}

	f.now = target
	f.mu.Unlock()
}

func (f *Fake) addTimer(d time.Duration, fn func(), period time.Duration) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		ch:       make(chan time.Time, 1),
		fn:       fn,
		deadline: f.now.Add(d),
		period:   period,
		active:   true,
	}
	f.timers = append(f.timers, t)
	return t
}

// nextDue returns the earliest active timer due at or before target.
func (f *Fake) nextDue(target time.Time) *fakeTimer {
	sort.SliceStable(f.timers, func(i, j int) bool {
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
	for _, t := range f.timers {
		if t.active && !t.deadline.After(target) {
			return t
		}
	}
	return nil
}

// fire delivers a tick; the lock is dropped around callbacks so they can
// re-arm timers on the same clock.
func (f *Fake) fire(t *fakeTimer) {
	if t.period > 0 {
		t.deadline = t.deadline.Add(t.period)
	} else {
		t.active = false
	}

	if t.fn != nil {
		f.mu.Unlock()
		t.fn()
		f.mu.Lock()
		return
	}

	select {
	case t.ch <- f.now:
	default:
	}
}

type fakeTimer struct {
	clock    *Fake
	ch       chan time.Time
	fn       func()
	deadline time.Time
	period   time.Duration
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}
