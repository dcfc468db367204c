package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced ClockSource for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and fires any ticker whose period
// has elapsed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()
	for _, t := range tickers {
		t.maybeFire(now)
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{period: d, ch: make(chan time.Time, 1), last: f.Now()}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

type fakeTicker struct {
	mu     sync.Mutex
	period time.Duration
	last   time.Time
	ch     chan time.Time
	stopped bool
}

func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Sub(t.last) < t.period {
		return
	}
	t.last = now
	select {
	case t.ch <- now:
	default:
	}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
