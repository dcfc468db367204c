// Package clock provides the monotonic "now" source and periodic tick
// trigger the engine uses instead of calling time.Now() directly, so tests
// can advance time deterministically (spec §4.1 ClockSource).
package clock

import "time"

// Source is the ClockSource contract: monotonic now, plus a periodic
// ticker so the Heartbeat's cron cadence can be swapped out in tests.
type Source interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker so fakes can drive it manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production ClockSource backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
