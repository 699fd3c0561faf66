// Package stats implements the timing instrumentation that feeds the
// cost-benefit arbiter: process-scoped timers, plus a Prometheus-shaped
// view over them. The lookup/file counter matrices live in package
// arbiter.
package stats

import (
	"sync/atomic"
	"time"
)

// Timer accumulates elapsed time across possibly many Start/Pause cycles.
// The original C++ source reads the TSC (rdtscp) and divides by a
// calibrated reference frequency to get microseconds; Go has no portable
// equivalent, so Timer reads time.Now().UnixNano() instead: wall-clock
// nanoseconds since the Unix epoch, not the monotonic clock, so a
// wall-clock step can skew one measured interval (Pause clamps a negative
// one to zero). The total is kept in an atomic, so reads never tear, which
// is the property a 32-bit torn-read-prone TSC read would otherwise need
// to work around.
type Timer struct {
	accumulated atomic.Int64 // nanoseconds
}

// Start returns an opaque start token to hand back to Pause. Multiple
// goroutines may call Start concurrently on the same Timer; each gets its
// own token, so there is no shared "started" flag to race on.
func (t *Timer) Start() int64 {
	return time.Now().UnixNano()
}

// Pause accumulates the elapsed time since start and, when record is true,
// also returns the (startAbs, endAbs) pair as microseconds since the Unix
// epoch, for event logs that want wall-clock placement.
func (t *Timer) Pause(start int64, record bool) (startMicros, endMicros int64) {
	now := time.Now().UnixNano()
	elapsed := now - start
	if elapsed < 0 {
		elapsed = 0
	}
	t.accumulated.Add(elapsed)
	if !record {
		return 0, 0
	}
	return start / 1000, now / 1000
}

// Reset zeroes the accumulated time.
func (t *Timer) Reset() { t.accumulated.Store(0) }

// Nanos returns total accumulated time.
func (t *Timer) Nanos() int64 { return t.accumulated.Load() }

// Micros returns total accumulated time in microseconds.
func (t *Timer) Micros() int64 { return t.accumulated.Load() / 1000 }
