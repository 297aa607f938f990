package runq

import (
	"time"
)

// Tick is the scheduler's clock value: a wrapping,
// unsigned 32-bit count of tick periods since an
// arbitrary epoch. At the default millisecond tick a
// full trip around the circle takes about 49.7 days,
// so live expiries routinely straddle the wrap point
// and every comparison here is circular.
//
// The circular order is only coherent while all live
// keys span less than half the circle (2^31 ticks).
// INVAR: no caller arms work further than half the
// circle into the future. The scheduler cannot check
// this; it is part of the Tick contract.
type Tick uint32

// TickEternity is the reserved zero value meaning
// "never" / "not armed". The clock never produces it
// for a real instant; TickAdd skips over it on wrap.
const TickEternity Tick = 0

// TickIsSet reports whether t holds a real instant
// rather than TickEternity.
func TickIsSet(t Tick) bool {
	return t != TickEternity
}

// TickBefore reports whether a is circularly earlier
// than b. This is the single ordering primitive; the
// wait queue comparator, expiry checks, and TickFirst
// all route through the same signed-difference trick.
func TickBefore(a, b Tick) bool {
	return int32(a-b) < 0
}

// TickAfter reports whether a is circularly later than b.
func TickAfter(a, b Tick) bool {
	return int32(a-b) > 0
}

// TickLTE reports a at-or-before b, circularly.
func TickLTE(a, b Tick) bool {
	return int32(a-b) <= 0
}

// TickIsExpired reports whether t names a real instant
// at or before now. An unset t is never expired.
func TickIsExpired(t, now Tick) bool {
	return TickIsSet(t) && TickLTE(t, now)
}

// tickCmp is the three-way form of TickBefore, for
// tree comparators.
func tickCmp(a, b Tick) int {
	d := int32(a - b)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	}
	return 0
}

// TickAdd returns t advanced by d ticks. If the sum
// lands exactly on TickEternity it is nudged forward
// one tick, so an armed expiry never reads as "never".
func TickAdd(t Tick, d uint32) Tick {
	r := t + Tick(d)
	if r == TickEternity {
		r++
	}
	return r
}

// TickSub returns the circular signed distance a-b in
// ticks; negative when a is earlier than b.
func TickSub(a, b Tick) int32 {
	return int32(a - b)
}

// TickFirst returns the circularly earlier of a and b.
// An unset tick always loses to a set one; two unset
// ticks yield TickEternity. Handy for folding queue
// minimums into one next-wakeup value.
func TickFirst(a, b Tick) Tick {
	if !TickIsSet(a) {
		return b
	}
	if !TickIsSet(b) {
		return a
	}
	if TickBefore(a, b) {
		return a
	}
	return b
}

// TickRemainDur converts the distance from now to exp
// into a wall duration, given the tick period. An
// already-due or unset exp yields zero.
func TickRemainDur(now, exp Tick, tickDur time.Duration) time.Duration {
	if !TickIsSet(exp) {
		return 0
	}
	d := TickSub(exp, now)
	if d <= 0 {
		return 0
	}
	return time.Duration(d) * tickDur
}
