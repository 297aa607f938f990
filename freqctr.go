package runq

import "fmt"

// FreqCtr measures an event rate over a sliding window of
// ticks using two period buckets: the count so far in the
// current period and the total from the previous one. The
// reported rate blends the previous period by how much of
// it still overlaps the window, so the estimate moves
// smoothly instead of sawtoothing at period boundaries.
//
// Not goroutine safe. Use one per owner, or consult it
// only from task callbacks.
type FreqCtr struct {
	period    uint32
	currStart Tick
	curr      uint64
	prev      uint64
}

// DefaultFreqPeriod is the window length, in ticks, a
// zero-period NewFreqCtr call gets. One second at the
// default tick duration.
const DefaultFreqPeriod = 1000

// NewFreqCtr returns a counter with the given period
// length in ticks; 0 means DefaultFreqPeriod.
func NewFreqCtr(period uint32) *FreqCtr {
	if period == 0 {
		period = DefaultFreqPeriod
	}
	return &FreqCtr{period: period}
}

// NewFreqCtr returns a counter with the scheduler's
// configured period, so every consumer of one Sched
// measures over the same window.
func (s *Sched) NewFreqCtr() *FreqCtr {
	return NewFreqCtr(s.cfg.FreqPeriod)
}

// rotate advances the window so that now falls inside the
// current period. Adjacent period: current becomes
// previous. Longer gap: both buckets are stale, start
// over at now.
func (f *FreqCtr) rotate(now Tick) {
	if !TickIsSet(f.currStart) {
		f.currStart = now
		return
	}
	elapsed := uint32(now - f.currStart)
	if elapsed < f.period {
		return
	}
	if elapsed < 2*f.period {
		f.prev = f.curr
		f.curr = 0
		f.currStart = TickAdd(f.currStart, f.period)
		return
	}
	f.prev = 0
	f.curr = 0
	f.currStart = now
}

// Add counts n events at tick now and returns the current
// period's running total.
func (f *FreqCtr) Add(now Tick, n uint64) uint64 {
	f.rotate(now)
	f.curr += n
	return f.curr
}

// Rate estimates events per period as of now: the
// current period's count plus the previous period's count
// scaled by the fraction of it still inside the window.
func (f *FreqCtr) Rate(now Tick) float64 {
	f.rotate(now)
	elapsed := uint32(now - f.currStart)
	remain := f.period - elapsed
	return float64(f.curr) + float64(f.prev)*float64(remain)/float64(f.period)
}

// Total returns the count in the current period without
// rotating.
func (f *FreqCtr) Total() uint64 {
	return f.curr
}

// CurrPeriodStart returns the tick the current period
// began at; TickEternity before the first Add.
func (f *FreqCtr) CurrPeriodStart() Tick {
	return f.currStart
}

func (f *FreqCtr) String() string {
	return fmt.Sprintf("FreqCtr{period: %v, currStart: %v, curr: %v, prev: %v}",
		f.period, f.currStart, f.curr, f.prev)
}
