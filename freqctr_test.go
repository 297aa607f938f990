package runq

import (
	"math"
	"testing"
)

func Test400_freqctr_blends_two_periods(t *testing.T) {
	f := NewFreqCtr(1000)

	// ten events inside the first period [100, 1100).
	f.Add(100, 3)
	f.Add(450, 4)
	f.Add(1099, 3)
	if f.Total() != 10 {
		t.Fatalf("want 10 in current period, got %v", f.Total())
	}
	if f.CurrPeriodStart() != 100 {
		t.Fatalf("want period start 100, got %v", f.CurrPeriodStart())
	}

	// crossing into the next period rotates: all ten are
	// now "previous" and decay linearly as it slides out.
	if got := f.Rate(1100); got != 10 {
		t.Fatalf("rate at period boundary: want 10, got %v", got)
	}
	if f.CurrPeriodStart() != 1100 {
		t.Fatalf("want period start 1100 after rotate, got %v", f.CurrPeriodStart())
	}
	if got := f.Rate(1600); got != 5 {
		t.Fatalf("rate halfway out: want 5, got %v", got)
	}
	if got := f.Rate(1850); got != 2.5 {
		t.Fatalf("rate 3/4 out: want 2.5, got %v", got)
	}

	// new events blend on top of the decayed previous count.
	f.Add(1850, 4)
	if got := f.Rate(1850); got != 6.5 {
		t.Fatalf("blended rate: want 6.5, got %v", got)
	}

	// at the next boundary the original ten are gone and
	// only the four remain.
	if got := f.Rate(2100); got != 4 {
		t.Fatalf("after second rotation: want 4, got %v", got)
	}
}

func Test401_freqctr_gap_resets(t *testing.T) {
	f := NewFreqCtr(1000)
	f.Add(100, 50)
	// a gap of more than one whole period means both
	// buckets are stale.
	f.Add(5000, 1)
	if f.CurrPeriodStart() != 5000 {
		t.Fatalf("want fresh period at 5000, got %v", f.CurrPeriodStart())
	}
	if got := f.Rate(5000); got != 1 {
		t.Fatalf("want rate 1 after reset, got %v", got)
	}
}

func Test402_freqctr_wraps_cleanly(t *testing.T) {
	f := NewFreqCtr(1000)
	hi := Tick(math.MaxUint32 - 100)
	f.Add(hi, 4)
	if f.CurrPeriodStart() != hi {
		t.Fatalf("want period start %v, got %v", hi, f.CurrPeriodStart())
	}

	// one period later the clock has wrapped through zero.
	now := hi + 1000
	if !TickBefore(now, hi+2000) || TickBefore(now, hi) {
		t.Fatalf("test setup: %v should sit one period past %v", now, hi)
	}
	if got := f.Rate(now); got != 4 {
		t.Fatalf("rate across wrap: want 4, got %v", got)
	}
	f.Add(now, 2)
	if got := f.Rate(now); got != 6 {
		t.Fatalf("blended rate across wrap: want 6, got %v", got)
	}
}
