package runq

import (
	"math"
	"strings"
	"testing"
)

func Test500_sticktable_put_get(t *testing.T) {
	tab := NewStickTable("affinity", 100)

	if _, ok := tab.Get("10.0.0.1:5432", 50, false); ok {
		t.Fatalf("empty table returned a hit")
	}
	tab.Put("10.0.0.1:5432", "backend-3", 50)
	if tab.Len() != 1 {
		t.Fatalf("want Len 1, got %v", tab.Len())
	}
	val, ok := tab.Get("10.0.0.1:5432", 60, false)
	if !ok || val.(string) != "backend-3" {
		t.Fatalf("want hit backend-3, got %v, %v", val, ok)
	}

	// re-put overwrites in place.
	tab.Put("10.0.0.1:5432", "backend-7", 70)
	if tab.Len() != 1 {
		t.Fatalf("re-put grew the table: Len %v", tab.Len())
	}
	val, _ = tab.Get("10.0.0.1:5432", 80, false)
	if val.(string) != "backend-7" {
		t.Fatalf("want backend-7 after re-put, got %v", val)
	}

	if h := tab.HashKey("10.0.0.1:5432"); !strings.HasPrefix(h, "blake3.33B-") {
		t.Fatalf("hashed key rendering: got '%v'", h)
	}
}

func Test501_sticktable_expiry_is_lazy_on_get(t *testing.T) {
	tab := NewStickTable("affinity", 100)
	tab.Put("k", 1, 50) // expires at 150

	if _, ok := tab.Get("k", 149, false); !ok {
		t.Fatalf("want hit one tick before expiry")
	}
	if _, ok := tab.Get("k", 150, false); ok {
		t.Fatalf("want miss at expiry tick")
	}
	if tab.Len() != 0 {
		t.Fatalf("expired entry not evicted on get: Len %v", tab.Len())
	}
}

func Test502_sticktable_refresh_extends(t *testing.T) {
	tab := NewStickTable("affinity", 100)
	tab.Put("a", 1, 100) // expires 200
	tab.Put("b", 2, 100) // expires 200

	// a refreshing get at 150 pushes a's expiry to 250.
	if _, ok := tab.Get("a", 150, true); !ok {
		t.Fatalf("want hit on a")
	}
	if n := tab.sweep(220); n != 1 {
		t.Fatalf("want 1 swept (b), got %v", n)
	}
	if _, ok := tab.Get("a", 220, false); !ok {
		t.Fatalf("refreshed entry should survive the sweep")
	}
	if tab.Swept() != 1 {
		t.Fatalf("want Swept 1, got %v", tab.Swept())
	}

	if !tab.Touch("a", 230) {
		t.Fatalf("Touch on live key should report true")
	}
	if tab.Touch("gone", 230) {
		t.Fatalf("Touch on unknown key should report false")
	}
}

func Test503_sticktable_sweep_front_first(t *testing.T) {
	tab := NewStickTable("affinity", 5)
	tab.Put("k1", 1, 10) // expires 15
	tab.Put("k2", 2, 20) // expires 25
	tab.Put("k3", 3, 30) // expires 35

	if n := tab.sweep(26); n != 2 {
		t.Fatalf("want 2 swept, got %v", n)
	}
	if tab.Len() != 1 {
		t.Fatalf("want 1 survivor, got %v", tab.Len())
	}
	if _, ok := tab.Get("k3", 26, false); !ok {
		t.Fatalf("k3 should survive")
	}
}

func Test504_sticktable_expiry_across_wrap(t *testing.T) {
	tab := NewStickTable("affinity", 100)
	hi := Tick(math.MaxUint32 - 40)
	tab.Put("edge", 1, hi) // expiry wraps past zero

	if n := tab.sweep(hi); n != 0 {
		t.Fatalf("entry swept before its wrapped expiry")
	}
	if _, ok := tab.Get("edge", hi+20, false); !ok {
		t.Fatalf("want hit before wrapped expiry")
	}
	if n := tab.sweep(hi + 150); n != 1 {
		t.Fatalf("want 1 swept after wrapped expiry, got %v", n)
	}
}

func Test505_sticktable_periodic_sweeper_direct(t *testing.T) {
	s := NewSched("sweeptest", nil)
	tab := NewStickTable("affinity", 100)
	tab.Put("x", 1, 100) // expires 200
	tab.Put("y", 2, 150) // expires 250

	sweeper := NewPeriodicTask(500, func(tk *Task, now Tick) (keep bool) {
		tab.sweep(now)
		return true
	}, tab, 0)
	s.ArmLocal(sweeper, 500)

	s.pass(500)
	if tab.Len() != 0 {
		t.Fatalf("sweeper pass left %v entries", tab.Len())
	}
	// re-armed off its own prior key, not the pass tick.
	if sweeper.Key() != 1000 {
		t.Fatalf("want sweeper re-armed at 1000, got %v", sweeper.Key())
	}
	if s.waitq.Len() != 1 {
		t.Fatalf("sweeper should be waiting again, waitq len %v", s.waitq.Len())
	}
}
