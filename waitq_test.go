package runq

import (
	"fmt"
	"math"
	mathrand2 "math/rand/v2"
	"testing"
)

func noopTaskFn(t *Task, now Tick) (Tick, Outcome) {
	return TickEternity, Rearm
}

func Test200_waitq_orders_by_key_nice_sn(t *testing.T) {

	q := newWaitQ("test 200")

	a := NewTask(noopTaskFn, nil, 0)
	a.key = 100
	b := NewTask(noopTaskFn, nil, -10)
	b.key = 100
	c := NewTask(noopTaskFn, nil, 0)
	c.key = 200

	// insertion order deliberately scrambled.
	q.add(a)
	q.add(c)
	q.add(b)

	if q.Len() != 3 {
		t.Fatalf("want 3, got %v", q.Len())
	}
	if q.firstKey() != 100 {
		t.Fatalf("firstKey: want 100, got %v", q.firstKey())
	}

	want := []*Task{b, a, c} // same key: lower nice first
	i := 0
	for it := q.Tree.Min(); it != q.Tree.Limit(); it = it.Next() {
		got := it.Item().(*Task)
		if got != want[i] {
			t.Fatalf("position %v: want %v, got %v", i, want[i], got)
		}
		i++
	}

	// same key, same nice: creation serial decides.
	d := NewTask(noopTaskFn, nil, 0)
	d.key = 100
	q.add(d)
	it := q.Tree.Min()
	it = it.Next() // past b
	second := it.Item().(*Task)
	if second != a {
		t.Fatalf("a was created before d, must sort before it; got %v", second)
	}
}

func Test201_waitq_wrap_straddle(t *testing.T) {

	// keys on both sides of the 32-bit rollover must
	// iterate in circular order, oldest first.
	hi := Tick(math.MaxUint32 - 3)
	keys := []Tick{9, hi, 5, hi + 2}

	q := newWaitQ("test 201")
	byKey := make(map[Tick]*Task)
	for _, k := range keys {
		tk := NewTask(noopTaskFn, nil, 0)
		tk.key = k
		q.add(tk)
		byKey[k] = tk
	}

	want := []Tick{hi, hi + 2, 5, 9}
	i := 0
	for it := q.Tree.Min(); it != q.Tree.Limit(); it = it.Next() {
		got := it.Item().(*Task)
		if got.key != want[i] {
			t.Fatalf("position %v: want key %v, got %v", i, want[i], got.key)
		}
		i++
	}

	// at now=5 the due set is {hi, hi+2, 5}; 9 stays.
	now := Tick(5)
	ndue := 0
	for it := q.Tree.Min(); it != q.Tree.Limit(); it = it.Next() {
		tk := it.Item().(*Task)
		if !TickIsExpired(tk.key, now) {
			break
		}
		ndue++
	}
	if ndue != 3 {
		t.Fatalf("want 3 due at now=%v, got %v", now, ndue)
	}
}

func Test202_waitq_del_idempotent(t *testing.T) {

	q := newWaitQ("test 202")
	a := NewTask(noopTaskFn, nil, 0)
	a.key = 50
	b := NewTask(noopTaskFn, nil, 0)
	b.key = 60

	q.add(a)
	q.add(b)

	if found := q.del(a); !found {
		t.Fatalf("first del must find a")
	}
	if found := q.del(a); found {
		t.Fatalf("second del of a must be a no-op")
	}
	never := NewTask(noopTaskFn, nil, 0)
	never.key = 70
	if found := q.del(never); found {
		t.Fatalf("deleting a never-added task must be a no-op")
	}
	if q.Len() != 1 {
		t.Fatalf("only b should remain, len=%v", q.Len())
	}
	if q.peek() != b {
		t.Fatalf("b should be the min")
	}
}

func Test203_waitq_churn_due_boundary(t *testing.T) {

	// under random insert/remove churn, the tree must
	// keep one clean boundary: everything before the
	// first not-due item is due, everything after is
	// not. This is what lets the due sweep stop at the
	// first future key.
	var seed [32]byte
	seed[0] = 203
	rng := mathrand2.NewChaCha8(seed)

	// base near the wrap so half the keys straddle it.
	base := Tick(math.MaxUint32 - 5000)
	q := newWaitQ("test 203")

	live := make(map[*Task]bool)
	for range 500 {
		tk := NewTask(noopTaskFn, nil, int(rng.Uint64()%21)-10)
		tk.key = TickAdd(base, uint32(rng.Uint64()%10000))
		q.add(tk)
		live[tk] = true
	}
	// churn: remove a random third, re-add half of
	// those at fresh keys.
	var all []*Task
	for tk := range live {
		all = append(all, tk)
	}
	for n, tk := range all {
		if n%3 == 0 {
			if !q.del(tk) {
				panic("live task must be present")
			}
			delete(live, tk)
			if n%2 == 0 {
				tk.key = TickAdd(base, uint32(rng.Uint64()%10000))
				q.add(tk)
				live[tk] = true
			}
		}
	}
	if q.Len() != len(live) {
		t.Fatalf("tree len %v vs live map %v", q.Len(), len(live))
	}

	for _, now := range []Tick{base, TickAdd(base, 2500),
		TickAdd(base, 5001), TickAdd(base, 9999)} {

		seenFuture := false
		var prev *Task
		for it := q.Tree.Min(); it != q.Tree.Limit(); it = it.Next() {
			tk := it.Item().(*Task)
			if prev != nil {
				if tickCmp(prev.key, tk.key) > 0 {
					panic(fmt.Sprintf("iteration out of order: %v then %v", prev.key, tk.key))
				}
			}
			prev = tk
			if TickIsExpired(tk.key, now) {
				if seenFuture {
					panic(fmt.Sprintf("due key %v after a future key; now=%v", tk.key, now))
				}
			} else {
				seenFuture = true
			}
		}
	}
}

func Test204_popdue_never_yields_future_keys(t *testing.T) {

	// drive the real due sweep over random arm/cancel
	// churn across the rollover: after every popDue, the
	// ready queue holds only keys at or behind now and
	// the wait queue holds only keys after now. Every
	// task either fires exactly once, at or after its
	// key, or was cancelled and never fires.
	var seed [32]byte
	seed[0] = 204
	rng := mathrand2.NewChaCha8(seed)

	s := NewSched("t204", nil)

	const window = 40000
	base := Tick(math.MaxUint32 - window/2)

	fired := make(map[*Task]int)
	cancelled := make(map[*Task]bool)
	var all []*Task

	mk := func(key Tick) {
		tk := NewTask(func(tk *Task, now Tick) (Tick, Outcome) {
			if !TickIsExpired(tk.Key(), now) {
				panic(fmt.Sprintf("fired early: key %v at now %v", tk.Key(), now))
			}
			fired[tk]++
			return TickEternity, Remove
		}, nil, int(rng.Uint64()%21)-10)
		s.ArmLocal(tk, key)
		fired[tk] = 0
		all = append(all, tk)
	}
	for range 600 {
		mk(TickAdd(base, uint32(rng.Uint64()%window)))
	}

	check := func(now Tick) {
		for it := s.readyQ.Tree.Min(); it != s.readyQ.Tree.Limit(); it = it.Next() {
			tk := it.Item().(*Task)
			if !TickIsExpired(tk.key, now) {
				panic(fmt.Sprintf("future key %v on ready queue at now %v", tk.key, now))
			}
		}
		for it := s.waitq.Tree.Min(); it != s.waitq.Tree.Limit(); it = it.Next() {
			tk := it.Item().(*Task)
			if TickIsExpired(tk.key, now) {
				panic(fmt.Sprintf("due key %v left on wait queue at now %v", tk.key, now))
			}
		}
	}

	now := base
	for TickBefore(now, TickAdd(base, window)) {
		now = TickAdd(now, 1+uint32(rng.Uint64()%997))

		s.popDue(now)
		check(now)

		// cancel a few waiters, arm a few replacements
		// strictly in the future.
		for range 3 {
			victim := all[int(rng.Uint64()%uint64(len(all)))]
			if victim.where == onWaitQ {
				s.CancelLocal(victim)
				cancelled[victim] = true
			}
		}
		mk(TickAdd(now, 1+uint32(rng.Uint64()%5000)))
		check(now)

		for s.dispatchReady(now) > 0 {
		}
	}

	// the loop body runs once with now just past the
	// window, so the last replacement can land almost
	// 6000 ticks beyond it; sweep past that.
	fin := TickAdd(base, window+6000)
	s.popDue(fin)
	check(fin)
	for s.dispatchReady(fin) > 0 {
	}

	if s.waitq.Len() != 0 {
		t.Fatalf("wait queue should be empty, len=%v", s.waitq.Len())
	}
	if s.readyQ.Len() != 0 {
		t.Fatalf("ready queue should be empty, len=%v", s.readyQ.Len())
	}
	for _, tk := range all {
		switch {
		case cancelled[tk] && fired[tk] != 0:
			t.Fatalf("cancelled task sn %v fired %v times", tk.sn, fired[tk])
		case !cancelled[tk] && fired[tk] != 1:
			t.Fatalf("task sn %v fired %v times, want exactly 1", tk.sn, fired[tk])
		}
	}
}
