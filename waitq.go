package runq

import (
	rb "github.com/glycerine/rbtree"
)

// waitQ holds armed (not yet due) tasks ordered by
// circular expiry key, then nice, then creation serial.
// The serial keeps iteration deterministic; random tie
// breaks in a tree comparator make delete-by-item
// unreliable, since the item you found on one lookup
// can sort elsewhere on the next.
type waitQ struct {
	Owner   string
	Orderby string
	Tree    *rb.Tree

	// don't export so user does not
	// accidentally mess with it.
	cmp func(a, b rb.Item) int
}

func newWaitQ(owner string) *waitQ {
	cmp := func(a, b rb.Item) int {
		av := a.(*Task)
		bv := b.(*Task)

		if av == bv {
			return 0 // points to same memory (or both nil)
		}
		if av == nil {
			// sort nils to the front so they get popped
			// and GC-ed sooner.
			return -1
		}
		if bv == nil {
			return 1
		}
		// INVAR: neither av nor bv is nil
		if d := tickCmp(av.key, bv.key); d != 0 {
			return d
		}
		if av.nice < bv.nice {
			return -1
		}
		if av.nice > bv.nice {
			return 1
		}
		if av.sn < bv.sn {
			return -1
		}
		if av.sn > bv.sn {
			return 1
		}
		// must be the same task if same sn.
		return 0
	}
	return &waitQ{
		Owner:   owner,
		Orderby: "key,nice,sn",
		Tree:    rb.NewTree(cmp),
		cmp:     cmp,
	}
}

func (q *waitQ) Len() int {
	return q.Tree.Len()
}

func (q *waitQ) peek() *Task {
	n := q.Tree.Len()
	if n == 0 {
		return nil
	}
	it := q.Tree.Min()
	if it == q.Tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	return it.Item().(*Task)
}

// firstKey is the earliest expiry in the queue, or
// TickEternity when empty. This feeds the loop's next
// wake-up computation.
func (q *waitQ) firstKey() Tick {
	t := q.peek()
	if t == nil {
		return TickEternity
	}
	return t.key
}

func (q *waitQ) add(t *Task) (added bool, it rb.Iterator) {
	if t == nil {
		panic("do not put nil into waitQ!")
	}
	added, it = q.Tree.InsertGetIt(t)
	return
}

func (q *waitQ) del(t *Task) (found bool) {
	if t == nil {
		panic("cannot delete nil task!")
	}
	var it rb.Iterator
	it, found = q.Tree.FindGE_isEqual(t)
	if !found {
		return
	}
	q.Tree.DeleteWithIterator(it)
	return
}

func (q *waitQ) deleteAll() {
	q.Tree.DeleteAll()
}
