package runq

import (
	rb "github.com/glycerine/rbtree"
)

// niceBeat spaces the nice levels apart in the ready
// queue position. Within one pass the enqueue sequence
// moves by the batch size, far under niceBeat, so any
// nice difference dominates and dispatch is strictly
// nice-ascending across a due set. Across passes the
// sequence keeps growing, so long-stranded leftovers
// eventually outrank even greedily low nice values and
// cannot be starved forever.
const niceBeat = 1 << 20

// readyQ holds due tasks awaiting dispatch, ordered by
// the nice-weighted position assigned at enqueue, sn as
// the final tie-break.
type readyQ struct {
	Owner   string
	Orderby string
	Tree    *rb.Tree

	cmp func(a, b rb.Item) int

	// enqueue sequence; only grows.
	seq int64
}

func newReadyQ(owner string) *readyQ {
	cmp := func(a, b rb.Item) int {
		av := a.(*Task)
		bv := b.(*Task)

		if av == bv {
			return 0 // points to same memory (or both nil)
		}
		if av == nil {
			return -1
		}
		if bv == nil {
			return 1
		}
		// INVAR: neither av nor bv is nil
		if av.rqpos < bv.rqpos {
			return -1
		}
		if av.rqpos > bv.rqpos {
			return 1
		}
		if av.sn < bv.sn {
			return -1
		}
		if av.sn > bv.sn {
			return 1
		}
		return 0
	}
	return &readyQ{
		Owner:   owner,
		Orderby: "rqpos,sn",
		Tree:    rb.NewTree(cmp),
		cmp:     cmp,
	}
}

func (q *readyQ) Len() int {
	return q.Tree.Len()
}

// push assigns t its weighted position and inserts it.
// Caller has already taken t off any other queue.
func (q *readyQ) push(t *Task) {
	if t == nil {
		panic("do not put nil into readyQ!")
	}
	q.seq++
	t.rqpos = q.seq + int64(t.nice)*niceBeat
	added, _ := q.Tree.InsertGetIt(t)
	if !added {
		panic("readyQ push: task already present; membership bookkeeping broken")
	}
}

// popMin removes and returns the next task to dispatch,
// nil when drained. The caller gets the only remaining
// reference; nothing in the tree points at t afterward.
func (q *readyQ) popMin() *Task {
	n := q.Tree.Len()
	if n == 0 {
		return nil
	}
	it := q.Tree.Min()
	if it == q.Tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	top := it.Item().(*Task)
	q.Tree.DeleteWithIterator(it)
	return top
}

func (q *readyQ) del(t *Task) (found bool) {
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

func (q *readyQ) deleteAll() {
	q.Tree.DeleteAll()
}
