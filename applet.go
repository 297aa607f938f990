package runq

import (
	"fmt"

	rb "github.com/glycerine/rbtree"
)

// AppletFn is an applet body. It runs on the scheduler
// goroutine, does a bounded slice of work, and returns.
// A body that has more to do calls a.Reschedule()
// before returning; one that is finished just returns
// and the applet sits dormant until something admits it
// again. Bodies must not block.
type AppletFn func(a *Applet)

// Applet is the timer-less schedulable: a protocol
// handler or pump that runs when ready rather than when
// due. Admission is idempotent; an applet occupies at
// most one slot in the ready list no matter how many
// times it is scheduled.
//
// Gate, when non-nil, is the resource provider's
// capacity check. A false return defers the applet
// without running it (normal backpressure, not an
// error): it leaves the list, Blocked() turns true, and
// the provider is expected to schedule it again when
// capacity appears.
type Applet struct {
	Owner any
	Body  AppletFn
	Gate  func() bool

	sched *Sched

	// admission serial; fresh each time the applet is
	// admitted, so within one service pass anything
	// admitted during the pass sorts after the bound
	// and waits for the next pass.
	sn int64

	queued  bool
	blocked bool
}

// NewApplet binds a body and owner. The applet is
// dormant until scheduled.
func NewApplet(body AppletFn, owner any) *Applet {
	if body == nil {
		panic("NewApplet: nil AppletFn")
	}
	return &Applet{
		Owner: owner,
		Body:  body,
	}
}

// Queued reports membership in the ready list.
func (a *Applet) Queued() bool {
	return a.queued
}

// Blocked reports whether the last service attempt was
// turned away by the Gate. Clears on the next admit.
func (a *Applet) Blocked() bool {
	return a.blocked
}

// Reschedule re-admits the applet. Loop context only:
// call it from a Body (or a task callback) running on
// the scheduler goroutine. From other goroutines use
// Sched.ScheduleApplet.
func (a *Applet) Reschedule() {
	if a.sched == nil {
		panic("Reschedule before first admit; use Sched.ScheduleApplet")
	}
	a.sched.admitApplet(a)
}

func (a *Applet) String() string {
	return fmt.Sprintf("Applet{sn:%v, queued:%v, blocked:%v, owner:%T}",
		a.sn, a.queued, a.blocked, a.Owner)
}

// appletQ is the ready list: an ordered tree on
// admission serial, giving FIFO service. Same shape as
// the task queues so the membership discipline stays
// uniform.
type appletQ struct {
	Owner string
	Tree  *rb.Tree

	cmp func(a, b rb.Item) int

	// grows on every admit; the service pass bounds
	// itself by its value at entry.
	admitSn int64
}

func newAppletQ(owner string) *appletQ {
	cmp := func(a, b rb.Item) int {
		av := a.(*Applet)
		bv := b.(*Applet)

		if av == bv {
			return 0 // points to same memory (or both nil)
		}
		if av == nil {
			return -1
		}
		if bv == nil {
			return 1
		}
		// INVAR: admission serials are unique among
		// queued applets.
		if av.sn < bv.sn {
			return -1
		}
		if av.sn > bv.sn {
			return 1
		}
		return 0
	}
	return &appletQ{
		Owner: owner,
		Tree:  rb.NewTree(cmp),
		cmp:   cmp,
	}
}

func (q *appletQ) Len() int {
	return q.Tree.Len()
}

// admit inserts a at the tail unless already present.
// Returns true if this call added it.
func (q *appletQ) admit(a *Applet) (added bool) {
	if a == nil {
		panic("do not put nil into appletQ!")
	}
	if a.queued {
		return false
	}
	q.admitSn++
	a.sn = q.admitSn
	a.queued = true
	a.blocked = false
	ok, _ := q.Tree.InsertGetIt(a)
	if !ok {
		panic("appletQ admit: tree rejected a new serial; bookkeeping broken")
	}
	return true
}

func (q *appletQ) peekMin() *Applet {
	n := q.Tree.Len()
	if n == 0 {
		return nil
	}
	it := q.Tree.Min()
	if it == q.Tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	return it.Item().(*Applet)
}

// remove takes a out of the list; idempotent.
func (q *appletQ) remove(a *Applet) (found bool) {
	if a == nil {
		panic("cannot delete nil applet!")
	}
	if !a.queued {
		return false
	}
	var it rb.Iterator
	it, found = q.Tree.FindGE_isEqual(a)
	if !found {
		panic("queued applet not present in tree; bookkeeping broken")
	}
	q.Tree.DeleteWithIterator(it)
	a.queued = false
	return
}

func (q *appletQ) deleteAll() {
	for it := q.Tree.Min(); it != q.Tree.Limit(); {
		a := it.Item().(*Applet)
		delmeIt := it
		it = it.Next()
		q.Tree.DeleteWithIterator(delmeIt)
		a.queued = false
	}
}
