package runq

import (
	"fmt"
	"sync/atomic"

	"github.com/glycerine/loquet"
)

// Outcome is what a task callback tells the scheduler
// to do with the task afterwards.
type Outcome int

const (
	// Rearm: insert the task back into the wait queue
	// at the returned tick. Returning TickEternity with
	// Rearm leaves the task allocated but dormant.
	Rearm Outcome = iota

	// Remove: drop the task from the scheduler for
	// good. The owner reclaims the context; the Done
	// latch closes.
	Remove
)

func (o Outcome) String() string {
	switch o {
	case Rearm:
		return "Rearm"
	case Remove:
		return "Remove"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// TaskFn is the task callback. It runs on the scheduler
// goroutine and must return promptly; nothing else runs
// until it does. now is the tick of the current pass.
// The (next, outcome) return controls requeueing, see
// Outcome.
type TaskFn func(t *Task, now Tick) (next Tick, outcome Outcome)

// TaskState is Idle except during the callback.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "Idle"
	case TaskRunning:
		return "Running"
	}
	return fmt.Sprintf("TaskState(%d)", int32(s))
}

// WakeReason bits say why a task was force-woken ahead
// of (or without) its timer. The mask accumulates
// across Wake calls and clears when the callback runs.
type WakeReason uint32

const (
	WokeTimer WakeReason = 1 << iota
	WokeMessage
	WokeSignal
	WokeIO
	WokeOther
)

func (w WakeReason) String() string {
	if w == 0 {
		return "none"
	}
	s := ""
	add := func(bit WakeReason, name string) {
		if w&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(WokeTimer, "Timer")
	add(WokeMessage, "Message")
	add(WokeSignal, "Signal")
	add(WokeIO, "IO")
	add(WokeOther, "Other")
	return s
}

// Nice bounds. Values outside are clamped at creation.
const (
	NiceMin = -1024
	NiceMax = 1024
)

// which queue a task currently sits on. A task is on at
// most one; arming relocates, never duplicates. onBatch
// marks a task popped into the current dispatch batch
// but not yet run.
type queueID int

const (
	onNoQueue queueID = iota
	onWaitQ
	onRunQ
	onBatch
)

func (q queueID) String() string {
	switch q {
	case onNoQueue:
		return "none"
	case onWaitQ:
		return "waitq"
	case onRunQ:
		return "runq"
	case onBatch:
		return "batch"
	}
	return fmt.Sprintf("queueID(%d)", int(q))
}

var lastTaskSn int64

func nextTaskSn() int64 {
	return atomic.AddInt64(&lastTaskSn, 1)
}

// Task is the schedulable unit: a callback, an opaque
// owner context, an expiry key, and a nice bias. The
// scheduler moves Tasks between queues and flips state;
// it never touches Ctx. Owners create Tasks, arm them,
// and decide in the callback when they die.
//
// All fields other than Ctx and Done are owned by the
// scheduler goroutine once the Task has been armed;
// read them from other goroutines only through
// Snapshot, not directly.
type Task struct {
	// Ctx is owner state, opaque to the scheduler.
	Ctx any

	// Done closes exactly once, when the task leaves
	// the scheduler for good: callback returned Remove,
	// or the owner cancelled and discarded it. Select
	// on Done.WhenClosed() to observe that from any
	// goroutine.
	Done *loquet.Chan[Task]

	fn    TaskFn
	key   Tick
	nice  int
	state TaskState
	where queueID

	// woken accumulates Wake reasons until the next
	// dispatch; firing holds them during the callback,
	// so a self-Wake mid-callback starts a fresh mask.
	woken  WakeReason
	firing WakeReason

	// position in the ready queue, valid while
	// where == onRunQ. See readyQ for the weighting.
	rqpos int64

	sn int64
}

// NewTask makes an unarmed task. niceVal is clamped to
// [NiceMin, NiceMax]; lower runs earlier among tasks
// due together. The task is inert until Arm or Wake.
func NewTask(fn TaskFn, ctx any, niceVal int) (t *Task) {
	if fn == nil {
		panic("NewTask: nil TaskFn")
	}
	if niceVal < NiceMin {
		niceVal = NiceMin
	}
	if niceVal > NiceMax {
		niceVal = NiceMax
	}
	t = &Task{
		Ctx:  ctx,
		fn:   fn,
		nice: niceVal,
		sn:   nextTaskSn(),
	}
	t.Done = loquet.NewChan(t)
	return
}

// Key returns the current expiry tick; TickEternity
// when unarmed.
func (t *Task) Key() Tick {
	return t.key
}

// Nice returns the clamped fairness bias.
func (t *Task) Nice() int {
	return t.nice
}

// State is Idle except while the callback runs.
func (t *Task) State() TaskState {
	return t.state
}

// Woken returns the wake reasons behind the current
// firing. Only meaningful inside the callback; zero
// outside it.
func (t *Task) Woken() WakeReason {
	return t.firing
}

// Sn is the creation serial, the final ordering
// tie-break everywhere.
func (t *Task) Sn() int64 {
	return t.sn
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{sn:%v, key:%v, nice:%v, state:%v, on:%v}",
		t.sn, t.key, t.nice, t.state, t.where)
}

// NewPeriodicTask builds a task that runs body every
// interval ticks, each next firing keyed off the
// previous key rather than the tick the callback
// happened to run at, so the period holds even when the
// loop is late. Arm it at the first desired firing.
// The body's boolean return keeps (true) or removes
// (false) the task.
func NewPeriodicTask(interval uint32, body func(t *Task, now Tick) (keep bool), ctx any, niceVal int) *Task {
	if interval == 0 {
		panic("NewPeriodicTask: zero interval")
	}
	fn := func(t *Task, now Tick) (Tick, Outcome) {
		if !body(t, now) {
			return TickEternity, Remove
		}
		return TickAdd(t.Key(), interval), Rearm
	}
	return NewTask(fn, ctx, niceVal)
}
