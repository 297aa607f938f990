package runq

import (
	"fmt"
	"time"

	"github.com/glycerine/idem"
)

var ErrShutdown = fmt.Errorf("shutting down")

// Config collects the scheduler tuning knobs. Zero
// values mean "use the default"; NewConfig supplies the
// defaults explicitly.
type Config struct {

	// TickDur is the wall-clock length of one tick.
	// Default one millisecond, giving a ~49.7 day trip
	// around the 32-bit tick circle.
	TickDur time.Duration

	// StartTick is the tick the clock reads at Start.
	// Mostly for tests that want the live window to
	// straddle the wrap point from the first pass.
	StartTick Tick

	// RunQDepth bounds task callbacks dispatched per
	// pass. Due tasks beyond the budget keep their
	// ready-queue position and go first next pass.
	// Default 200.
	RunQDepth int

	// MaxPark bounds how long the loop sleeps with
	// nothing armed at all. Default 10s.
	MaxPark time.Duration

	// FreqPeriod is the window, in ticks, used by rate
	// counters the scheduler's consumers construct via
	// NewFreqCtr with period 0. Default 1000.
	FreqPeriod uint32

	// TraceCap, when positive, attaches a flight
	// recorder of that many events to the Sched.
	TraceCap int

	// Quiet suppresses start/stop chatter.
	Quiet bool
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		TickDur:    time.Millisecond,
		StartTick:  1,
		RunQDepth:  200,
		MaxPark:    10 * time.Second,
		FreqPeriod: DefaultFreqPeriod,
	}
}

func (cfg *Config) setDefaults() {
	def := NewConfig()
	if cfg.TickDur <= 0 {
		cfg.TickDur = def.TickDur
	}
	if cfg.StartTick == TickEternity {
		cfg.StartTick = def.StartTick
	}
	if cfg.RunQDepth <= 0 {
		cfg.RunQDepth = def.RunQDepth
	}
	if cfg.MaxPark <= 0 {
		cfg.MaxPark = def.MaxPark
	}
	if cfg.FreqPeriod == 0 {
		cfg.FreqPeriod = def.FreqPeriod
	}
}

// Sched is one scheduler instance: a wait queue of
// armed tasks, a ready queue of due tasks, an applet
// ready list, and the single goroutine that services
// them. Construct one per shard; instances share
// nothing.
//
// Everything below the op channels is owned by the loop
// goroutine. The exported methods (Arm, Cancel, Wake,
// ScheduleApplet, RemoveApplet, Snapshot) are the only
// goroutine-safe surface; they hand an op to the loop
// and wait for it to be applied.
type Sched struct {
	cfg  *Config
	name string

	// schedID is a random base58 instance tag, handy
	// when several shards log to one stream.
	schedID string

	halt    *idem.Halter
	started bool

	// wall-clock epoch for tick derivation; reset at
	// Start.
	t0 time.Time

	waitq   *waitQ
	readyQ  *readyQ
	appletq *appletQ

	// scratch for the batch being dispatched; reused
	// across passes.
	batch []*Task

	trace *Trace

	nextTimer *time.Timer

	// the tick of the pass (or op) being serviced;
	// stamps trace events from loop context.
	lastNow Tick

	// loop statistics, exported via Snapshot.
	passes     int64
	dispatches int64
	rearms     int64
	removes    int64
	wakes      int64
	cancels    int64
	appletRuns int64
	gateBlocks int64

	armCh            chan *schedOp
	cancelCh         chan *schedOp
	wakeCh           chan *schedOp
	scheduleAppletCh chan *schedOp
	removeAppletCh   chan *schedOp
	snapReqCh        chan *SchedSnapshot
}

// schedOp carries one cross-goroutine request into the
// loop. The submitter waits on proceed, which the loop
// closes once the op has been applied.
type schedOp struct {
	task    *Task
	key     Tick
	reason  WakeReason
	app     *Applet
	discard bool

	proceed chan struct{}
}

func newSchedOp() *schedOp {
	return &schedOp{
		proceed: make(chan struct{}),
	}
}

// NewSched makes a stopped scheduler. Call Start to run
// the loop, or drive passes yourself in tests.
func NewSched(name string, cfg *Config) (s *Sched) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.setDefaults()
	s = &Sched{
		cfg:     cfg,
		name:    name,
		schedID: newSchedID(),
		halt:    idem.NewHalter(),
		t0:      time.Now(),
		waitq:   newWaitQ(name + " waitq"),
		readyQ:  newReadyQ(name + " readyq"),
		appletq: newAppletQ(name + " appletq"),

		armCh:            make(chan *schedOp),
		cancelCh:         make(chan *schedOp),
		wakeCh:           make(chan *schedOp),
		scheduleAppletCh: make(chan *schedOp),
		removeAppletCh:   make(chan *schedOp),
		snapReqCh:        make(chan *SchedSnapshot),
	}
	if cfg.TraceCap > 0 {
		s.trace = NewTrace(cfg.TraceCap)
	}
	return
}

// Start launches the scheduler goroutine.
func (s *Sched) Start() {
	if s.started {
		panic("Sched.Start called twice")
	}
	s.started = true
	s.t0 = time.Now()
	if !s.cfg.Quiet {
		alwaysPrintf("%v (%v) Start: tickDur=%v runQDepth=%v",
			s.name, s.schedID, s.cfg.TickDur, s.cfg.RunQDepth)
	}
	go s.scheduler()
}

// Close stops the loop and waits for it to exit. Armed
// tasks are left wherever they were; owners still hold
// them and their Done latches stay open.
func (s *Sched) Close() {
	s.halt.ReqStop.Close()
	if s.started {
		<-s.halt.Done.Chan
	} else {
		s.halt.Done.Close()
	}
	if !s.cfg.Quiet {
		alwaysPrintf("%v (%v) Close: passes=%v dispatches=%v",
			s.name, s.schedID, s.passes, s.dispatches)
	}
}

// nowTick derives the current tick from the wall clock.
// Never returns TickEternity.
func (s *Sched) nowTick() Tick {
	elapsed := time.Since(s.t0)
	tk := s.cfg.StartTick + Tick(elapsed/s.cfg.TickDur)
	if tk == TickEternity {
		tk++
	}
	return tk
}

// Now reports the current tick. Only meaningful after
// Start; any goroutine may call it.
func (s *Sched) Now() Tick {
	return s.nowTick()
}

// scheduler is the single goroutine that owns the
// queues. It orders all operations by receiving them in
// one select: the due-work timer, each op channel, and
// the halt request. Nothing else may touch the queues.
func (s *Sched) scheduler() {
	defer func() {
		s.halt.Done.Close()
		r := recover()
		if r != nil {
			alwaysPrintf("scheduler panic-ing: %v", r)
			panic(r)
		}
	}()
	//vv("scheduler running on goro %v", GoroNumber())

	s.nextTimer = time.NewTimer(s.cfg.MaxPark)
	defer s.nextTimer.Stop()

	for i := int64(0); ; i++ {
		select {

		case <-s.nextTimer.C:
			now := s.nowTick()
			s.pass(now)
			s.armTimer(now)

		case op := <-s.armCh:
			now := s.nowTick()
			s.lastNow = now
			s.ArmLocal(op.task, op.key)
			close(op.proceed)
			s.armTimer(now)

		case op := <-s.cancelCh:
			s.lastNow = s.nowTick()
			s.cancelLocal(op.task, op.discard)
			close(op.proceed)
			// cancellation only pushes the next
			// deadline out; the timer can fire early
			// and find nothing due. Cheaper than a
			// rescan here.

		case op := <-s.wakeCh:
			now := s.nowTick()
			s.lastNow = now
			s.WakeLocal(op.task, op.reason)
			close(op.proceed)
			s.armTimer(now)

		case op := <-s.scheduleAppletCh:
			now := s.nowTick()
			s.lastNow = now
			s.ScheduleAppletLocal(op.app)
			close(op.proceed)
			s.armTimer(now)

		case op := <-s.removeAppletCh:
			s.appletq.remove(op.app)
			close(op.proceed)

		case snap := <-s.snapReqCh:
			s.fillSnapshot(snap, s.nowTick(), i)

		case <-s.halt.ReqStop.Chan:
			//vv("%v: halt requested after %v passes", s.name, s.passes)
			return
		}
	}
}

// armTimer resets nextTimer to the distance to the next
// work: immediately when ready work is pending, at the
// earliest wait-queue expiry otherwise, or MaxPark when
// totally idle.
func (s *Sched) armTimer(now Tick) time.Duration {
	var dur time.Duration
	if s.readyQ.Len() > 0 || s.appletq.Len() > 0 {
		dur = 0
	} else {
		wk := s.waitq.firstKey()
		if !TickIsSet(wk) {
			dur = s.cfg.MaxPark
		} else {
			dur = TickRemainDur(now, wk, s.cfg.TickDur)
		}
	}
	s.nextTimer.Reset(dur)
	return dur
}

// pass is one full iteration of the control loop: move
// the due tasks over, dispatch them in order up to the
// budget, then service the ready applets once.
func (s *Sched) pass(now Tick) (serviced int) {
	s.passes++
	s.lastNow = now
	s.traceEv(now, TevPass, 0)
	s.popDue(now)
	serviced = s.dispatchReady(now)
	serviced += s.runReadyApplets(now)
	return
}

// popDue moves every task whose key is at or behind now
// from the wait queue into the ready queue, in tree
// order. No callbacks run here; state stays Idle, so a
// task that re-arms itself to "now" during its own
// later dispatch lands back in the wait queue and is
// not re-picked until the next pass.
func (s *Sched) popDue(now Tick) (moved int) {
	tree := s.waitq.Tree
	for it := tree.Min(); it != tree.Limit(); {
		t := it.Item().(*Task)
		if !TickIsExpired(t.key, now) {
			// all further keys sort even later.
			break
		}
		delmeIt := it
		it = it.Next()
		tree.DeleteWithIterator(delmeIt)
		t.where = onNoQueue
		t.woken |= WokeTimer
		s.enqueueReady(t)
		moved++
	}
	return
}

func (s *Sched) enqueueReady(t *Task) {
	if t.where != onNoQueue {
		panic(fmt.Sprintf("enqueueReady: task still on %v", t.where))
	}
	s.readyQ.push(t)
	t.where = onRunQ
}

// dispatchReady runs due tasks in weighted order up to
// the budget. The whole batch comes off the queue before
// the first callback runs, so the loop holds no queue
// position into user code, and anything enqueued during
// a callback (a self-wake, a sibling wake) lands behind
// the batch and waits for the next pass.
func (s *Sched) dispatchReady(now Tick) (n int) {
	batch := s.batch[:0]
	for len(batch) < s.cfg.RunQDepth {
		t := s.readyQ.popMin()
		if t == nil {
			break
		}
		t.where = onBatch
		batch = append(batch, t)
	}

	for i, t := range batch {
		batch[i] = nil
		if t.where != onBatch {
			// an earlier callback in this batch
			// re-armed or cancelled it; its turn is
			// gone. (A wake leaves it in the batch.)
			continue
		}
		t.where = onNoQueue
		n++
		s.dispatches++
		s.traceEv(now, TevDispatch, t.sn)

		t.firing = t.woken
		t.woken = 0
		t.state = TaskRunning
		next, outcome := t.fn(t, now)
		t.state = TaskIdle
		t.firing = 0

		switch outcome {
		case Remove:
			// a self-wake during the callback may have
			// requeued it; undo that before dropping.
			s.unhook(t)
			t.key = TickEternity
			t.woken = 0
			s.removes++
			s.traceEv(now, TevRemove, t.sn)
			t.Done.Close()
		case Rearm:
			if t.where == onRunQ {
				// the callback woke itself: the wake
				// wins over the returned tick and the
				// task runs again next pass. That
				// firing returns its own re-arm.
			} else if TickIsSet(next) {
				s.ArmLocal(t, next)
				s.rearms++
				s.traceEv(now, TevRearm, t.sn)
			} else {
				// dormant: off every queue until
				// someone arms or wakes it.
				t.key = TickEternity
			}
		default:
			panicf("task sn %v returned unknown outcome %v", t.sn, outcome)
		}
	}
	s.batch = batch[:0]
	return
}

// runReadyApplets services the applet list once. Each
// entry leaves the list before anything of it runs, and
// the loop never touches it after its body returns;
// bodies re-admit themselves to keep running, and the
// admission bound keeps those re-admissions in the next
// pass, not this one.
func (s *Sched) runReadyApplets(now Tick) (ran int) {
	bound := s.appletq.admitSn
	for {
		a := s.appletq.peekMin()
		if a == nil || a.sn > bound {
			return
		}
		s.appletq.remove(a)

		if a.Gate != nil && !a.Gate() {
			// no downstream capacity: defer, do not
			// run. The provider re-schedules when
			// capacity appears.
			a.blocked = true
			s.gateBlocks++
			s.traceEv(now, TevGateBlock, a.sn)
			continue
		}
		ran++
		s.appletRuns++
		s.traceEv(now, TevAppletRun, a.sn)
		a.Body(a)
	}
}

// unhook removes t from whichever queue holds it.
// Idempotent; loop context.
func (s *Sched) unhook(t *Task) {
	switch t.where {
	case onNoQueue:
	case onWaitQ:
		if !s.waitq.del(t) {
			panic("task marked waitq but absent; bookkeeping broken")
		}
	case onRunQ:
		if !s.readyQ.del(t) {
			panic("task marked runq but absent; bookkeeping broken")
		}
	case onBatch:
		// in the dispatch batch, which tolerates
		// members leaving; nothing to delete.
	}
	t.where = onNoQueue
}

// ArmLocal inserts or relocates t at key. An armed task
// moves; arming is never an error. Arming at
// TickEternity parks the task dormant. Arming also drops
// any pending wake: the timer becomes the only scheduled
// firing.
//
// Loop context only: call from task callbacks or applet
// bodies. Other goroutines use Arm.
func (s *Sched) ArmLocal(t *Task, key Tick) {
	if t == nil {
		panic("cannot arm nil task")
	}
	if t.state == TaskRunning {
		// the callback return value is the only
		// re-arm path for a running task.
		panic("cannot arm a Running task")
	}
	s.unhook(t)
	t.woken = 0
	if !TickIsSet(key) {
		t.key = TickEternity
		return
	}
	t.key = key
	added, _ := s.waitq.add(t)
	if !added {
		panic("waitq rejected task; duplicate sn?")
	}
	t.where = onWaitQ
}

// CancelLocal unarms t, leaving it reusable. Loop
// context only; other goroutines use Cancel.
func (s *Sched) CancelLocal(t *Task) {
	s.cancelLocal(t, false)
}

func (s *Sched) cancelLocal(t *Task, discard bool) {
	if t == nil {
		panic("cannot cancel nil task")
	}
	if t.state == TaskRunning {
		panic("cannot cancel a Running task; return Remove instead")
	}
	s.unhook(t)
	t.key = TickEternity
	t.woken = 0
	s.cancels++
	s.traceEv(s.lastNow, TevCancel, t.sn)
	if discard {
		t.Done.Close()
	}
}

// WakeLocal force-readies t regardless of its timer,
// recording why. An already-ready task just accumulates
// the reason. A callback may wake any task, including
// itself; a self-woken task runs again next pass and its
// Rearm tick from the current firing is ignored, so
// prefer the re-arm return unless you mean that.
//
// Loop context only; other goroutines use Wake.
func (s *Sched) WakeLocal(t *Task, reason WakeReason) {
	if t == nil {
		panic("cannot wake nil task")
	}
	if reason == 0 {
		reason = WokeOther
	}
	t.woken |= reason
	if t.where == onRunQ || t.where == onBatch {
		// already going to run; just carry the reason.
		return
	}
	if t.where == onWaitQ {
		s.unhook(t)
	}
	s.wakes++
	s.traceEv(s.lastNow, TevWake, t.sn)
	s.enqueueReady(t)
}

// ScheduleAppletLocal admits a from loop context, e.g.
// a task callback noticing its applet has data. Other
// goroutines use ScheduleApplet.
func (s *Sched) ScheduleAppletLocal(a *Applet) {
	if a == nil {
		panic("cannot schedule nil applet")
	}
	a.sched = s
	s.appletq.admit(a)
}

// RemoveAppletLocal takes a off the ready list from loop
// context, e.g. a body tearing down a sibling handler.
// Idempotent; safe mid-pass, the service sweep holds no
// position into the list across a body call. Other
// goroutines use RemoveApplet.
func (s *Sched) RemoveAppletLocal(a *Applet) {
	if a == nil {
		panic("cannot remove nil applet")
	}
	s.appletq.remove(a)
}

// Arm schedules t to fire at key, relocating it if
// already armed. Goroutine-safe; returns ErrShutdown if
// the scheduler is stopping.
//
// Arm and the rest of the channel API (Cancel, Discard,
// Wake, ScheduleApplet, RemoveApplet, Snapshot) need the
// loop receiving: call Start first, or the submit will
// block until Close.
func (s *Sched) Arm(t *Task, key Tick) error {
	op := newSchedOp()
	op.task = t
	op.key = key
	return s.submit(s.armCh, op)
}

// Cancel unarms t, leaving it reusable. The Done latch
// stays open. Goroutine-safe.
func (s *Sched) Cancel(t *Task) error {
	op := newSchedOp()
	op.task = t
	return s.submit(s.cancelCh, op)
}

// Discard unarms t and closes its Done latch: the owner
// is finished with it. Goroutine-safe.
func (s *Sched) Discard(t *Task) error {
	op := newSchedOp()
	op.task = t
	op.discard = true
	return s.submit(s.cancelCh, op)
}

// Wake readies t immediately, recording reason for the
// callback to inspect via Woken. Goroutine-safe.
func (s *Sched) Wake(t *Task, reason WakeReason) error {
	op := newSchedOp()
	op.task = t
	op.reason = reason
	return s.submit(s.wakeCh, op)
}

// ScheduleApplet admits a to the ready list; idempotent
// while queued. Goroutine-safe.
func (s *Sched) ScheduleApplet(a *Applet) error {
	op := newSchedOp()
	op.app = a
	return s.submit(s.scheduleAppletCh, op)
}

// RemoveApplet takes a off the ready list; idempotent.
// Goroutine-safe.
func (s *Sched) RemoveApplet(a *Applet) error {
	op := newSchedOp()
	op.app = a
	return s.submit(s.removeAppletCh, op)
}

// admitApplet backs Applet.Reschedule.
func (s *Sched) admitApplet(a *Applet) {
	a.sched = s
	s.appletq.admit(a)
}

func (s *Sched) submit(ch chan *schedOp, op *schedOp) error {
	select {
	case ch <- op:
	case <-s.halt.ReqStop.Chan:
		return ErrShutdown
	}
	select {
	case <-op.proceed:
	case <-s.halt.ReqStop.Chan:
		return ErrShutdown
	}
	return nil
}
