package runq

import (
	"time"

	gjson "github.com/goccy/go-json"
)

// SchedSnapshot is a consistent picture of one
// scheduler instance, taken by the loop between passes
// so nothing here can race with a callback.
type SchedSnapshot struct {
	Name    string
	SchedID string
	Asof    time.Time
	Loopi   int64
	Now     Tick
	Closed  bool

	// queue depths at the instant of the snapshot.
	Armed         int
	Ready         int
	AppletsQueued int

	// running totals since Start.
	Passes     int64
	Dispatches int64
	Rearms     int64
	Removes    int64
	Wakes      int64
	Cancels    int64
	AppletRuns int64
	GateBlocks int64

	// earliest armed expiry; TickEternity when the
	// wait queue is empty.
	NextExpiry Tick

	reqtm   time.Time
	proceed chan struct{}
}

// Snapshot asks the loop for its current state.
// Goroutine-safe; returns ErrShutdown once the
// scheduler is stopping.
func (s *Sched) Snapshot() (*SchedSnapshot, error) {
	snap := &SchedSnapshot{
		reqtm:   time.Now(),
		proceed: make(chan struct{}),
	}
	select {
	case s.snapReqCh <- snap:
	case <-s.halt.ReqStop.Chan:
		return nil, ErrShutdown
	}
	select {
	case <-snap.proceed:
	case <-s.halt.ReqStop.Chan:
		return nil, ErrShutdown
	}
	return snap, nil
}

func (s *Sched) fillSnapshot(snap *SchedSnapshot, now Tick, loopi int64) {
	defer close(snap.proceed)

	snap.Name = s.name
	snap.SchedID = s.schedID
	snap.Asof = time.Now()
	snap.Loopi = loopi
	snap.Now = now
	snap.Closed = s.halt.ReqStop.IsClosed()

	snap.Armed = s.waitq.Len()
	snap.Ready = s.readyQ.Len()
	snap.AppletsQueued = s.appletq.Len()

	snap.Passes = s.passes
	snap.Dispatches = s.dispatches
	snap.Rearms = s.rearms
	snap.Removes = s.removes
	snap.Wakes = s.wakes
	snap.Cancels = s.cancels
	snap.AppletRuns = s.appletRuns
	snap.GateBlocks = s.gateBlocks

	snap.NextExpiry = s.waitq.firstKey()
}

// String renders the snapshot as indented JSON.
func (snap *SchedSnapshot) String() string {
	by, err := gjson.MarshalIndent(snap, "", "    ")
	panicOn(err)
	return string(by)
}
