// Package runq provides the cooperative task scheduling
// core used by a proxy-style event loop: a timer wheel's
// job done with an ordered tree instead of a wheel.
//
// The moving parts, leaves first:
//
// A Tick is a wrapping 32-bit clock value. All expiry
// ordering is circular (wrap-safe), so the process can
// run for years at millisecond ticks without a rollover
// event. Tick 0 is reserved to mean "never".
//
// A Task is the schedulable unit: an owner-supplied
// callback plus opaque context, armed at a Tick, with a
// nice value in [-1024, 1024] biasing its turn among
// tasks due together. The callback returns either a new
// arm tick or asks to be removed; the scheduler never
// owns the context, it only moves the Task between its
// wait queue (future work, ordered by expiry) and run
// queue (due work, ordered by nice-weighted position).
//
// An Applet is the timer-less sibling: scheduled purely
// on readiness, serviced once per loop pass, expected to
// do a bounded slice of work and either reschedule itself
// or go dormant until new data arrives. A capacity gate
// lets a resource provider defer an applet without error.
//
// One goroutine runs the whole show. A Sched owns its
// queues outright; nothing here locks, because nothing
// here is shared. Cross-goroutine callers talk to the
// loop over channels (Arm, Cancel, Wake, ScheduleApplet,
// Snapshot), each call completing when the loop has
// actually applied it. Run one Sched per shard if you
// want parallelism; they share nothing.
//
// Callbacks must not block. Nothing else runs until a
// callback returns. That is the entire contract that
// makes the rest of this package simple.
package runq
