package polyphony

import (
	"fmt"
	"sync/atomic"
)

// FiberState is the observable state of a Fiber.
type FiberState int32

const (
	// FiberRunnable means the fiber sits in the scheduler's run queue.
	FiberRunnable FiberState = iota
	// FiberRunning means the fiber currently holds the execution token.
	FiberRunning
	// FiberWaiting means the fiber is suspended and not in the run queue.
	FiberWaiting
	// FiberDead is terminal: the fiber cannot be resumed again.
	FiberDead
)

func (s FiberState) String() string {
	switch s {
	case FiberRunnable:
		return "runnable"
	case FiberRunning:
		return "running"
	case FiberWaiting:
		return "waiting"
	case FiberDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ResumeValue is the value (or exception) delivered to a fiber when it is
// resumed. It collapses the run queue's (resume-value, is-exception?) pair
// from the spec's data model into one value, since Go's channels carry a
// single type.
type ResumeValue struct {
	Value any
	Err   error
}

// Ok builds a successful ResumeValue.
func Ok(v any) ResumeValue { return ResumeValue{Value: v} }

// Raise builds a ResumeValue that carries an exception; SafeTransfer
// converts it back into a returned error at the receiving fiber.
func Raise(err error) ResumeValue { return ResumeValue{Err: err} }

// IsException reports whether this resume value represents a cancellation
// or error delivered to the resumed fiber.
func (r ResumeValue) IsException() bool { return r.Err != nil }

var fiberIDCounter int64

// Fiber is an opaque, cooperatively-switched execution context. Exactly one
// Fiber per goroutine; the goroutine blocks on activate until the scheduler
// hands it the token.
type Fiber struct {
	id    int64
	name  string
	state atomic.Int32

	scheduler *Scheduler
	activate  chan ResumeValue // coordinator -> fiber: wake with this value
	yielded   chan struct{}    // fiber -> coordinator: I have suspended (or died)

	// awaiting is the op-context this fiber is currently blocked on, if
	// any. Set by the op surface before yielding, cleared on resumption.
	awaiting atomic.Pointer[OpContext]

	// parked fibers are excluded from the normal wake path: a Schedule
	// call against a parked fiber is queued in parkedQueue instead of
	// the run queue, and does not count toward deadlock detection.
	parked      atomic.Bool
	parkedQueue []ResumeValue
}

func newFiber(name string, scheduler *Scheduler) *Fiber {
	f := &Fiber{
		id:        atomic.AddInt64(&fiberIDCounter, 1),
		name:      name,
		scheduler: scheduler,
		activate:  make(chan ResumeValue, 1),
		yielded:   make(chan struct{}, 1),
	}
	f.state.Store(int32(FiberRunnable))
	return f
}

// ID returns the fiber's unique, process-lifetime identifier.
func (f *Fiber) ID() int64 { return f.id }

// Name returns the fiber's diagnostic name.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current observable state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

func (f *Fiber) setState(s FiberState) { f.state.Store(int32(s)) }

// IsAlive reports whether the fiber has not yet reached FiberDead.
func (f *Fiber) IsAlive() bool { return f.State() != FiberDead }

// SchedulerOf returns the Scheduler the fiber belongs to, for backends
// that only hold onto a *Fiber (e.g. via an OpContext) and need to route
// a completion back through ScheduleCompletion/SchedulePriority.
func (f *Fiber) SchedulerOf() *Scheduler { return f.scheduler }

// SetAwaiting records (or clears, with nil) the op-context this fiber is
// currently blocked on. Backends call this around every suspend so
// Fiber.Awaiting can report it for diagnostics and cancellation.
func (f *Fiber) SetAwaiting(ctx *OpContext) { f.awaiting.Store(ctx) }

// Awaiting returns the op-context the fiber is currently blocked on, or
// nil if it isn't blocked on one.
func (f *Fiber) Awaiting() *OpContext { return f.awaiting.Load() }

// Schedule appends the fiber to the scheduler's run queue with the given
// resume value, or prepends it when prioritize is true. If the fiber is
// parked, the value is routed to its parked queue instead and no wake-up
// is performed; a later Unpark replays the queued values.
func (f *Fiber) Schedule(value ResumeValue, prioritize bool) {
	if f.parked.Load() {
		f.parkedQueue = append(f.parkedQueue, value)
		return
	}
	f.scheduler.schedule(f, value, prioritize)
}

// SafeTransfer converts a resume value into Go's (value, error) form: when
// the value carries an exception it is returned as an error instead of a
// value. It does not switch fibers itself; Suspend applies it to the value
// the suspended fiber was resumed with.
func SafeTransfer(rv ResumeValue) (any, error) {
	if rv.IsException() {
		return nil, rv.Err
	}
	return rv.Value, nil
}

func (f *Fiber) String() string {
	return fmt.Sprintf("Fiber[%d:%s:%s]", f.id, f.name, f.State())
}

// Park excludes the fiber from the normal wake path until Unpark is
// called.
func (f *Fiber) Park() { f.parked.Store(true) }

// Unpark re-admits the fiber to the normal wake path and replays any
// resume values queued while it was parked, in order, as prioritized
// schedules (so a parked fiber catches up before anything scheduled after
// it unparked).
func (f *Fiber) Unpark() {
	f.parked.Store(false)
	queued := f.parkedQueue
	f.parkedQueue = nil
	for _, rv := range queued {
		f.scheduler.schedule(f, rv, true)
	}
}
