package polyphony

import (
	"sync"
	"time"

	"github.com/paulhenrich/polyphony/metrics"
)

// Scheduler owns the one run queue, one op-context store (indirectly, via
// its Backend) and the one blocking syscall an OS thread performs. Fibers
// never migrate between Schedulers.
//
// Concurrency model: the goroutine that calls Run is the only goroutine
// that ever touches runQueue or s.fibers directly — it hands the token to
// exactly one fiber goroutine at a time via that fiber's activate channel
// and blocks on that fiber's yielded channel until it suspends or dies,
// so at most one fiber's user code (including the coordinator itself
// between hand-offs) ever runs concurrently. The only exception is
// asynchronous wake-ups from outside this goroutine set (signal handlers,
// Wakeup called from another OS thread); those go through the
// mutex-guarded external queue and are drained at the top of every loop
// iteration.
type Scheduler struct {
	backend  Backend
	runQueue *RunQueue
	fibers   map[int64]*Fiber

	refCount int

	idleGCPeriod time.Duration
	lastIdleGC   time.Time
	idleProc     func()

	traceProc TraceProc

	metrics       metrics.Provider
	pollCounter   metrics.Counter
	opCounter     metrics.Counter
	switchCounter metrics.Counter
	runqueueGauge metrics.Gauge

	pollCount, opCount, switchCount int64

	// LockHook/UnlockHook are called around the single blocking wait, the
	// Go stand-in for "release the host-runtime lock" (spec §5) when this
	// runtime is embedded inside a host that has its own global lock.
	// Both default to no-ops.
	LockHook, UnlockHook func()

	externalMu    sync.Mutex
	externalQueue []runEntry
}

// NewScheduler constructs a Scheduler bound to backend.
func NewScheduler(backend Backend) *Scheduler {
	return &Scheduler{
		backend:    backend,
		runQueue:   NewRunQueue(),
		fibers:     make(map[int64]*Fiber),
		metrics:    metrics.NoopProvider{},
		LockHook:   func() {},
		UnlockHook: func() {},
	}
}

// Backend returns the scheduler's attached backend.
func (s *Scheduler) Backend() Backend { return s.backend }

// Kind returns the backend discriminator.
func (s *Scheduler) Kind() BackendKind { return s.backend.Kind() }

// SetIdleGCPeriod sets the minimum time between runs of the idle-GC hook.
// The hook is only considered when Run is about to poll with an empty run
// queue; the first such poll starts the clock without running it.
func (s *Scheduler) SetIdleGCPeriod(d time.Duration) { s.idleGCPeriod = d }

// SetIdleProc installs a hook invoked whenever Run has to poll the backend
// because the run queue is empty.
func (s *Scheduler) SetIdleProc(fn func()) { s.idleProc = fn }

// Spawn creates a new fiber running fn and schedules it immediately. fn
// receives the FiberCtx it must thread through every op call. Spawn may
// be called from outside any fiber (before Run starts) or from within a
// currently-running fiber.
func (s *Scheduler) Spawn(name string, fn func(ctx *FiberCtx)) *Fiber {
	f := newFiber(name, s)
	s.fibers[f.id] = f
	ctx := &FiberCtx{Fiber: f, Scheduler: s}

	go func() {
		<-f.activate
		f.setState(FiberRunning)
		fn(ctx)
		f.setState(FiberDead)
		f.yielded <- struct{}{}
	}()

	s.schedule(f, ResumeValue{}, false)
	return f
}

// SpawnAsync is Spawn's counterpart for goroutines outside the cooperative
// fiber set entirely — a signal handler, a time.AfterFunc, another OS
// thread — that must not touch s.fibers or runQueue directly (see the
// Scheduler doc comment). It starts the fiber's goroutine here exactly as
// Spawn does, but defers registering it into s.fibers to the coordinator's
// next drainExternal by queuing a register entry instead of writing the
// map itself.
func (s *Scheduler) SpawnAsync(name string, fn func(ctx *FiberCtx)) *Fiber {
	f := newFiber(name, s)
	ctx := &FiberCtx{Fiber: f, Scheduler: s}

	go func() {
		<-f.activate
		f.setState(FiberRunning)
		fn(ctx)
		f.setState(FiberDead)
		f.yielded <- struct{}{}
	}()

	s.externalMu.Lock()
	s.externalQueue = append(s.externalQueue, runEntry{fiber: f, value: ResumeValue{}, register: true})
	s.externalMu.Unlock()
	s.backend.Wakeup()
	return f
}

// schedule is Scheduler's half of Fiber.Schedule: push into the run queue
// (head if prioritized). Must only be called from the coordinator
// goroutine or from the currently-activated fiber's own goroutine — see
// the Scheduler doc comment. Anything else must go through ScheduleAsync.
func (s *Scheduler) schedule(f *Fiber, value ResumeValue, prioritize bool) {
	s.runQueue.Push(f, value, prioritize)
	if f.State() != FiberRunning {
		f.setState(FiberRunnable)
	}
	s.trace(TraceSchedule, f)
	if s.runqueueGauge != nil {
		s.runqueueGauge.Set(int64(s.runQueue.Len()))
	}
}

// ScheduleCompletion is how a Backend reports an ordinary (non-priority)
// completion while draining events inside Poll, preserving ring order.
func (s *Scheduler) ScheduleCompletion(f *Fiber, v ResumeValue) { s.schedule(f, v, false) }

// SchedulePriority is how a Backend or the timer/signal machinery reports
// a completion that must run before anything already queued (timeout
// firing, wakeup, signal delivery).
func (s *Scheduler) SchedulePriority(f *Fiber, v ResumeValue) { s.schedule(f, v, true) }

// ScheduleAsync is safe to call from any goroutine, including one outside
// the cooperative fiber set (a signal handler, a timer started with
// time.AfterFunc, another OS thread). It queues the entry for the
// coordinator to apply at the top of its next loop iteration and wakes a
// blocking Poll so the hand-off isn't delayed.
func (s *Scheduler) ScheduleAsync(f *Fiber, v ResumeValue, prioritize bool) {
	s.externalMu.Lock()
	s.externalQueue = append(s.externalQueue, runEntry{fiber: f, value: v})
	_ = prioritize // external entries are applied in arrival order; see drainExternal
	s.externalMu.Unlock()
	s.backend.Wakeup()
}

func (s *Scheduler) drainExternal() {
	s.externalMu.Lock()
	pending := s.externalQueue
	s.externalQueue = nil
	s.externalMu.Unlock()
	for _, e := range pending {
		if e.register {
			s.fibers[e.fiber.id] = e.fiber
		}
		s.schedule(e.fiber, e.value, true)
	}
}

// Delete removes a pending fiber from the run queue (used when cancelling
// a fiber that is merely queued, not yet suspended awaiting an op).
func (s *Scheduler) Delete(f *Fiber) bool { return s.runQueue.Delete(f) }

// Park suspends the calling fiber until some future schedule call wakes
// it, and returns the resume value it was woken with. Every blocking
// operation in the op surface — and Snooze/Suspend — bottoms out here; it
// is the one place a fiber goroutine hands the token back to the
// coordinator.
func (s *Scheduler) Park(f *Fiber) ResumeValue {
	f.setState(FiberWaiting)
	f.yielded <- struct{}{}
	v := <-f.activate
	f.setState(FiberRunning)
	return v
}

// Snooze reschedules the calling fiber at the tail of the run queue and
// yields: every currently-runnable fiber runs before the snoozer resumes.
func Snooze(ctx *FiberCtx) {
	ctx.Fiber.Schedule(ResumeValue{}, false)
	ctx.Scheduler.Park(ctx.Fiber)
}

// Suspend yields without self-scheduling: only another fiber calling
// Fiber.Schedule against this one can resume it.
func Suspend(ctx *FiberCtx) (any, error) {
	rv := ctx.Scheduler.Park(ctx.Fiber)
	return SafeTransfer(rv)
}

// Ref marks the scheduler as having one more reason to stay alive even
// with an empty run queue and no outstanding ops (e.g. a long-lived
// external resource the embedder doesn't want treated as a deadlock).
func (s *Scheduler) Ref() { s.refCount++ }

// Unref reverses a prior Ref.
func (s *Scheduler) Unref() {
	if s.refCount > 0 {
		s.refCount--
	}
}

// Wakeup unblocks a currently-polling backend without running any op.
func (s *Scheduler) Wakeup() { s.backend.Wakeup() }

// RecordOp increments the op_count stat; the op wrappers in ops.go call
// this once per operation they hand to the backend.
func (s *Scheduler) RecordOp() {
	s.opCount++
	if s.opCounter != nil {
		s.opCounter.Add(1)
	}
}

// Run is the coordinator loop: it hands the token to runnable fibers one
// at a time until none remain, polling the backend when the queue runs
// dry, and returns a DeadlockError if the queue empties out while a fiber
// is still alive but nothing (run queue, backend) can ever wake it.
func (s *Scheduler) Run() error {
	for {
		s.drainExternal()

		f, value, ok := s.runQueue.Pop()
		if !ok {
			if len(s.fibers) == 0 && s.refCount <= 0 {
				return nil
			}

			if s.idleProc != nil {
				s.idleProc()
			}
			s.maybeIdleGC()

			s.trace(TraceEnterPoll, nil)
			s.LockHook()
			_ = s.backend.Poll(true)
			s.UnlockHook()
			s.trace(TraceLeavePoll, nil)

			s.pollCount++
			if s.pollCounter != nil {
				s.pollCounter.Add(1)
			}

			s.drainExternal()

			if len(s.fibers) > 0 && s.runQueue.Len() == 0 && s.backend.Outstanding() == 0 && s.refCount <= 0 {
				return DeadlockError{}
			}
			continue
		}

		s.switchCount++
		if s.switchCounter != nil {
			s.switchCounter.Add(1)
		}
		s.trace(TraceSwitch, f)
		s.trace(TraceUnblock, f)

		f.activate <- value
		<-f.yielded

		if f.State() == FiberDead {
			delete(s.fibers, f.id)
		}
	}
}

// PostFork reinitializes scheduler-owned state after fork: the run queue
// and fiber table are cleared (outstanding parent operations are
// abandoned) and the backend is asked to do the same for its ring/epoll
// fd and op-context store.
func (s *Scheduler) PostFork() error {
	s.runQueue = NewRunQueue()
	s.fibers = make(map[int64]*Fiber)
	s.pollCount, s.opCount, s.switchCount = 0, 0, 0
	resetSignalRegistryForFork()
	return s.backend.PostFork()
}

// Finalize releases scheduler-owned kernel resources.
func (s *Scheduler) Finalize() error { return s.backend.Finalize() }

func (s *Scheduler) maybeIdleGC() {
	if s.idleGCPeriod <= 0 {
		return
	}
	now := time.Now()
	if s.lastIdleGC.IsZero() {
		s.lastIdleGC = now
		return
	}
	if now.Sub(s.lastIdleGC) >= s.idleGCPeriod {
		s.lastIdleGC = now
		triggerIdleGC()
	}
}
