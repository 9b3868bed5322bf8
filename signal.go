package polyphony

import (
	"os"
	"os/signal"
	"sync"
)

// SignalHandler is invoked in a fresh fiber of the trapping scheduler,
// started via SpawnAsync, whenever a trapped signal arrives — never
// directly on the OS signal-delivery goroutine. This mirrors the teacher pack's
// CallbackExecutor registry (one global table, registered once, invoked
// indirectly) generalized from Java-callback dispatch to POSIX signal
// dispatch.
type SignalHandler func(sig os.Signal)

type signalRegistry struct {
	mu       sync.Mutex
	handlers map[os.Signal][]SignalHandler
	ch       chan os.Signal
	stop     chan struct{}
	sched    *Scheduler
}

var globalSignalRegistry = &signalRegistry{
	handlers: make(map[os.Signal][]SignalHandler),
}

// TrapSignal registers fn to run (in a new fiber of s, handed over through
// its external queue) whenever sig is delivered to this process. Safe to
// call before or after Run starts. It does not Ref s.
func TrapSignal(s *Scheduler, sig os.Signal, fn SignalHandler) {
	r := globalSignalRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[sig] = append(r.handlers[sig], fn)
	r.sched = s

	if r.ch == nil {
		r.ch = make(chan os.Signal, 16)
		r.stop = make(chan struct{})
		go r.loop()
	}
	signal.Notify(r.ch, sig)
}

// UntrapSignal removes every handler registered for sig and stops the
// process from listening for it.
func UntrapSignal(sig os.Signal) {
	r := globalSignalRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, sig)
	signal.Reset(sig)
}

func (r *signalRegistry) loop() {
	for {
		select {
		case sig := <-r.ch:
			r.dispatch(sig)
		case <-r.stop:
			return
		}
	}
}

func (r *signalRegistry) dispatch(sig os.Signal) {
	r.mu.Lock()
	handlers := append([]SignalHandler(nil), r.handlers[sig]...)
	sched := r.sched
	r.mu.Unlock()

	if sched == nil {
		return
	}
	for _, h := range handlers {
		fn := h
		sched.SpawnAsync("signal-handler", func(ctx *FiberCtx) { fn(sig) })
	}
}

// resetSignalRegistryForFork tears down the shared OS signal channel
// after fork, so the child re-registers against its own process's
// delivery instead of a leftover channel from the parent. Called by
// Scheduler.PostFork.
func resetSignalRegistryForFork() {
	r := globalSignalRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		close(r.stop)
	}
	r.ch = nil
	r.stop = nil
	r.handlers = make(map[os.Signal][]SignalHandler)
}
