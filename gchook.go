package polyphony

import "runtime/debug"

// idleGCHook is called by the scheduler when it is about to poll with an
// empty run queue and idle_gc_period has passed since the hook last ran,
// adapted from the teacher pack's heap allocation-threshold GC trigger
// (runtime.Heap.GC): there it fired when allocated bytes crossed a
// threshold, here it fires when elapsed wall-clock time crosses one. Overridable for tests or embedders with their own
// collector.
var idleGCHook = func() { debug.FreeOSMemory() }

// SetIdleGCHook overrides the function triggerIdleGC invokes; primarily
// for tests that want to observe the hook firing without forcing a real
// GC pass.
func SetIdleGCHook(fn func()) { idleGCHook = fn }

func triggerIdleGC() { idleGCHook() }
