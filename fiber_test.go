package polyphony

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResumeValue_OkAndRaise(t *testing.T) {
	ok := Ok(42)
	require.False(t, ok.IsException())
	v, err := SafeTransfer(ok)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := Raise(errTimeoutSentinel)
	require.True(t, boom.IsException())
	_, err = SafeTransfer(boom)
	require.Error(t, err)
}

func TestFiberState_String(t *testing.T) {
	require.Equal(t, "runnable", FiberRunnable.String())
	require.Equal(t, "running", FiberRunning.String())
	require.Equal(t, "waiting", FiberWaiting.String())
	require.Equal(t, "dead", FiberDead.String())
}

func TestFiber_ParkUnparkReplaysQueuedValues(t *testing.T) {
	sched := NewScheduler(&noopBackend{})
	var seen []int
	done := make(chan struct{})

	f := sched.Spawn("parker", func(ctx *FiberCtx) {
		ctx.Fiber.Park()
		for i := 0; i < 3; i++ {
			v, err := Suspend(ctx)
			require.NoError(t, err)
			seen = append(seen, v.(int))
		}
		close(done)
	})

	// Drain the initial schedule from Spawn so the fiber actually runs to
	// its first Suspend before we queue values into its parked state.
	runUntil(t, sched, func() bool { return f.State() == FiberWaiting })

	f.Schedule(Ok(1), false)
	f.Schedule(Ok(2), false)
	f.Schedule(Ok(3), false)
	f.Unpark()

	runUntil(t, sched, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})

	require.Equal(t, []int{1, 2, 3}, seen)
}

// runUntil drives Scheduler.Run-style single steps manually (drain the
// external queue, pop one entry, hand that fiber the token) until cond is
// true, the queue is empty, or a step budget is exhausted, without blocking the whole test on a full Run() (the
// noopBackend never reports outstanding work, so Run would treat an
// empty queue as deadlock before the parked fiber's later Schedule calls
// land).
func runUntil(t *testing.T, sched *Scheduler, cond func() bool) {
	t.Helper()
	for i := 0; i < 1000 && !cond(); i++ {
		sched.drainExternal()
		f, v, ok := sched.runQueue.Pop()
		if !ok {
			return
		}
		f.activate <- v
		<-f.yielded
		if f.State() == FiberDead {
			delete(sched.fibers, f.id)
		}
	}
}

