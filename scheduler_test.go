package polyphony

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paulhenrich/polyphony/metrics"
)

func TestScheduler_RunReturnsNilOnNaturalTermination(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	var ran bool
	sched.Spawn("solo", func(ctx *FiberCtx) {
		ran = true
	})
	require.NoError(t, sched.Run())
	require.True(t, ran)
}

func TestScheduler_RunDetectsDeadlock(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	sched.Spawn("stuck", func(ctx *FiberCtx) {
		Suspend(ctx) // nobody will ever schedule this fiber again
	})
	err := sched.Run()
	require.Error(t, err)
	var de DeadlockError
	require.ErrorAs(t, err, &de)
}

func TestScheduler_RefPreventsDeadlockDetection(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	sched.Ref()
	f := sched.Spawn("waits", func(ctx *FiberCtx) {
		Suspend(ctx)
	})

	done := make(chan error, 1)
	go func() { done <- sched.Run() }()

	// give Run a moment to reach the poll/deadlock-check branch, then
	// release it by scheduling the waiting fiber and dropping the ref.
	time.Sleep(20 * time.Millisecond)
	sched.ScheduleAsync(f, Ok(nil), true)
	sched.Unref()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler never returned")
	}
}

func TestScheduler_SnoozeYieldsToOtherRunnableFibers(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	var order []string

	sched.Spawn("a", func(ctx *FiberCtx) {
		order = append(order, "a1")
		Snooze(ctx)
		order = append(order, "a2")
	})
	sched.Spawn("b", func(ctx *FiberCtx) {
		order = append(order, "b1")
	})

	require.NoError(t, sched.Run())
	require.Equal(t, []string{"a1", "b1", "a2"}, order)
}

func TestScheduler_ScheduleAsyncDeliversAcrossGoroutines(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	// noopBackend reports no outstanding ops, so the ref keeps Run polling
	// instead of reporting a deadlock until the goroutine below delivers.
	sched.Ref()
	result := make(chan int, 1)

	f := sched.Spawn("waiter", func(ctx *FiberCtx) {
		v, err := Suspend(ctx)
		require.NoError(t, err)
		ctx.Scheduler.Unref()
		result <- v.(int)
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		sched.ScheduleAsync(f, Ok(99), true)
	}()

	require.NoError(t, sched.Run())
	require.Equal(t, 99, <-result)
}

func TestScheduler_SetMetricsWiresCounters(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	p := metrics.NewBasicProvider()
	sched.SetMetrics(p)
	sched.Spawn("one", func(ctx *FiberCtx) {})
	require.NoError(t, sched.Run())
	stats := sched.Stats()
	require.GreaterOrEqual(t, stats.SwitchCount, int64(1))
	switches := p.Counter("polyphony_switch_count").(*metrics.BasicCounter)
	require.Equal(t, stats.SwitchCount, switches.Snapshot())
}
