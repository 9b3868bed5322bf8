package polyphony

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrapSignal_DispatchesOnSchedulerCoordinator(t *testing.T) {
	sched := NewScheduler(noopBackend{})
	sched.Ref() // keep Run alive with no fibers until the signal lands
	runDone := make(chan error, 1)
	go func() { runDone <- sched.Run() }()

	fired := make(chan os.Signal, 1)
	TrapSignal(sched, syscall.SIGUSR1, func(sig os.Signal) {
		fired <- sig
	})
	defer UntrapSignal(syscall.SIGUSR1)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case sig := <-fired:
		require.Equal(t, syscall.SIGUSR1, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler never fired")
	}

	sched.Unref()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never returned after Unref")
	}
}
