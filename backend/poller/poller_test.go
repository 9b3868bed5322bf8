//go:build linux

package poller

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	poly "github.com/paulhenrich/polyphony"
)

func newTestScheduler(t *testing.T) (*poly.Scheduler, *Backend) {
	t.Helper()
	b, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Finalize() })
	return poly.NewScheduler(b), b
}

// TestEcho_ReadLoopSeesConcatenatedStream covers scenario 1: a writer
// fiber sends "abc", "defgh", "\n" over a pipe and a reader fiber, reading
// through ReadLoop with a 2-byte buffer, must see the concatenated stream
// "abcdefgh\n" back out in 2-byte pieces regardless of how the writer
// chunked it.
func TestEcho_ReadLoopSeesConcatenatedStream(t *testing.T) {
	sched, _ := newTestScheduler(t)

	var fds [2]int
	require.NoError(t, syscall.Pipe2(fds[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC))
	r, w := fds[0], fds[1]

	var got []string
	sched.Spawn("writer", func(ctx *poly.FiberCtx) {
		for _, chunk := range []string{"abc", "defgh", "\n"} {
			_, err := poly.Write(ctx, w, []byte(chunk))
			require.NoError(t, err)
		}
		require.NoError(t, syscall.Close(w))
	})
	sched.Spawn("reader", func(ctx *poly.FiberCtx) {
		buf := make([]byte, 2)
		err := poly.ReadLoop(ctx, r, buf, func(chunk []byte) error {
			got = append(got, string(chunk))
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, syscall.Close(r))
	})

	require.NoError(t, sched.Run())
	require.Equal(t, []string{"ab", "cd", "ef", "gh", "\n"}, got)
}

// TestChain_StopsAtFailingMiddleLink covers scenario 5: a 3-op chain whose
// middle op targets a closed fd must surface that op's own errno, and the
// third op must never run.
func TestChain_StopsAtFailingMiddleLink(t *testing.T) {
	sched, b := newTestScheduler(t)

	var good [2]int
	require.NoError(t, syscall.Pipe2(good[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC))
	goodR, goodW := good[0], good[1]
	t.Cleanup(func() {
		syscall.Close(goodR)
		syscall.Close(goodW)
	})

	// The closed pipe is made after the good one, so its freed fd numbers
	// are not handed straight back to the good pipe.
	var fds [2]int
	require.NoError(t, syscall.Pipe2(fds[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC))
	r, w := fds[0], fds[1]
	require.NoError(t, syscall.Close(r))
	require.NoError(t, syscall.Close(w))

	thirdRan := false
	var chainErr error
	sched.Spawn("chainer", func(ctx *poly.FiberCtx) {
		buf := []byte("x")
		_, chainErr = b.Chain(ctx, 3, func(i int) poly.ChainOp {
			switch i {
			case 0:
				return poly.ChainOp{Kind: poly.OpWrite, FD: goodW, Buf: buf}
			case 1:
				return poly.ChainOp{Kind: poly.OpWrite, FD: w, Buf: buf}
			default:
				thirdRan = true
				return poly.ChainOp{Kind: poly.OpWrite, FD: goodW, Buf: buf}
			}
		})
	})

	require.NoError(t, sched.Run())
	require.Error(t, chainErr)
	require.False(t, thirdRan, "third link must not run once the middle link fails")
}

// TestMultishotAccept_HubFeedsPlainAccept covers scenario 4's accept-queue
// contract: while a MultishotAccept loop is active on a listening socket,
// a concurrent plain Accept call on the same socket shifts the next
// connection from the multishot hub instead of racing it for the listen
// backlog, and the multishot loop's own yield never sees that connection.
// A second connection, made after the plain caller is satisfied, is
// consumed directly by the multishot loop, which then stops it. Once both
// fibers finish, no op-context is left outstanding.
func TestMultishotAccept_HubFeedsPlainAccept(t *testing.T) {
	sched, b := newTestScheduler(t)

	listenFD, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM|syscall.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { syscall.Close(listenFD) })
	require.NoError(t, syscall.Bind(listenFD, &syscall.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, syscall.Listen(listenFD, 16))
	sa, err := syscall.Getsockname(listenFD)
	require.NoError(t, err)
	addr := sa.(*syscall.SockaddrInet4)

	var viaYield []int
	var viaPlainAccept int
	var plainErr, multishotErr error

	sched.Spawn("multishot", func(ctx *poly.FiberCtx) {
		n := 0
		multishotErr = b.MultishotAccept(ctx, listenFD, func(fd int) error {
			viaYield = append(viaYield, fd)
			syscall.Close(fd)
			n++
			if n == 1 {
				return errStop{}
			}
			return nil
		})
	})

	sched.Spawn("plain-accept", func(ctx *poly.FiberCtx) {
		fd, err := b.Accept(ctx, listenFD)
		plainErr = err
		viaPlainAccept = fd
		if err == nil {
			syscall.Close(fd)
		}
	})

	dial := func() {
		cfd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM|syscall.SOCK_NONBLOCK, 0)
		require.NoError(t, err)
		defer syscall.Close(cfd)
		_ = syscall.Connect(cfd, &syscall.SockaddrInet4{Port: addr.Port, Addr: addr.Addr})
	}

	// Both dialers run to completion (a nonblocking connect never blocks
	// this goroutine) before the run queue empties and the coordinator
	// ever polls epoll, so both connections already sit in the kernel's
	// FIFO accept backlog by the time the multishot loop wakes: its first
	// successful accept() drains dialer-1's connection and its second
	// drains dialer-2's, in that order.
	sched.Spawn("dialer-1", func(ctx *poly.FiberCtx) { dial() })
	sched.Spawn("dialer-2", func(ctx *poly.FiberCtx) { dial() })

	require.NoError(t, sched.Run())
	require.NoError(t, plainErr)
	require.Greater(t, viaPlainAccept, -1)
	require.Equal(t, errStop{}, multishotErr)
	require.Len(t, viaYield, 1)
	require.Equal(t, 0, b.Outstanding())
}

type errStop struct{}

func (errStop) Error() string { return "stop" }
