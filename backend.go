package polyphony

import (
	"syscall"
	"time"
)

// BackendKind discriminates the two supported backends, per spec §6
// ("kind returns either io_uring or libev").
type BackendKind int

const (
	KindIOURing BackendKind = iota
	KindPoller
)

func (k BackendKind) String() string {
	switch k {
	case KindIOURing:
		return "io_uring"
	case KindPoller:
		return "libev"
	default:
		return "unknown"
	}
}

// Interest is a watcher's readiness interest: read, write, or both.
type Interest int

const (
	IntR Interest = iota
	IntW
	IntRW
)

// ParseInterest maps the symbol-like tags "r", "w", "rw" to an Interest,
// raising ArgumentError on anything else (spec §9).
func ParseInterest(tag string) (Interest, error) {
	switch tag {
	case "r":
		return IntR, nil
	case "w":
		return IntW, nil
	case "rw":
		return IntRW, nil
	default:
		return 0, newArgumentError("invalid interest tag %q, want one of \"r\", \"w\", \"rw\"", tag)
	}
}

// FiberCtx is the handle a fiber receives when spawned. Every op in the
// external interface (§6) takes one explicitly, standing in for the
// implicit "current fiber" spec.md assumes — Go has no fiber-local
// storage, so the handle is threaded through call sites instead.
type FiberCtx struct {
	Fiber     *Fiber
	Scheduler *Scheduler
}

// Backend is the kernel-I/O adapter interface spec §9 calls for:
// "represent as a trait/interface Backend with the operations in §6;
// construct the appropriate implementation at process start." Both
// backend/uring and backend/poller implement it; composite ops
// (double_splice, splice_chunks, *_loop, tee, sendv, timer_loop) are built
// once in the root package purely on top of this interface and are not
// part of it.
type Backend interface {
	Kind() BackendKind

	// Poll drains one round of completions/readiness events, scheduling
	// the fibers they unblock. When blocking is true it performs the
	// thread's one blocking kernel wait if the run queue offered nothing
	// else to do.
	Poll(blocking bool) error

	// Wakeup unblocks a currently-blocking Poll without running any op.
	Wakeup()

	// Outstanding returns the number of live op-contexts, consulted by
	// the switcher's deadlock check.
	Outstanding() int

	PostFork() error
	Finalize() error

	Read(ctx *FiberCtx, fd int, buf []byte) (int, error)
	Write(ctx *FiberCtx, fd int, buf []byte) (int, error)
	Recv(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error)
	RecvMsg(ctx *FiberCtx, fd int, buf, oob []byte, flags int) (n, oobn, recvFlags int, from syscall.Sockaddr, err error)
	Send(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error)
	SendMsg(ctx *FiberCtx, fd int, buf, oob []byte, to syscall.Sockaddr, flags int) (n, oobn, sentFlags int, err error)

	Accept(ctx *FiberCtx, listenFD int) (int, error)
	AcceptLoop(ctx *FiberCtx, listenFD int, yield func(fd int) error) error
	MultishotAccept(ctx *FiberCtx, listenFD int, yield func(fd int) error) error
	Connect(ctx *FiberCtx, fd int, addr syscall.Sockaddr) error
	Close(ctx *FiberCtx, fd int) error

	Splice(ctx *FiberCtx, srcFD, dstFD int, maxlen int64) (int64, error)

	// Timeout submits a timeout that, if not cancelled first, resumes
	// ctx.Fiber with the internal timeout sentinel after d elapses. The
	// returned cancel func is idempotent.
	Timeout(ctx *FiberCtx, d time.Duration) (cancel func())

	Sleep(ctx *FiberCtx, d time.Duration) error
	Waitpid(ctx *FiberCtx, pid int) (exitPid int, status syscall.WaitStatus, err error)
	WaitEvent(ctx *FiberCtx) error
	WaitIO(ctx *FiberCtx, fd int, interest Interest) error

	// Chain submits n linked operations sharing one op-context; prep
	// populates submission i. Returns the final kernel result.
	Chain(ctx *FiberCtx, n int, prep ChainPrepFunc) (int32, error)
}

// ChainPrepFunc populates the i'th link of a Chain call (0-indexed,
// i == n-1 for the last, unlinked, entry).
type ChainPrepFunc func(i int) ChainOp

// ChainOp names which primitive a chained link performs and its
// arguments; backends translate it into their own submission shape.
type ChainOp struct {
	Kind OpKind
	FD   int
	FD2  int // destination fd for splice-shaped links
	Buf  []byte
	Len  int64
}
