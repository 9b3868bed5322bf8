package polyphony

import (
	"syscall"
	"time"
)

// noopBackend is a Backend that never completes anything on its own; it
// exists so root-package tests can drive the scheduler's fiber/run-queue
// machinery without a real kernel I/O backend. Every op method returns at
// once with a trivial result and never parks the caller; tests park and
// resume fibers directly via Suspend/Fiber.Schedule/Scheduler internals
// instead of relying on completions.
type noopBackend struct{}

func (noopBackend) Kind() BackendKind { return KindPoller }
func (noopBackend) Poll(blocking bool) error {
	if blocking {
		// stands in for a real blocking kernel wait so Run doesn't busy-spin
		// while a test holds the scheduler alive with Ref() and nothing else
		// to do.
		time.Sleep(time.Millisecond)
	}
	return nil
}
func (noopBackend) Wakeup()                  {}
func (noopBackend) Outstanding() int         { return 0 }
func (noopBackend) PostFork() error          { return nil }
func (noopBackend) Finalize() error          { return nil }

func (noopBackend) Read(ctx *FiberCtx, fd int, buf []byte) (int, error)  { return 0, nil }
func (noopBackend) Write(ctx *FiberCtx, fd int, buf []byte) (int, error) { return len(buf), nil }
func (noopBackend) Recv(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error) {
	return 0, nil
}
func (noopBackend) RecvMsg(ctx *FiberCtx, fd int, buf, oob []byte, flags int) (int, int, int, syscall.Sockaddr, error) {
	return 0, 0, 0, nil, nil
}
func (noopBackend) Send(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error) {
	return len(buf), nil
}
func (noopBackend) SendMsg(ctx *FiberCtx, fd int, buf, oob []byte, to syscall.Sockaddr, flags int) (int, int, int, error) {
	return len(buf), 0, 0, nil
}
func (noopBackend) Accept(ctx *FiberCtx, listenFD int) (int, error) { return -1, nil }
func (noopBackend) AcceptLoop(ctx *FiberCtx, listenFD int, yield func(fd int) error) error {
	return nil
}
func (noopBackend) MultishotAccept(ctx *FiberCtx, listenFD int, yield func(fd int) error) error {
	return nil
}
func (noopBackend) Connect(ctx *FiberCtx, fd int, addr syscall.Sockaddr) error { return nil }
func (noopBackend) Close(ctx *FiberCtx, fd int) error                         { return nil }
func (noopBackend) Splice(ctx *FiberCtx, srcFD, dstFD int, maxlen int64) (int64, error) {
	return 0, nil
}
func (noopBackend) Timeout(ctx *FiberCtx, d time.Duration) (cancel func()) { return func() {} }
func (noopBackend) Sleep(ctx *FiberCtx, d time.Duration) error             { return nil }
func (noopBackend) Waitpid(ctx *FiberCtx, pid int) (int, syscall.WaitStatus, error) {
	return 0, 0, nil
}
func (noopBackend) WaitEvent(ctx *FiberCtx) error                            { return nil }
func (noopBackend) WaitIO(ctx *FiberCtx, fd int, interest Interest) error    { return nil }
func (noopBackend) Chain(ctx *FiberCtx, n int, prep ChainPrepFunc) (int32, error) {
	return 0, nil
}
