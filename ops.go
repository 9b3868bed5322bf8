package polyphony

import (
	"syscall"
	"time"
)

// Read reads up to len(buf) bytes into buf, suspending the caller until
// the kernel completes the read. It returns (0, nil) on EOF with zero
// bytes read, matching spec §4.5's "Nothing if total is zero" for the
// single-shot form (see ReadLoop for the to_eof variant).
func Read(ctx *FiberCtx, fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, newArgumentError("read: buffer length must be > 0")
	}
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Read(ctx, fd, buf)
}

// Write writes all of buf, looping internally on short writes.
func Write(ctx *FiberCtx, fd int, buf []byte) (int, error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Write(ctx, fd, buf)
}

// Writev writes multiple buffers as if concatenated, looping per buffer.
// Variadic form of Write named in spec §6 ("write (variadic -> single or
// writev)").
func Writev(ctx *FiberCtx, fd int, bufs ...[]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := Write(ctx, fd, b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Recv receives up to len(buf) bytes from a socket.
func Recv(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error) {
	if len(buf) == 0 {
		return 0, newArgumentError("recv: buffer length must be > 0")
	}
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Recv(ctx, fd, buf, flags)
}

// RecvMsg receives a message with ancillary data and source address.
func RecvMsg(ctx *FiberCtx, fd int, buf, oob []byte, flags int) (n, oobn, recvFlags int, from syscall.Sockaddr, err error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().RecvMsg(ctx, fd, buf, oob, flags)
}

// Send sends buf on a socket.
func Send(ctx *FiberCtx, fd int, buf []byte, flags int) (int, error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Send(ctx, fd, buf, flags)
}

// SendMsg sends a message with ancillary data and destination address.
func SendMsg(ctx *FiberCtx, fd int, buf, oob []byte, to syscall.Sockaddr, flags int) (n, oobn, sentFlags int, err error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().SendMsg(ctx, fd, buf, oob, to, flags)
}

// Accept accepts a single connection on listenFD. If a multishot-accept
// queue is active on the socket the backend shifts the next fd from it
// instead of issuing a fresh submission.
func Accept(ctx *FiberCtx, listenFD int) (int, error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Accept(ctx, listenFD)
}

// AcceptLoop calls yield with each accepted fd until yield returns an
// error or the fiber is cancelled.
func AcceptLoop(ctx *FiberCtx, listenFD int, yield func(fd int) error) error {
	return ctx.Scheduler.Backend().AcceptLoop(ctx, listenFD, yield)
}

// MultishotAccept installs a multishot-accept queue on listenFD and calls
// yield with each accepted fd as it arrives; cleanup cancels the
// multishot submission when yield returns or the fiber unwinds.
func MultishotAccept(ctx *FiberCtx, listenFD int, yield func(fd int) error) error {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().MultishotAccept(ctx, listenFD, yield)
}

// Connect connects fd to addr.
func Connect(ctx *FiberCtx, fd int, addr syscall.Sockaddr) error {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Connect(ctx, fd, addr)
}

// Close closes fd through the backend: the io_uring backend submits a
// close op through the ring, the epoll backend drops any watcher armed on
// fd and closes it directly. Neither cancels outstanding ops on fd first.
func Close(ctx *FiberCtx, fd int) error {
	return ctx.Scheduler.Backend().Close(ctx, fd)
}

// Splice moves up to maxlen bytes from src to dst without copying through
// user space. maxlen < 0 splices repeatedly to EOF, returning the total.
func Splice(ctx *FiberCtx, src, dst int, maxlen int64) (int64, error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Splice(ctx, src, dst, maxlen)
}

// Sleep suspends the calling fiber for d.
func Sleep(ctx *FiberCtx, d time.Duration) error {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Sleep(ctx, d)
}

// Waitpid opens a pidfd for pid, awaits it becoming readable, then reaps
// it non-blockingly.
func Waitpid(ctx *FiberCtx, pid int) (int, syscall.WaitStatus, error) {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Waitpid(ctx, pid)
}

// WaitEvent reads from the backend's internal wakeup pipe, so it returns
// once a Wakeup has written to it. There is no eventfd and no poll context
// shared between waiters.
func WaitEvent(ctx *FiberCtx) error {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().WaitEvent(ctx)
}

// WaitIO blocks until fd becomes ready for interest, without performing
// any I/O itself.
func WaitIO(ctx *FiberCtx, fd int, interest Interest) error {
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().WaitIO(ctx, fd, interest)
}

// Chain submits n linked operations prepared by prep, sharing a single
// op-context; on the first non-success the kernel cancels the remaining
// links and Chain returns that link's result.
func Chain(ctx *FiberCtx, n int, prep ChainPrepFunc) (int32, error) {
	if n < 2 {
		return 0, newArgumentError("chain: need at least 2 ops, got %d", n)
	}
	ctx.Scheduler.RecordOp()
	return ctx.Scheduler.Backend().Chain(ctx, n, prep)
}
