// Package poller implements polyphony.Backend as a readiness-based event
// loop over Linux epoll, the portable path for kernels or container
// sandboxes where io_uring is unavailable or restricted. Every blocking
// call attempts the nonblocking syscall first and only arms a one-shot
// epoll watcher on EAGAIN, the same try-then-watch shape the pack's
// epoll-backed event loop examples use for their I/O poller phase.
package poller

import (
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	poly "github.com/paulhenrich/polyphony"
)

const maxEvents = 256

type watcher struct {
	fd       int
	interest poly.Interest
	ctx      *poly.OpContext
}

// Backend is the epoll-backed polyphony.Backend.
type Backend struct {
	epfd int

	mu       sync.Mutex
	store    *poly.OpStore
	watchers map[int]*watcher // keyed by fd; one-shot, re-armed per wait

	acceptHubs map[int]*acceptHub

	timers   timerHeap
	timersMu sync.Mutex

	wakeupR, wakeupW int
}

// New creates an epoll-backed Backend.
func New() (*Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := syscall.Pipe2(fds[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &Backend{
		epfd:       epfd,
		store:      poly.NewOpStore(),
		watchers:   make(map[int]*watcher),
		acceptHubs: make(map[int]*acceptHub),
		wakeupR:    fds[0],
		wakeupW:    fds[1],
	}
	if err := b.armRaw(b.wakeupR, poly.IntR); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Kind() poly.BackendKind { return poly.KindPoller }

func (b *Backend) Outstanding() int { return b.store.Outstanding() }

func (b *Backend) Wakeup() {
	var one = [1]byte{1}
	_, _ = syscall.Write(b.wakeupW, one[:])
}

func epollEvents(i poly.Interest) uint32 {
	switch i {
	case poly.IntR:
		return unix.EPOLLIN
	case poly.IntW:
		return unix.EPOLLOUT
	default:
		return unix.EPOLLIN | unix.EPOLLOUT
	}
}

// armRaw registers fd for one-shot readiness with no owning op-context,
// used only for the backend's own wakeup pipe.
func (b *Backend) armRaw(fd int, interest poly.Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest) | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *Backend) arm(fd int, interest poly.Interest, ctx *poly.OpContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &watcher{fd: fd, interest: interest, ctx: ctx}
	op := unix.EPOLL_CTL_ADD
	if _, exists := b.watchers[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}
	b.watchers[fd] = w
	ev := unix.EpollEvent{Events: epollEvents(interest) | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, op, fd, &ev)
}

func (b *Backend) disarm(fd int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.watchers[fd]; exists {
		delete(b.watchers, fd)
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// Poll waits for ready descriptors and timers, scheduling every fiber a
// readiness event or a fired timer unblocks.
func (b *Backend) Poll(blocking bool) error {
	timeout := b.nextTimerDeadline()
	if !blocking {
		timeout = 0
	}

	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], timeout)
	if err != nil && err != unix.EINTR {
		return err
	}

	for i := 0; i < n; i++ {
		b.handleEvent(events[i])
	}

	b.fireExpiredTimers()
	return nil
}

func (b *Backend) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if fd == b.wakeupR {
		var buf [64]byte
		for {
			_, err := syscall.Read(b.wakeupR, buf[:])
			if err != nil {
				break
			}
		}
		_ = b.armRaw(b.wakeupR, poly.IntR)
		return
	}

	b.mu.Lock()
	w, ok := b.watchers[fd]
	if ok {
		delete(b.watchers, fd)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	if w.ctx == nil || w.ctx.Fiber == nil {
		return
	}
	sched := w.ctx.Fiber.SchedulerOf()
	// Only schedule when the fiber is still alive and still actually
	// awaiting this exact context: a fiber that unwound for some other
	// reason already cleared Awaiting and released its own half, so a
	// late readiness event here must not resume a dead or already-moved-
	// on fiber (see waitReady).
	if w.ctx.Fiber.IsAlive() && w.ctx.Fiber.Awaiting() == w.ctx {
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			sched.ScheduleCompletion(w.ctx.Fiber, poly.Raise(poly.NewSystemError("poll", -int32(syscall.EIO))))
		} else {
			sched.ScheduleCompletion(w.ctx.Fiber, poly.Ok(int32(0)))
		}
	}
	w.ctx.Release()
}

// waitReady arms fd for interest and parks the calling fiber until it is
// reported ready (or erroring).
func (b *Backend) waitReady(ctx *poly.FiberCtx, fd int, interest poly.Interest) error {
	opCtx := b.store.Acquire(poly.OpPoll, ctx.Fiber)
	ctx.Fiber.SetAwaiting(opCtx)
	if err := b.arm(fd, interest, opCtx); err != nil {
		ctx.Fiber.SetAwaiting(nil)
		// arm failed before the backend ever took ownership: no
		// completion will ever arrive to release the other half, so
		// release both here instead of leaking the slot.
		opCtx.Release()
		opCtx.Release()
		return err
	}
	_, err := poly.Suspend(ctx)
	ctx.Fiber.SetAwaiting(nil)
	if opCtx.RefCount == 2 {
		// handleEvent hasn't fired yet, so this wake-up came from
		// elsewhere. Disarming means handleEvent will now never run for
		// this context, so its matching release is never coming either
		// — take both halves ourselves instead of leaking the slot.
		b.disarm(fd)
		opCtx.Release()
	}
	opCtx.Release()
	return err
}

// retryLoop runs the standard nonblocking-then-arm-then-retry dance spec
// §4.4 describes for the readiness backend: attempt op, and on EAGAIN
// wait for interest before retrying.
func retryLoop[T any](b *Backend, ctx *poly.FiberCtx, fd int, interest poly.Interest, attempt func() (T, error)) (T, error) {
	for {
		v, err := attempt()
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			if werr := b.waitReady(ctx, fd, interest); werr != nil {
				return v, werr
			}
			continue
		}
		return v, err
	}
}

func (b *Backend) Read(ctx *poly.FiberCtx, fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return retryLoop(b, ctx, fd, poly.IntR, func() (int, error) {
		return syscall.Read(fd, buf)
	})
}

func (b *Backend) Write(ctx *poly.FiberCtx, fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := retryLoop(b, ctx, fd, poly.IntW, func() (int, error) {
			return syscall.Write(fd, buf[total:])
		})
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

func (b *Backend) Recv(ctx *poly.FiberCtx, fd int, buf []byte, flags int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return retryLoop(b, ctx, fd, poly.IntR, func() (int, error) {
		n, _, err := syscall.Recvfrom(fd, buf, flags)
		return n, err
	})
}

func (b *Backend) RecvMsg(ctx *poly.FiberCtx, fd int, buf, oob []byte, flags int) (int, int, int, syscall.Sockaddr, error) {
	type msgResult struct {
		n, oobn, recvFlags int
		from               syscall.Sockaddr
	}
	r, err := retryLoop(b, ctx, fd, poly.IntR, func() (msgResult, error) {
		n, oobn, rf, from, err := syscall.Recvmsg(fd, buf, oob, flags)
		return msgResult{n, oobn, rf, from}, err
	})
	return r.n, r.oobn, r.recvFlags, r.from, err
}

func (b *Backend) Send(ctx *poly.FiberCtx, fd int, buf []byte, flags int) (int, error) {
	n, err := retryLoop(b, ctx, fd, poly.IntW, func() (int, error) {
		err := syscall.Sendto(fd, buf, flags, nil)
		if err != nil {
			return 0, err
		}
		return len(buf), nil
	})
	return n, err
}

func (b *Backend) SendMsg(ctx *poly.FiberCtx, fd int, buf, oob []byte, to syscall.Sockaddr, flags int) (int, int, int, error) {
	n, err := retryLoop(b, ctx, fd, poly.IntW, func() (int, error) {
		return syscall.SendmsgN(fd, buf, oob, to, flags)
	})
	return n, 0, 0, err
}

// acceptHub is the per-listenFD rendezvous spec §4.5/§5 describes: while a
// MultishotAccept is armed on a socket, independent fibers calling plain
// Accept shift the next accepted fd from this queue instead of issuing
// their own redundant accept syscall.
type acceptHub struct {
	mu      sync.Mutex
	active  bool
	waiters []*poly.Fiber
}

type hubClosed struct{}

func (hubClosed) Error() string { return "accept hub closed" }

func (b *Backend) hubFor(listenFD int) *acceptHub {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.acceptHubs[listenFD]
	if !ok {
		h = &acceptHub{}
		b.acceptHubs[listenFD] = h
	}
	return h
}

// shiftAccept parks the caller on listenFD's accept hub if a multishot
// accept is currently active there, returning the fd MultishotAccept's
// loop hands it. Returns ok=false when no hub is active, so the caller
// falls back to a fresh accept syscall.
func (b *Backend) shiftAccept(ctx *poly.FiberCtx, listenFD int) (int, bool) {
	h := b.hubFor(listenFD)
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return 0, false
	}
	h.waiters = append(h.waiters, ctx.Fiber)
	h.mu.Unlock()

	v, err := poly.Suspend(ctx)
	if err != nil {
		return 0, false
	}
	return toInt(v), true
}

// deliverAccept hands fd to the oldest live waiter on h, skipping any
// that died while parked. Returns false if no waiter claimed it, meaning
// the multishot loop's own yield should consume fd instead.
func deliverAccept(h *acceptHub, fd int) bool {
	for {
		h.mu.Lock()
		if len(h.waiters) == 0 {
			h.mu.Unlock()
			return false
		}
		w := h.waiters[0]
		h.waiters = h.waiters[1:]
		h.mu.Unlock()
		if !w.IsAlive() {
			continue
		}
		w.Schedule(poly.Ok(fd), false)
		return true
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	default:
		return 0
	}
}

func (b *Backend) Accept(ctx *poly.FiberCtx, listenFD int) (int, error) {
	if fd, ok := b.shiftAccept(ctx, listenFD); ok {
		return fd, nil
	}
	return retryLoop(b, ctx, listenFD, poly.IntR, func() (int, error) {
		nfd, _, err := syscall.Accept(listenFD)
		if err == nil {
			syscall.SetNonblock(nfd, true)
		}
		return nfd, err
	})
}

func (b *Backend) AcceptLoop(ctx *poly.FiberCtx, listenFD int, yield func(fd int) error) error {
	for {
		fd, err := b.Accept(ctx, listenFD)
		if err != nil {
			return err
		}
		if err := yield(fd); err != nil {
			return err
		}
	}
}

// MultishotAccept has no kernel-level multishot primitive over epoll; it
// loops accepting in the degraded form spec §4.3 calls for ("single
// accepts in a loop"), but still arms listenFD's accept hub so concurrent
// plain Accept calls shift connections from it instead of racing it for
// the listening socket.
func (b *Backend) MultishotAccept(ctx *poly.FiberCtx, listenFD int, yield func(fd int) error) error {
	h := b.hubFor(listenFD)
	h.mu.Lock()
	h.active = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active = false
		waiters := h.waiters
		h.waiters = nil
		h.mu.Unlock()
		for _, w := range waiters {
			if w.IsAlive() {
				w.Schedule(poly.Raise(hubClosed{}), false)
			}
		}
	}()

	for {
		fd, err := retryLoop(b, ctx, listenFD, poly.IntR, func() (int, error) {
			nfd, _, err := syscall.Accept(listenFD)
			if err == nil {
				syscall.SetNonblock(nfd, true)
			}
			return nfd, err
		})
		if err != nil {
			return err
		}
		if deliverAccept(h, fd) {
			continue
		}
		if err := yield(fd); err != nil {
			return err
		}
	}
}

func (b *Backend) Connect(ctx *poly.FiberCtx, fd int, addr syscall.Sockaddr) error {
	err := syscall.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != syscall.EINPROGRESS {
		return err
	}
	if werr := b.waitReady(ctx, fd, poly.IntW); werr != nil {
		return werr
	}
	errno, serr := syscall.GetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if serr != nil {
		return serr
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

func (b *Backend) Close(ctx *poly.FiberCtx, fd int) error {
	b.disarm(fd)
	return syscall.Close(fd)
}

func (b *Backend) Splice(ctx *poly.FiberCtx, srcFD, dstFD int, maxlen int64) (int64, error) {
	var total int64
	const chunk = 1 << 18
	for {
		want := int64(chunk)
		if maxlen >= 0 {
			remaining := maxlen - total
			if remaining <= 0 {
				return total, nil
			}
			if remaining < want {
				want = remaining
			}
		}
		n, err := retryLoop(b, ctx, srcFD, poly.IntR, func() (int64, error) {
			return spliceOnce(srcFD, dstFD, want)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func spliceOnce(srcFD, dstFD int, want int64) (int64, error) {
	n, err := unix.Splice(srcFD, nil, dstFD, nil, int(want), 0)
	return n, err
}

// Timeout arms a one-shot timer that, once it fires, raises the internal
// timeout sentinel via SchedulePriority.
func (b *Backend) Timeout(ctx *poly.FiberCtx, d time.Duration) (cancel func()) {
	t := b.scheduleTimer(time.Now().Add(d), func() {
		ctx.Scheduler.SchedulePriority(ctx.Fiber, poly.Raise(poly.TimeoutSentinelError()))
	})
	return func() { b.cancelTimer(t) }
}

func (b *Backend) Sleep(ctx *poly.FiberCtx, d time.Duration) error {
	opCtx := b.store.Acquire(poly.OpTimeout, ctx.Fiber)
	ctx.Fiber.SetAwaiting(opCtx)
	t := b.scheduleTimer(time.Now().Add(d), func() {
		if ctx.Fiber.IsAlive() {
			ctx.Scheduler.SchedulePriority(ctx.Fiber, poly.Ok(nil))
		}
		opCtx.Release()
	})
	_, err := poly.Suspend(ctx)
	ctx.Fiber.SetAwaiting(nil)
	if opCtx.RefCount == 2 {
		// The timer hasn't fired yet, so this wake-up came from
		// elsewhere. Cancelling it means its closure (and its matching
		// release) will now never run — take both halves ourselves.
		b.cancelTimer(t)
		opCtx.Release()
	}
	opCtx.Release()
	return err
}

const waitpidPollInterval = 20 * time.Millisecond

func (b *Backend) Waitpid(ctx *poly.FiberCtx, pid int) (int, syscall.WaitStatus, error) {
	pidfd, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), 0, 0)
	if errno != 0 {
		// pidfd_open unavailable: fall back to a sleep-polling loop, per
		// spec §4.5.
		return b.waitpidPoll(ctx, pid)
	}
	defer syscall.Close(int(pidfd))
	if err := b.WaitIO(ctx, int(pidfd), poly.IntR); err != nil {
		return 0, 0, err
	}
	var status syscall.WaitStatus
	wp, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
	return wp, status, err
}

// waitpidPoll reaps pid by sleeping and retrying Wait4(WNOHANG), the
// fallback spec §4.5 calls for when pidfd_open is unavailable.
func (b *Backend) waitpidPoll(ctx *poly.FiberCtx, pid int) (int, syscall.WaitStatus, error) {
	for {
		var status syscall.WaitStatus
		wp, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
		if err != nil {
			return 0, 0, err
		}
		if wp == pid {
			return wp, status, nil
		}
		if err := b.Sleep(ctx, waitpidPollInterval); err != nil {
			return 0, 0, err
		}
	}
}

func (b *Backend) WaitEvent(ctx *poly.FiberCtx) error {
	buf := make([]byte, 8)
	_, err := b.Read(ctx, b.wakeupR, buf)
	return err
}

func (b *Backend) WaitIO(ctx *poly.FiberCtx, fd int, interest poly.Interest) error {
	return b.waitReady(ctx, fd, interest)
}

// Chain has no kernel-level linked-SQE analog over epoll; links run in
// sequence, stopping at the first error, which is the closest readiness-
// backend equivalent to io_uring's IOSQE_IO_LINK short-circuit.
func (b *Backend) Chain(ctx *poly.FiberCtx, n int, prep poly.ChainPrepFunc) (int32, error) {
	var last int32
	for i := 0; i < n; i++ {
		link := prep(i)
		var err error
		switch link.Kind {
		case poly.OpRead:
			var got int
			got, err = b.Read(ctx, link.FD, link.Buf)
			last = int32(got)
		case poly.OpWrite:
			var got int
			got, err = b.Write(ctx, link.FD, link.Buf)
			last = int32(got)
		case poly.OpSplice:
			var got int64
			got, err = b.Splice(ctx, link.FD, link.FD2, link.Len)
			last = int32(got)
		default:
			last = 0
		}
		if err != nil {
			return last, err
		}
	}
	return last, nil
}

func (b *Backend) PostFork() error {
	b.mu.Lock()
	for fd := range b.watchers {
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	b.watchers = make(map[int]*watcher)
	b.mu.Unlock()
	b.store = poly.NewOpStore()
	b.timersMu.Lock()
	b.timers = nil
	b.timersMu.Unlock()
	return nil
}

func (b *Backend) Finalize() error {
	syscall.Close(b.wakeupR)
	syscall.Close(b.wakeupW)
	return unix.Close(b.epfd)
}
