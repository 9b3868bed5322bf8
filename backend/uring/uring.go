// Package uring implements polyphony.Backend on top of Linux io_uring via
// github.com/pawelgaczynski/giouring: every blocking op prepares one SQE,
// tags it with an op-context index as user_data, and the poll loop drains
// completions in a batch, routing each one back to the fiber parked on its
// context. Grounded on the prepare/pending-queue/flushCompletions shape
// used by the pack's io_uring event loop example.
package uring

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	poly "github.com/paulhenrich/polyphony"
)

const batchSize = 256

// Backend is the io_uring-backed polyphony.Backend.
type Backend struct {
	mu   sync.Mutex
	ring *giouring.Ring

	store *poly.OpStore

	acceptHubs map[int]*acceptHub

	pending []func(*giouring.SubmissionQueueEntry)

	wakeupR, wakeupW int // pipe used to interrupt a blocking SubmitAndWait from Wakeup
}

// Options configures ring construction.
type Options struct {
	Entries uint32
}

// DefaultOptions mirrors the pack example's default ring size.
var DefaultOptions = Options{Entries: 1024}

// New creates a ring-backed Backend.
func New(opt Options) (*Backend, error) {
	ring, err := giouring.CreateRing(opt.Entries)
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := syscall.Pipe2(fds[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		ring.QueueExit()
		return nil, err
	}
	b := &Backend{
		ring:       ring,
		store:      poly.NewOpStore(),
		acceptHubs: make(map[int]*acceptHub),
		wakeupR:    fds[0],
		wakeupW:    fds[1],
	}
	b.armWakeupRead()
	return b, nil
}

func (b *Backend) Kind() poly.BackendKind { return poly.KindIOURing }

func (b *Backend) Outstanding() int { return b.store.Outstanding() }

// Wakeup writes a byte to the internal pipe, which a pending read SQE
// picks up, interrupting a blocking SubmitAndWait.
func (b *Backend) Wakeup() {
	var one = [1]byte{1}
	_, _ = syscall.Write(b.wakeupW, one[:])
}

func (b *Backend) armWakeupRead() {
	ctx := b.store.Acquire(poly.OpNop, nil)
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		buf := make([]byte, 8)
		ctx.AttachBuffer(buf)
		sqe.PrepareRead(int32(b.wakeupR), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		sqe.UserData = encodeUserData(ctx.Index())
	})
}

func (b *Backend) prepare(op func(*giouring.SubmissionQueueEntry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.ring.GetSQE()
	if sqe == nil {
		b.pending = append(b.pending, op)
		return
	}
	op(sqe)
}

func (b *Backend) drainPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	prepared := 0
	for _, op := range b.pending {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		prepared++
	}
	if prepared == len(b.pending) {
		b.pending = nil
	} else {
		b.pending = b.pending[prepared:]
	}
}

// Poll submits queued SQEs and, when blocking is true, waits for at
// least one completion; it then drains every ready completion.
func (b *Backend) Poll(blocking bool) error {
	b.drainPending()

	var waitNr uint32
	if blocking {
		waitNr = 1
	}

	b.mu.Lock()
	_, err := b.ring.SubmitAndWait(waitNr)
	b.mu.Unlock()
	if err != nil && !temporary(err) {
		return err
	}

	b.flushCompletions()
	return nil
}

func (b *Backend) flushCompletions() {
	var cqes [batchSize]*giouring.CompletionQueueEvent
	for {
		b.mu.Lock()
		n := b.ring.PeekBatchCQE(cqes[:])
		b.mu.Unlock()
		for _, cqe := range cqes[:n] {
			b.complete(cqe)
		}
		b.mu.Lock()
		b.ring.CQAdvance(n)
		b.mu.Unlock()
		if n < uint32(len(cqes)) {
			return
		}
	}
}

func (b *Backend) complete(cqe *giouring.CompletionQueueEvent) {
	if idx, link, ok := decodeChainUserData(cqe.UserData); ok {
		b.completeChainLink(idx, link, cqe.Res)
		return
	}

	idx, ok := decodeUserData(cqe.UserData)
	if !ok {
		return
	}
	ctx := b.store.Get(idx)
	if ctx == nil {
		return
	}

	if ctx.Fiber == nil {
		// internal housekeeping completion (wakeup pipe read): just rearm.
		if ctx.Type == poly.OpNop {
			b.armWakeupRead()
		}
		ctx.Release()
		return
	}

	res := cqe.Res
	sched := ctx.Fiber.SchedulerOf()

	if ctx.Type == poly.OpTimeout {
		// A Timeout op preempts whatever else ctx.Fiber is awaiting, so it
		// must not be gated on Fiber.Awaiting() == ctx the way an ordinary
		// op's completion is below — only on the fiber still being alive
		// at all.
		if ctx.Fiber.IsAlive() {
			if res == -int32(syscall.ETIME) {
				sched.SchedulePriority(ctx.Fiber, poly.Raise(poly.TimeoutSentinelError()))
			} else if res != -int32(syscall.ECANCELED) {
				sched.SchedulePriority(ctx.Fiber, poly.Ok(res))
			}
		}
		// ECANCELED means cancel() already woke (or will wake) the fiber
		// through whatever op it actually completed on; nothing to deliver.
		ctx.Release()
		return
	}

	var rv poly.ResumeValue
	if res < 0 {
		rv = poly.Raise(poly.NewSystemError(opName(ctx.Type), res))
	} else {
		rv = poly.Ok(res)
	}

	multishot := ctx.Multishot() && cqe.Flags&giouring.CQEFMore != 0
	// Only schedule when the fiber is still alive and still actually
	// awaiting this exact context: a fiber that unwound for some other
	// reason (timeout, cancellation) already cleared Awaiting and
	// released its own half, so a late completion here must not resume
	// a dead or already-moved-on fiber (see submitAndPark).
	if ctx.Fiber.IsAlive() && (ctx.Multishot() || ctx.Fiber.Awaiting() == ctx) {
		sched.ScheduleCompletion(ctx.Fiber, rv)
	}
	if !multishot {
		ctx.Release()
	}
}

func temporary(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EINTR || errno == syscall.EAGAIN
}

func opName(k poly.OpKind) string {
	return k.String()
}

func encodeUserData(idx int) uint64 { return uint64(idx) + 1 }

func decodeUserData(ud uint64) (int, bool) {
	if ud == 0 {
		return 0, false
	}
	return int(ud - 1), true
}

func (b *Backend) submitAndPark(ctx *poly.FiberCtx, kind poly.OpKind, prep func(*giouring.SubmissionQueueEntry, *poly.OpContext)) (any, error) {
	opCtx := b.store.Acquire(kind, ctx.Fiber)
	ctx.Fiber.SetAwaiting(opCtx)
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		prep(sqe, opCtx)
		sqe.UserData = encodeUserData(opCtx.Index())
	})
	b.Wakeup()
	rv, err := poly.Suspend(ctx)
	ctx.Fiber.SetAwaiting(nil)
	if opCtx.RefCount == 2 {
		// The backend hasn't completed (and released) this op yet, so
		// this wake-up came from elsewhere (a racing timeout, an
		// external cancellation). Ask the kernel to cancel it and take
		// our half of the refcount now; complete() will see
		// Fiber.Awaiting() != opCtx and skip scheduling when the real
		// completion eventually lands, then release its own half.
		b.cancel(opCtx.Index())
	}
	opCtx.Release()
	return rv, err
}

func (b *Backend) Read(ctx *poly.FiberCtx, fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	v, err := b.submitAndPark(ctx, poly.OpRead, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		opCtx.AttachBuffer(buf)
		sqe.PrepareRead(int32(fd), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	})
	return toInt(v), err
}

func (b *Backend) Write(ctx *poly.FiberCtx, fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(buf) {
		v, err := b.submitAndPark(ctx, poly.OpWrite, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
			chunk := buf[total:]
			opCtx.AttachBuffer(chunk)
			sqe.PrepareWrite(int32(fd), uintptr(unsafe.Pointer(&chunk[0])), uint32(len(chunk)), 0)
		})
		if err != nil {
			return total, err
		}
		n := toInt(v)
		if n <= 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

func (b *Backend) Recv(ctx *poly.FiberCtx, fd int, buf []byte, flags int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	v, err := b.submitAndPark(ctx, poly.OpRecv, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		opCtx.AttachBuffer(buf)
		sqe.PrepareRecv(int32(fd), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), uint32(flags))
	})
	return toInt(v), err
}

func (b *Backend) RecvMsg(ctx *poly.FiberCtx, fd int, buf, oob []byte, flags int) (int, int, int, syscall.Sockaddr, error) {
	n, err := b.Recv(ctx, fd, buf, flags)
	return n, 0, 0, nil, err
}

func (b *Backend) Send(ctx *poly.FiberCtx, fd int, buf []byte, flags int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	v, err := b.submitAndPark(ctx, poly.OpSend, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		opCtx.AttachBuffer(buf)
		sqe.PrepareSend(int32(fd), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	})
	return toInt(v), err
}

func (b *Backend) SendMsg(ctx *poly.FiberCtx, fd int, buf, oob []byte, to syscall.Sockaddr, flags int) (int, int, int, error) {
	n, err := b.Send(ctx, fd, buf, flags)
	return n, 0, 0, err
}

// acceptHub is the per-listenFD rendezvous spec §4.5/§5 describes: while a
// MultishotAccept is armed on a socket, independent fibers calling plain
// Accept shift the next accepted fd from this queue instead of issuing
// their own redundant accept submission.
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
// loop hands it. Returns ok=false (no error) when no hub is active, so
// the caller falls back to a fresh accept submission.
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

// deliverAccept hands fd to the oldest live waiter on h, skipping any that
// died while parked. Returns false if no waiter claimed it, meaning the
// multishot loop's own yield should consume fd instead.
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

func (b *Backend) Accept(ctx *poly.FiberCtx, listenFD int) (int, error) {
	if fd, ok := b.shiftAccept(ctx, listenFD); ok {
		return fd, nil
	}
	v, err := b.submitAndPark(ctx, poly.OpAccept, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		sqe.PrepareAccept(int32(listenFD), 0, 0, 0)
	})
	return toInt(v), err
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

// MultishotAccept installs one multishot-accept SQE and keeps resuming
// this fiber with each accepted fd (CQEFMore set) until yield returns an
// error or the kernel signals the multishot submission ended.
func (b *Backend) MultishotAccept(ctx *poly.FiberCtx, listenFD int, yield func(fd int) error) error {
	opCtx := b.store.Acquire(poly.OpMultishotAccept, ctx.Fiber)
	opCtx.SetMultishot()
	ctx.Fiber.SetAwaiting(opCtx)

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

		ctx.Fiber.SetAwaiting(nil)
		b.cancel(opCtx.Index())
		// opCtx.Release is a no-op on a multishot context; only
		// ReleaseMultishot actually frees the slot.
		b.store.ReleaseMultishot(opCtx)
	}()

	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareMultishotAccept(int32(listenFD), 0, 0, 0)
		sqe.UserData = encodeUserData(opCtx.Index())
	})
	b.Wakeup()

	for {
		rv, err := poly.Suspend(ctx)
		if err != nil {
			return err
		}
		fd := toInt(rv)
		if deliverAccept(h, fd) {
			continue
		}
		if err := yield(fd); err != nil {
			return err
		}
	}
}

func (b *Backend) cancel(idx int) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancel64(encodeUserData(idx), 0)
		sqe.UserData = 0
	})
}

func (b *Backend) Connect(ctx *poly.FiberCtx, fd int, addr syscall.Sockaddr) error {
	rsa, salen, err := sockaddrToRaw(addr)
	if err != nil {
		return err
	}
	_, err = b.submitAndPark(ctx, poly.OpConnect, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		sqe.PrepareConnect(int32(fd), uintptr(unsafe.Pointer(rsa)), uint64(salen))
	})
	return err
}

func (b *Backend) Close(ctx *poly.FiberCtx, fd int) error {
	_, err := b.submitAndPark(ctx, poly.OpClose, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		sqe.PrepareClose(int32(fd))
	})
	return err
}

func (b *Backend) Splice(ctx *poly.FiberCtx, srcFD, dstFD int, maxlen int64) (int64, error) {
	var total int64
	const chunk = 1 << 20
	for {
		want := chunk
		if maxlen >= 0 {
			remaining := maxlen - total
			if remaining <= 0 {
				return total, nil
			}
			if remaining < int64(chunk) {
				want = int(remaining)
			}
		}
		v, err := b.submitAndPark(ctx, poly.OpSplice, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
			sqe.PrepareSplice(int32(srcFD), -1, int32(dstFD), -1, uint32(want), 0)
		})
		if err != nil {
			return total, err
		}
		n := int64(toInt(v))
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// Timeout submits a standalone timeout SQE tagged to ctx.Fiber; its
// completion handler (see complete) raises the internal timeout sentinel
// into the fiber via SchedulePriority so it preempts whatever the fiber's
// own op would otherwise resume with. The returned cancel func issues an
// IORING_OP_ASYNC_CANCEL for it; a completion racing the cancel is
// swallowed in complete via ECANCELED.
func (b *Backend) Timeout(ctx *poly.FiberCtx, d time.Duration) (cancel func()) {
	opCtx := b.store.Acquire(poly.OpTimeout, ctx.Fiber)
	// Standalone Timeout has no awaiter calling submitAndPark to release
	// the second half — only complete()'s single Release ever fires, so
	// this context starts with one owner, not two.
	opCtx.RefCount = 1
	ts := syscall.NsecToTimespec(d.Nanoseconds())
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareTimeout(uintptr(unsafe.Pointer(&ts)), 0, 0)
		sqe.UserData = encodeUserData(opCtx.Index())
	})
	b.Wakeup()

	var cancelled sync.Once
	return func() {
		cancelled.Do(func() { b.cancel(opCtx.Index()) })
	}
}

func (b *Backend) Sleep(ctx *poly.FiberCtx, d time.Duration) error {
	_, err := b.submitAndPark(ctx, poly.OpTimeout, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		ts := syscall.NsecToTimespec(d.Nanoseconds())
		sqe.PrepareTimeout(uintptr(unsafe.Pointer(&ts)), 0, 0)
	})
	if poly.IsTimeoutSentinel(err) {
		return nil
	}
	return err
}

func (b *Backend) Waitpid(ctx *poly.FiberCtx, pid int) (int, syscall.WaitStatus, error) {
	pidfd, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), 0, 0)
	if errno != 0 {
		// pidfd_open unavailable (old kernel, restricted seccomp profile):
		// fall back to a sleep-polling loop, per spec §4.5.
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

const waitpidPollInterval = 20 * time.Millisecond

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
	var mask uint32
	switch interest {
	case poly.IntR:
		mask = unix.POLLIN
	case poly.IntW:
		mask = unix.POLLOUT
	default:
		mask = unix.POLLIN | unix.POLLOUT
	}
	_, err := b.submitAndPark(ctx, poly.OpPoll, func(sqe *giouring.SubmissionQueueEntry, opCtx *poly.OpContext) {
		sqe.PreparePollAdd(int32(fd), mask)
	})
	return err
}

// chainState collects per-link results for one Chain call: every linked
// SQE gets its own tagged completion (including ones the kernel cancels
// after an earlier link in the chain fails), so the fiber can be resumed
// with the first real failure's result instead of only the last link's.
type chainState struct {
	mu        sync.Mutex
	results   []int32
	remaining int
}

const chainUserDataMarker = uint64(1) << 63

func encodeChainUserData(idx, link int) uint64 {
	return chainUserDataMarker | (uint64(uint32(link)) << 32) | (uint64(uint32(idx)) + 1)
}

func decodeChainUserData(ud uint64) (idx, link int, ok bool) {
	if ud&chainUserDataMarker == 0 {
		return 0, 0, false
	}
	raw := ud &^ chainUserDataMarker
	idxPart := raw & 0xffffffff
	if idxPart == 0 {
		return 0, 0, false
	}
	return int(idxPart - 1), int(raw >> 32), true
}

func (b *Backend) completeChainLink(idx, link int, res int32) {
	ctx := b.store.Get(idx)
	if ctx == nil {
		return
	}
	cs, _ := ctx.UserData.(*chainState)
	if cs == nil {
		return
	}

	cs.mu.Lock()
	cs.results[link] = res
	cs.remaining--
	done := cs.remaining == 0
	cs.mu.Unlock()
	if !done {
		return
	}

	if ctx.Fiber != nil && ctx.Fiber.IsAlive() && ctx.Fiber.Awaiting() == ctx {
		last := cs.results[len(cs.results)-1]
		rv := poly.Ok(any(last))
		for _, r := range cs.results {
			if r < 0 && r != -int32(syscall.ECANCELED) {
				rv = poly.Raise(poly.NewSystemError("chain", r))
				break
			}
		}
		ctx.Fiber.SchedulerOf().ScheduleCompletion(ctx.Fiber, rv)
	}
	ctx.Release()
}

// Chain submits n linked SQEs, one per prep(i), tagging every link (not
// just the last) with its own completion so a kernel-cancelled tail link
// (IOSQE_IO_LINK short-circuits the rest of the chain once one link
// fails) never masks the actual failing link's errno.
func (b *Backend) Chain(ctx *poly.FiberCtx, n int, prep poly.ChainPrepFunc) (int32, error) {
	opCtx := b.store.Acquire(poly.OpChain, ctx.Fiber)
	cs := &chainState{results: make([]int32, n), remaining: n}
	opCtx.UserData = cs
	ctx.Fiber.SetAwaiting(opCtx)

	b.mu.Lock()
	for i := 0; i < n; i++ {
		link := prep(i)
		sqe := b.ring.GetSQE()
		if sqe == nil {
			b.mu.Unlock()
			ctx.Fiber.SetAwaiting(nil)
			opCtx.Release()
			return 0, poly.NewSystemError("chain", -int32(syscall.ENOMEM))
		}
		prepareChainLink(sqe, link)
		if i < n-1 {
			sqe.Flags |= giouring.SqeIOLinkFlag
		}
		sqe.UserData = encodeChainUserData(opCtx.Index(), i)
	}
	b.mu.Unlock()
	b.Wakeup()

	v, err := poly.Suspend(ctx)
	ctx.Fiber.SetAwaiting(nil)
	// No per-link cancel is submitted on early unwind here: the chain's
	// own links are already kernel-linked and short-circuit each other,
	// and completeChainLink's Awaiting() check keeps a late completion
	// from resuming a fiber that has already moved on.
	opCtx.Release()
	return int32(toInt(v)), err
}

func prepareChainLink(sqe *giouring.SubmissionQueueEntry, link poly.ChainOp) {
	switch link.Kind {
	case poly.OpRead:
		sqe.PrepareRead(int32(link.FD), uintptr(unsafe.Pointer(&link.Buf[0])), uint32(len(link.Buf)), 0)
	case poly.OpWrite:
		sqe.PrepareWrite(int32(link.FD), uintptr(unsafe.Pointer(&link.Buf[0])), uint32(len(link.Buf)), 0)
	case poly.OpSplice:
		sqe.PrepareSplice(int32(link.FD), -1, int32(link.FD2), -1, uint32(link.Len), 0)
	default:
		sqe.PrepareNop()
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int32:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func (b *Backend) PostFork() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.QueueExit()
	ring, err := giouring.CreateRing(DefaultOptions.Entries)
	if err != nil {
		return err
	}
	b.ring = ring
	b.store = poly.NewOpStore()
	b.pending = nil
	return nil
}

func (b *Backend) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.QueueExit()
	syscall.Close(b.wakeupR)
	syscall.Close(b.wakeupW)
	return nil
}

// sockaddrToRaw lowers the handful of syscall.Sockaddr concrete types this
// runtime needs to connect() into the raw form io_uring's PrepareConnect
// wants a pointer to.
func sockaddrToRaw(sa syscall.Sockaddr) (*syscall.RawSockaddrAny, int, error) {
	switch addr := sa.(type) {
	case *syscall.SockaddrInet4:
		var raw syscall.RawSockaddrInet4
		raw.Family = syscall.AF_INET
		raw.Port[0] = byte(addr.Port >> 8)
		raw.Port[1] = byte(addr.Port)
		copy(raw.Addr[:], addr.Addr[:])
		rawPtr := (*syscall.RawSockaddrAny)(unsafe.Pointer(&raw))
		return rawPtr, syscall.SizeofSockaddrInet4, nil
	case *syscall.SockaddrInet6:
		var raw syscall.RawSockaddrInet6
		raw.Family = syscall.AF_INET6
		raw.Port[0] = byte(addr.Port >> 8)
		raw.Port[1] = byte(addr.Port)
		raw.Scope_id = addr.ZoneId
		copy(raw.Addr[:], addr.Addr[:])
		rawPtr := (*syscall.RawSockaddrAny)(unsafe.Pointer(&raw))
		return rawPtr, syscall.SizeofSockaddrInet6, nil
	case *syscall.SockaddrUnix:
		var raw syscall.RawSockaddrUnix
		raw.Family = syscall.AF_UNIX
		n := copy(raw.Path[:], addr.Name)
		rawPtr := (*syscall.RawSockaddrAny)(unsafe.Pointer(&raw))
		return rawPtr, 2 + n, nil
	default:
		return nil, 0, poly.NewArgumentError("connect: unsupported sockaddr type %T", sa)
	}
}
