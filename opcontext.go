package polyphony

// OpKind tags the kind of kernel operation an OpContext represents.
type OpKind int32

const (
	OpPoll OpKind = iota
	OpRead
	OpWrite
	OpWritev
	OpRecv
	OpRecvMsg
	OpSend
	OpSendMsg
	OpAccept
	OpMultishotAccept
	OpConnect
	OpClose
	OpSplice
	OpTimeout
	OpChain
	OpNop
	OpCancel
)

// multishotSentinel marks an OpContext as multishot: the store never frees
// it on an ordinary completion, only when the owning op releases it
// explicitly (terminal completion or cancellation).
const multishotSentinel int32 = -1

// OpContext is the per-operation record shared between a backend and the
// fiber awaiting it. Two owners in single-shot mode — the backend
// (decrements on completion) and the awaiter (decrements on release) — so
// RefCount starts at 2 and the context returns to the pool only once both
// sides have let go.
type OpContext struct {
	Type        OpKind
	Fiber       *Fiber
	ResumeValue ResumeValue
	Result      int32
	RefCount    int32

	// Buffers pins user buffers supplied to the kernel so they survive a
	// fiber unwinding before the kernel reports completion; the io_uring
	// backend attaches them when it prepares the submission.
	Buffers [][]byte

	// UserData is a backend-private slot (e.g. a giouring SQE's user-data
	// payload, or a watcher pointer) so callers don't need a second
	// lookup table keyed by the same context.
	UserData any

	store *OpStore
	index int
}

// Index returns the context's slot in its store, used by backends as the
// completion-queue user-data payload.
func (c *OpContext) Index() int { return c.index }

// Multishot marks the context as multishot: the store will not auto-free
// it on completion.
func (c *OpContext) Multishot() bool { return c.RefCount == multishotSentinel }

// SetMultishot switches the context into multishot mode.
func (c *OpContext) SetMultishot() { c.RefCount = multishotSentinel }

// AttachBuffer pins buf on the context so the kernel cannot write into
// memory the fiber has since released.
func (c *OpContext) AttachBuffer(buf []byte) {
	c.Buffers = append(c.Buffers, buf)
}

// Release decrements the reference count and returns the context to its
// store's free list once both owners have released. No-op in multishot
// mode; callers must release explicitly via OpStore.ReleaseMultishot.
func (c *OpContext) Release() {
	if c.Multishot() {
		return
	}
	c.RefCount--
	if c.RefCount <= 0 {
		c.store.free(c)
	}
}

// OpStore is a thread-confined pool (free list + occupancy slice) of
// OpContexts, yielding O(1) acquire/release. One instance exists per
// backend. A context is in the "taken" set iff RefCount > 0 (or it is
// multishot); Mark scans only taken contexts.
type OpStore struct {
	contexts []*OpContext
	freeList []int
	taken    map[int]bool
}

// NewOpStore creates an empty op-context store.
func NewOpStore() *OpStore {
	return &OpStore{taken: make(map[int]bool)}
}

// Acquire returns a fresh context with RefCount=2 (backend + awaiting
// fiber) and the given type, reusing a freed slot when available.
func (s *OpStore) Acquire(kind OpKind, fiber *Fiber) *OpContext {
	var idx int
	if n := len(s.freeList); n > 0 {
		idx = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		ctx := s.contexts[idx]
		*ctx = OpContext{Type: kind, Fiber: fiber, RefCount: 2, store: s, index: idx}
		s.taken[idx] = true
		return ctx
	}

	idx = len(s.contexts)
	ctx := &OpContext{Type: kind, Fiber: fiber, RefCount: 2, store: s, index: idx}
	s.contexts = append(s.contexts, ctx)
	s.taken[idx] = true
	return ctx
}

// Get returns the context at idx, or nil if that slot is not currently
// taken (a stray or duplicate completion for an already-freed context).
func (s *OpStore) Get(idx int) *OpContext {
	if idx < 0 || idx >= len(s.contexts) || !s.taken[idx] {
		return nil
	}
	return s.contexts[idx]
}

func (s *OpStore) free(ctx *OpContext) {
	if !s.taken[ctx.index] {
		return
	}
	delete(s.taken, ctx.index)
	s.freeList = append(s.freeList, ctx.index)
}

// ReleaseMultishot explicitly frees a multishot context once the owning
// operation observes the terminal completion or a cancellation.
func (s *OpStore) ReleaseMultishot(ctx *OpContext) {
	ctx.RefCount = 0
	s.free(ctx)
}

// Outstanding returns the number of contexts currently taken — used by
// the switcher's deadlock check ("no op-contexts are outstanding").
func (s *OpStore) Outstanding() int { return len(s.taken) }

// Mark invokes fn for every live buffer pinned by a taken context, the Go
// stand-in for the GC-marking hook of §9's "non-tracing target" note:
// since Go already keeps []byte slices alive via normal reachability once
// referenced from a taken OpContext, Mark exists for embedders that want
// to audit or externally pin those buffers (e.g. cgo call boundaries).
func (s *OpStore) Mark(fn func([]byte)) {
	for idx := range s.taken {
		ctx := s.contexts[idx]
		for _, b := range ctx.Buffers {
			fn(b)
		}
	}
}
