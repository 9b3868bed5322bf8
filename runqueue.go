package polyphony

// runEntry is one (fiber, resume-value, is-exception?) triple, per spec
// §3's run queue data model. Whether the entry carries an exception is
// folded into ResumeValue itself.
//
// register is only meaningful on the Scheduler's externalQueue (RunQueue
// itself never sets it): it tells drainExternal that this fiber was
// created by Scheduler.SpawnAsync and has not yet been added to
// s.fibers, since the goroutine that created it was not the coordinator
// and must not touch that map directly.
type runEntry struct {
	fiber    *Fiber
	value    ResumeValue
	register bool
}

// RunQueue is the ordered set of runnable fibers. It is touched only by
// whichever fiber currently holds the execution token (see Scheduler), so
// it needs no internal locking — that single-owner discipline is the
// invariant that makes the cooperative model correct.
type RunQueue struct {
	entries []runEntry
	indexOf map[*Fiber]int
}

// NewRunQueue creates an empty run queue.
func NewRunQueue() *RunQueue {
	return &RunQueue{
		indexOf: make(map[*Fiber]int),
	}
}

// Push appends an entry to the tail, or to the head when prioritize is
// true. A fiber already present in the queue cannot appear twice: Push
// first removes any existing entry for the same fiber.
func (q *RunQueue) Push(f *Fiber, value ResumeValue, prioritize bool) {
	q.removeFiber(f)

	if prioritize {
		q.entries = append([]runEntry{{fiber: f, value: value}}, q.entries...)
	} else {
		q.entries = append(q.entries, runEntry{fiber: f, value: value})
	}
	q.reindex()
}

// Pop removes and returns the oldest entry, unless a prioritized push
// placed an entry at the head. Returns ok=false when the queue is empty.
func (q *RunQueue) Pop() (f *Fiber, value ResumeValue, ok bool) {
	if len(q.entries) == 0 {
		return nil, ResumeValue{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.indexOf, e.fiber)
	q.reindex()
	return e.fiber, e.value, true
}

// Delete removes the given fiber's entry, if present. Used when a fiber is
// cancelled while pending in the run queue.
func (q *RunQueue) Delete(f *Fiber) bool {
	return q.removeFiber(f)
}

// Len returns the number of runnable entries.
func (q *RunQueue) Len() int { return len(q.entries) }

// Contains reports whether f currently has an entry in the queue.
func (q *RunQueue) Contains(f *Fiber) bool {
	_, ok := q.indexOf[f]
	return ok
}

func (q *RunQueue) removeFiber(f *Fiber) bool {
	i, ok := q.indexOf[f]
	if !ok {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.indexOf, f)
	q.reindex()
	return true
}

func (q *RunQueue) reindex() {
	for i, e := range q.entries {
		q.indexOf[e.fiber] = i
	}
}
