package polyphony

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunQueue_PushPopFIFO(t *testing.T) {
	rq := NewRunQueue()
	f1 := &Fiber{id: 1}
	f2 := &Fiber{id: 2}

	rq.Push(f1, Ok("a"), false)
	rq.Push(f2, Ok("b"), false)
	require.Equal(t, 2, rq.Len())

	gotF, gotV, ok := rq.Pop()
	require.True(t, ok)
	require.Same(t, f1, gotF)
	require.Equal(t, "a", gotV.Value)

	gotF, gotV, ok = rq.Pop()
	require.True(t, ok)
	require.Same(t, f2, gotF)
	require.Equal(t, "b", gotV.Value)

	_, _, ok = rq.Pop()
	require.False(t, ok)
}

func TestRunQueue_PrioritizePrepends(t *testing.T) {
	rq := NewRunQueue()
	f1 := &Fiber{id: 1}
	f2 := &Fiber{id: 2}

	rq.Push(f1, Ok("normal"), false)
	rq.Push(f2, Ok("priority"), true)

	gotF, _, _ := rq.Pop()
	require.Same(t, f2, gotF)
}

func TestRunQueue_PushDedupesExistingEntry(t *testing.T) {
	rq := NewRunQueue()
	f1 := &Fiber{id: 1}

	rq.Push(f1, Ok("first"), false)
	rq.Push(f1, Ok("second"), false)
	require.Equal(t, 1, rq.Len())

	_, v, _ := rq.Pop()
	require.Equal(t, "second", v.Value)
}

func TestRunQueue_Delete(t *testing.T) {
	rq := NewRunQueue()
	f1 := &Fiber{id: 1}
	f2 := &Fiber{id: 2}
	rq.Push(f1, Ok(nil), false)
	rq.Push(f2, Ok(nil), false)

	require.True(t, rq.Delete(f1))
	require.False(t, rq.Delete(f1))
	require.Equal(t, 1, rq.Len())
	require.True(t, rq.Contains(f2))
	require.False(t, rq.Contains(f1))
}
