package polyphony

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpStore_AcquireReleaseReusesSlot(t *testing.T) {
	store := NewOpStore()
	ctx1 := store.Acquire(OpRead, nil)
	idx1 := ctx1.Index()
	require.Equal(t, 1, store.Outstanding())

	ctx1.Release()
	ctx1.Release()
	require.Equal(t, 0, store.Outstanding())

	ctx2 := store.Acquire(OpWrite, nil)
	require.Equal(t, idx1, ctx2.Index(), "freed slot should be reused")
}

func TestOpContext_MultishotSurvivesSingleRelease(t *testing.T) {
	store := NewOpStore()
	ctx := store.Acquire(OpMultishotAccept, nil)
	ctx.SetMultishot()
	require.True(t, ctx.Multishot())

	ctx.Release()
	require.Equal(t, 1, store.Outstanding(), "multishot contexts must not free on Release")

	store.ReleaseMultishot(ctx)
	require.Equal(t, 0, store.Outstanding())
}

func TestOpStore_GetReturnsNilForFreedSlot(t *testing.T) {
	store := NewOpStore()
	ctx := store.Acquire(OpRead, nil)
	idx := ctx.Index()
	ctx.Release()
	ctx.Release()

	require.Nil(t, store.Get(idx))
}

func TestOpContext_AttachBufferPins(t *testing.T) {
	ctx := &OpContext{}
	buf := []byte("hello")
	ctx.AttachBuffer(buf)
	require.Len(t, ctx.Buffers, 1)
	require.Equal(t, buf, ctx.Buffers[0])
}
