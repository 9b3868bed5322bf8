package polyphony

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSystemError_DecodesErrno(t *testing.T) {
	err := NewSystemError("read", -int32(syscall.ENOENT))
	require.Equal(t, syscall.ENOENT, err.Errno)
	require.ErrorIs(t, err, syscall.ENOENT)
	require.Contains(t, err.Error(), "read")
}

func TestArgumentError(t *testing.T) {
	err := newArgumentError("bad value: %d", 7)
	require.Contains(t, err.Error(), "bad value: 7")
}

func TestIsTimeoutSentinel(t *testing.T) {
	require.True(t, IsTimeoutSentinel(TimeoutSentinelError()))
	require.False(t, IsTimeoutSentinel(DeadlockError{}))
}

func TestCancelledError_Unwraps(t *testing.T) {
	cause := newArgumentError("boom")
	ce := NewCancelledError(cause)
	require.ErrorIs(t, ce, cause)
}
