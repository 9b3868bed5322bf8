package polyphony

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInterest(t *testing.T) {
	cases := []struct {
		tag  string
		want Interest
	}{
		{"r", IntR},
		{"w", IntW},
		{"rw", IntRW},
	}
	for _, c := range cases {
		got, err := ParseInterest(c.tag)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestParseInterest_RejectsUnknownTag(t *testing.T) {
	_, err := ParseInterest("bogus")
	require.Error(t, err)
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
}

func TestBackendKind_String(t *testing.T) {
	require.Equal(t, "io_uring", KindIOURing.String())
	require.Equal(t, "libev", KindPoller.String())
}
