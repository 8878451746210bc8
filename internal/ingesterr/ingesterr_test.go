package ingesterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyWrapped(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient rpc", TransientRpc("rpc down", errors.New("boom")), KindTransientRpc},
		{"transient store", TransientStore("store down", nil), KindTransientStore},
		{"data violation", DataViolation("bad attrs", nil), KindDataViolation},
		{"invariant violation", InvariantViolation("negative total", nil), KindInvariantViolation},
		{"fatal config", FatalConfig("missing db url", nil), KindFatalConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyUnwrapped(t *testing.T) {
	require.Equal(t, KindUnknown, Classify(errors.New("plain error")))
	require.Equal(t, KindUnknown, Classify(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(TransientRpc("x", nil)))
	require.True(t, Retryable(TransientStore("x", nil)))
	require.False(t, Retryable(DataViolation("x", nil)))
	require.False(t, Retryable(InvariantViolation("x", nil)))
	require.False(t, Retryable(errors.New("plain")))
}

func TestFatal(t *testing.T) {
	require.True(t, Fatal(InvariantViolation("x", nil)))
	require.True(t, Fatal(FatalConfig("x", nil)))
	require.False(t, Fatal(TransientRpc("x", nil)))
	require.False(t, Fatal(DataViolation("x", nil)))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := TransientRpc("rpc down", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "transient_rpc")
	require.Contains(t, err.Error(), "rpc down")
	require.Contains(t, err.Error(), "underlying")
}
