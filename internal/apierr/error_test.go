package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCodeTaxonomy(t *testing.T) {
	cases := map[Kind]int{
		KindBadRequest:         400,
		KindValidationFailed:   400,
		KindInvalidModel:       400,
		KindModelNotFound:      404,
		KindTimeout:            408,
		KindRateLimitExceeded:  429,
		KindCancelled:          499,
		KindUserCancelled:      499,
		KindServiceUnavailable: 503,
		KindModelLoadFailed:    503,
		KindRuntimeNotReady:    503,
		KindInternal:           500,
		KindRuntimeError:       500,
		KindConfigError:        500,
	}
	for kind, want := range cases {
		e := New(kind, "boom")
		require.Equalf(t, want, e.StatusCode(), "kind %s", kind)
	}
}

func TestIsRetryable(t *testing.T) {
	require.True(t, New(KindServiceUnavailable, "x").IsRetryable())
	require.True(t, New(KindRuntimeNotReady, "x").IsRetryable())
	require.True(t, New(KindTimeout, "x").IsRetryable())
	require.False(t, New(KindBadRequest, "x").IsRetryable())
	require.False(t, New(KindInternal, "x").IsRetryable())
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	e := Wrap(KindRuntimeError, inner, "engine request failed")
	require.True(t, errors.Is(e, inner))
	require.Contains(t, e.Error(), "connection refused")

	extracted, ok := As(e)
	require.True(t, ok)
	require.Equal(t, KindRuntimeError, extracted.Kind)
}
