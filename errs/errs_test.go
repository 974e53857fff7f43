package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesStageCodeAndReason(t *testing.T) {
	err := New("risk/validate", CodeInvalid,
		WithMessage("stop loss on wrong side of entry"),
		WithReason("STOP_INVALID"))
	require.Contains(t, err.Error(), "stage=risk/validate")
	require.Contains(t, err.Error(), "code=invalid")
	require.Contains(t, err.Error(), "reason=STOP_INVALID")
	require.Contains(t, err.Error(), `"stop loss on wrong side of entry"`)
}

func TestKindDerivedFromCode(t *testing.T) {
	cases := []struct {
		code Code
		kind Kind
	}{
		{CodeNetwork, KindTransient},
		{CodeRateLimited, KindTransient},
		{CodeUnavailable, KindTransient},
		{CodeInvalid, KindInvalid},
		{CodeExchange, KindInvalid},
		{CodeAuth, KindFatal},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			require.Equal(t, tc.kind, New("gateway", tc.code).Kind)
		})
	}
}

func TestKindOverride(t *testing.T) {
	err := New("bus/deliver", CodeUnavailable, WithKind(KindDegraded))
	require.Equal(t, KindDegraded, KindOf(err))
}

func TestUnwrapAndHelpersThroughWrappedChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("watch candles: %w", New("gateway/watch", CodeNetwork, WithCause(cause)))

	require.True(t, IsTransient(err))
	require.False(t, IsFatal(err))
	require.Equal(t, CodeNetwork, CodeOf(err))
	require.ErrorIs(t, err, cause)
}

func TestKindOfUnknownErrorDegrades(t *testing.T) {
	require.Equal(t, KindDegraded, KindOf(errors.New("plain")))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
	require.Equal(t, "", ReasonOf(errors.New("plain")))
}
