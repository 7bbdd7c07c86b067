package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merosslan/internal/resilience"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := resilience.NewCircuitBreaker(3, time.Minute)
	failing := errors.New("publish failed")

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return failing })
		require.ErrorIs(t, err, failing)
	}

	require.Equal(t, resilience.StateOpen, cb.GetState())
	err := cb.Call(func() error { return nil })
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := resilience.NewCircuitBreaker(1, 10*time.Millisecond)
	require.Error(t, cb.Call(func() error { return errors.New("fail") }))
	require.Equal(t, resilience.StateOpen, cb.GetState())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Equal(t, resilience.StateClosed, cb.GetState())
}
