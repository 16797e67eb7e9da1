package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(failing)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecoversToClosed(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_, err := cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	_, err = cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestMirrorBreakersHealthStatus(t *testing.T) {
	b := NewMirrorBreakers()
	status, breakers := b.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", breakers["replay"])
	assert.Equal(t, "CLOSED", breakers["spanner"])
	assert.Equal(t, "CLOSED", breakers["pubsub"])

	for i := 0; i < 5; i++ {
		b.Spanner.Execute(func() (interface{}, error) { return nil, errors.New("unreachable") })
	}
	status, breakers = b.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", breakers["spanner"])
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(DefaultConfig("test"))
	result, err := ExecuteWithFallback(cb,
		func() (int, error) { return 0, errors.New("fail") },
		func(error) (int, error) { return 42, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
