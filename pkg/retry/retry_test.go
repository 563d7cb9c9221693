package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_ShouldRetry_Bound(t *testing.T) {
	policy := Policy{MaxRetries: 2}

	assert.True(t, policy.ShouldRetry(1))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
}

func TestPolicy_ShouldRetry_ZeroRetries(t *testing.T) {
	policy := Policy{MaxRetries: 0}

	assert.False(t, policy.ShouldRetry(1))
}

func TestPolicy_Delay_GrowsGeometrically(t *testing.T) {
	policy := Policy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4))
	assert.Equal(t, time.Second, policy.Delay(5), "capped at MaxDelay")
	assert.Equal(t, time.Second, policy.Delay(50), "stays capped far past the knee")
}

func TestPolicy_Delay_FlatWithoutMultiplier(t *testing.T) {
	policy := Policy{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 50*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 50*time.Millisecond, policy.Delay(4))
}

func TestPolicy_Do_InvocationBound(t *testing.T) {
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	failing := errors.New("always fails")

	err := policy.Do(context.Background(), func(_ context.Context) error {
		calls++

		return failing
	})

	require.ErrorIs(t, err, failing)
	assert.Equal(t, 3, calls, "retries plus the first attempt")
}

func TestPolicy_Do_StopsOnSuccess(t *testing.T) {
	policy := Policy{MaxRetries: 5, InitialDelay: time.Millisecond}

	calls := 0

	err := policy.Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("first attempt fails")
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicy_Do_CancelledBetweenAttempts(t *testing.T) {
	policy := Policy{MaxRetries: 10, InitialDelay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func(_ context.Context) error {
		calls++

		return errors.New("fail into the long sleep")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no further attempts after cancellation")
}

func TestDefault_ThreeTotalAttempts(t *testing.T) {
	policy := Default()

	assert.Equal(t, 2, policy.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.InDelta(t, 2.0, policy.Multiplier, 0.001)
}
