package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestWithBackoffFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), testConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), testConfig(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), testConfig(), func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	require.Error(t, err)
	assert.EqualError(t, err, "attempt 3")
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithBackoff(ctx, testConfig(), func() error {
		calls++
		cancel()
		return fmt.Errorf("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWaitCappedWithJitter(t *testing.T) {
	cfg := Config{
		InitialWait: 100 * time.Millisecond,
		MaxWait:     time.Second,
		Multiplier:  2.0,
	}

	for attempt := 1; attempt < 10; attempt++ {
		w := cfg.wait(attempt)
		assert.GreaterOrEqual(t, w, 100*time.Millisecond)
		assert.LessOrEqual(t, w, time.Second)
	}
}

func TestPresets(t *testing.T) {
	assert.Less(t, Brief().MaxWait, time.Second, "mutation callers never wait long")
	assert.GreaterOrEqual(t, Patient().InitialWait, time.Second)
}
