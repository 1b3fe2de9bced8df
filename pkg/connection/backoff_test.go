package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Run("Fixed", func(t *testing.T) {
		b := NewBackoff(10 * time.Second)
		for range 5 {
			assert.Equal(t, 10*time.Second, b.Next())
		}
		assert.Equal(t, 5, b.Attempts())
	})

	t.Run("ExponentialCapped", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    time.Second,
			Max:        5 * time.Second,
			Multiplier: 2,
		})
		var got []time.Duration
		for range 5 {
			got = append(got, b.Next())
		}
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
		}, got)

		b.Reset()
		assert.Equal(t, time.Second, b.Current())
		assert.Zero(t, b.Attempts())
	})

	t.Run("JitterBounded", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Jitter: 0.25})
		for range 20 {
			d := b.Next()
			assert.GreaterOrEqual(t, d, time.Second)
			assert.LessOrEqual(t, d, 1250*time.Millisecond)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Multiplier: 0.5, Jitter: -1})
		assert.Equal(t, DefaultReconnectInterval, b.Next())
		assert.Equal(t, DefaultReconnectInterval, b.Next())
	})
}

func TestConfigBackoff(t *testing.T) {
	cfg := Config{ReconnectInterval: time.Second}
	assert.Equal(t, time.Second, cfg.backoff().Current())

	cfg.ReconnectMaxInterval = 4 * time.Second
	b := cfg.backoff()
	b.Next()
	assert.Equal(t, 2*time.Second, b.Current())
}
