package healthschool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	p := DefaultBackoff
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(uint(i)), "attempt %d", i)
	}
}

func TestBackoffMonotoneAndBounded(t *testing.T) {
	policies := []BackoffPolicy{
		DefaultBackoff,
		{Base: 3 * time.Millisecond, Max: time.Hour},
		{Base: time.Nanosecond, Max: 17 * time.Second},
		{Base: time.Minute, Max: time.Second},
		{},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for n := uint(0); n < 200; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v attempt %d", p, n)
			assert.Greater(t, d, time.Duration(0))
			max := p.Max
			if max <= 0 {
				max = DefaultReconnectMaxDelay
			}
			assert.LessOrEqual(t, d, max, "policy %+v attempt %d", p, n)
			prev = d
		}
	}
}

func TestBackoffHugeAttemptDoesNotOverflow(t *testing.T) {
	assert.Equal(t, 30*time.Second, DefaultBackoff.Delay(^uint(0)))
	assert.Equal(t, 30*time.Second, DefaultBackoff.Delay(63))
	assert.Equal(t, 30*time.Second, DefaultBackoff.Delay(64))
}

func TestBackoffWithFloor(t *testing.T) {
	p := DefaultBackoff
	assert.Equal(t, 1*time.Second, p.withFloor(0, 0))
	assert.Equal(t, 5*time.Second, p.withFloor(0, 5*time.Second))
	assert.Equal(t, 8*time.Second, p.withFloor(3, 5*time.Second), "floor below computed delay")
	assert.Equal(t, 30*time.Second, p.withFloor(0, time.Hour), "floor capped at max")
}
