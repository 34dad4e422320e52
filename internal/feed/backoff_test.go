package feed

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareBackoff(base, cap time.Duration) *Backoff {
	b := NewBackoff(base, cap)
	b.jitter = 0
	return b
}

func TestBackoffDoublesToCap(t *testing.T) {
	b := newBareBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	var got []time.Duration
	for range want {
		got = append(got, b.Next())
	}
	assert.Equal(t, want, got)

	// Non-decreasing across consecutive failures.
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
}

func TestBackoffResetAfterSuccess(t *testing.T) {
	b := newBareBackoff(500*time.Millisecond, 10*time.Second)
	for i := 0; i < 4; i++ {
		b.Next()
	}
	b.Reset()
	assert.Equal(t, 500*time.Millisecond, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.rnd = rand.New(rand.NewSource(1))
	require.Equal(t, backoffJitter, b.jitter)

	for i := 0; i < 200; i++ {
		b.Reset()
		d := b.Next() // raw delay is exactly base
		assert.GreaterOrEqual(t, d, time.Duration(float64(time.Second)*(1-backoffJitter)))
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*(1+backoffJitter)))
	}
}

func TestBackoffDegenerateConfig(t *testing.T) {
	b := newBareBackoff(0, 0)
	// Defaults kick in rather than a zero-delay hot loop.
	assert.Equal(t, time.Second, b.Next())

	b = newBareBackoff(5*time.Second, time.Second)
	// Cap below base means a flat schedule at base.
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
}
