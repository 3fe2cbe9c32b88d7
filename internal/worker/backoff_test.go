package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	b := DefaultBackoff()

	for attempt := 1; attempt <= 6; attempt++ {
		nominal := b.Base << (attempt - 1)
		for i := 0; i < 200; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(nominal)*0.8))
			assert.LessOrEqual(t, d, time.Duration(float64(nominal)*1.2))
		}
	}
}

func TestBackoffIsMonotonicUpToCap(t *testing.T) {
	b := DefaultBackoff()
	extremes := []func() float64{
		func() float64 { return 0 },
		func() float64 { return 0.999999 },
	}

	// worst case: previous attempt drew max jitter, next drew min jitter
	for attempt := 1; attempt < 20; attempt++ {
		high := b
		high.rand = extremes[1]
		low := b
		low.rand = extremes[0]
		assert.LessOrEqual(t, high.Delay(attempt), low.Delay(attempt+1), "attempt %d", attempt)
	}
}

func TestBackoffCap(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, b.Delay(40), 30*time.Minute)
	}

	b.rand = func() float64 { return 0.5 }
	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, 60*time.Second, b.Delay(2))
	assert.Equal(t, 120*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Minute, b.Delay(10))
}
