package util

import (
	"context"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestSleepCtx(t *testing.T) {
	assert.True(t, SleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, SleepCtx(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNextBackoff(t *testing.T) {
	min, max := 300*time.Millisecond, 2*time.Second
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 6; i++ {
		d = NextBackoff(d, min, max)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		300 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond, max, max, max,
	}, got)
}
