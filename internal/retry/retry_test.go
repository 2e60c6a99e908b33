// Copyright 2025 James Ross
package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextWithinBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, MaxAttempts: 8}
	now := time.Now()

	for i := 0; i < 200; i++ {
		next := p.Next(1, now, 0)
		delay := next.Sub(now)
		assert.GreaterOrEqual(t, delay, p.BaseDelay)
		assert.LessOrEqual(t, delay, p.MaxDelay)
	}
}

func TestNextCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 8}
	now := time.Now()

	// previousDelay*3 would blow past MaxDelay; hi must clamp to MaxDelay.
	for i := 0; i < 200; i++ {
		next := p.Next(3, now, time.Second)
		delay := next.Sub(now)
		assert.LessOrEqual(t, delay, p.MaxDelay)
		assert.GreaterOrEqual(t, delay, p.BaseDelay)
	}
}

func TestNextExhaustedAttemptsNeverRetries(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now()

	next := p.Next(p.MaxAttempts, now, time.Second)
	assert.Greater(t, next.Sub(now), 30*24*time.Hour)
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Classification
	}{
		{200, ClassSuccess},
		{204, ClassSuccess},
		{301, ClassTransient},
		{408, ClassTransient},
		{429, ClassTransient},
		{500, ClassTransient},
		{503, ClassTransient},
		{400, ClassPermanent},
		{404, ClassPermanent},
		{422, ClassPermanent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyHTTPStatus(c.status), "status %d", c.status)
	}
}
