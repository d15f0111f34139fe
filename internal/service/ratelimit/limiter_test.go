package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstPerKey(t *testing.T) {
	l := New(Limit{RPS: 0.001, Burst: 2}, map[string]Limit{"polymarket": {RPS: 0.001, Burst: 1}})

	assert.True(t, l.Allow("kalshi"))
	assert.True(t, l.Allow("kalshi"))
	assert.False(t, l.Allow("kalshi"))

	assert.True(t, l.Allow("polymarket"))
	assert.False(t, l.Allow("polymarket"))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Limit{}, nil)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow("paper"))
	}
}
