package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 1.23, RoundToTick(1.2345, 0.01), 1e-9)
	assert.InDelta(t, 1.24, RoundToTick(1.236, 0.01), 1e-9)
	assert.InDelta(t, 580.0, RoundToTick(579.6, 1), 1e-9)
	assert.InDelta(t, 1.2345, RoundToTick(1.2345, 0), 1e-9)
}

func TestFloorCeilToTick(t *testing.T) {
	assert.InDelta(t, 1.23, FloorToTick(1.239, 0.01), 1e-9)
	assert.InDelta(t, 1.24, CeilToTick(1.231, 0.01), 1e-9)

	// Exact ticks stay put in both directions.
	assert.InDelta(t, 1.25, FloorToTick(1.25, 0.05), 1e-9)
	assert.InDelta(t, 1.25, CeilToTick(1.25, 0.05), 1e-9)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.3, 0, 1))
	assert.Equal(t, 1.0, Clamp(1.7, 0, 1))
	assert.Equal(t, 0.4, Clamp(0.4, 0, 1))
}

func TestMid(t *testing.T) {
	assert.InDelta(t, 1.05, Mid(1.00, 1.10), 1e-9)
	assert.Equal(t, 0.0, Mid(0, 1.10))
	assert.Equal(t, 0.0, Mid(1.10, 1.00))
}
