package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_TouchResetsTimeout(t *testing.T) {
	w := NewWatchdog(testState().Env)
	w.Start()
	gen := w.timeoutGen

	w.Touch()
	assert.True(t, w.IsActive())
	assert.Greater(t, w.timeoutGen, gen)
}

func TestWatchdog_TouchAfterStopIgnored(t *testing.T) {
	w := NewWatchdog(testState().Env)
	w.Start()
	w.Stop()
	gen := w.timeoutGen

	w.Touch()
	assert.False(t, w.IsActive())
	assert.Equal(t, gen, w.timeoutGen)
}

func TestWatchdog_RestartAfterTimeout(t *testing.T) {
	w := NewWatchdog(testState().Env)
	w.Start()
	// a fired timeout leaves the watchdog inactive
	w.active = false

	w.Start()
	assert.True(t, w.IsActive())
}
