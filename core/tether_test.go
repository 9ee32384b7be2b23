package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveWindow_Demotion(t *testing.T) {
	// an active peer on either channel demotes an active instance
	assert.False(t, resolveWindow(true, '+', '-'))
	assert.False(t, resolveWindow(true, '-', '+'))
	assert.False(t, resolveWindow(true, '+', '+'))
}

func TestResolveWindow_StaysActive(t *testing.T) {
	assert.True(t, resolveWindow(true, '-', '-'))
}

func TestResolveWindow_Promotion(t *testing.T) {
	// promotion requires silence on both channels
	assert.True(t, resolveWindow(false, '-', '-'))
	assert.False(t, resolveWindow(false, '+', '-'))
	assert.False(t, resolveWindow(false, '-', '+'))
	assert.False(t, resolveWindow(false, '+', '+'))
}

func TestTetherInterval_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		iv := tetherInterval()
		assert.GreaterOrEqual(t, iv, time.Duration(0))
		assert.Less(t, iv, tetherBaseInterval)
	}
}
