package rcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReaderLockUnlockNesting(t *testing.T) {
	var r Reader
	assert.Equal(t, uint32(0), r.nestingDepth())

	r.Lock()
	assert.Equal(t, uint32(1), r.nestingDepth())

	r.Unlock()
	assert.Equal(t, uint32(0), r.nestingDepth())
}

func TestReaderUnlockUnderflowPanics(t *testing.T) {
	var r Reader
	assert.Panics(t, func() { r.Unlock() })
}

func TestReaderNestingOverflowPanics(t *testing.T) {
	var r Reader
	for i := 0; i < maxNesting; i++ {
		r.Lock()
	}
	assert.Panics(t, func() { r.Lock() })
}

func TestReaderPinClearedOnlyAtOutermostUnlock(t *testing.T) {
	var r Reader
	r.pin.Store(true)

	r.Lock() // nesting 1
	r.Lock() // nesting 2
	r.Unlock()
	assert.True(t, r.pin.Load(), "pin must survive a non-outermost unlock")

	r.Unlock() // nesting 0, outermost
	assert.False(t, r.pin.Load(), "pin must clear at outermost unlock")
}
