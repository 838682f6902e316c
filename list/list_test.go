package list

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbver/gorcu/pool"
)

func TestToggleInsertThenRemove(t *testing.T) {
	l := New()
	alloc := pool.New[Node](8)

	_, inserted, err := l.Toggle(5, alloc)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, l.Lookup(5))

	removed, inserted, err := l.Toggle(5, alloc)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NotNil(t, removed)
	assert.Equal(t, uint32(5), removed.Value)
	assert.False(t, l.Lookup(5))
}

func TestToggleKeepsSortedUnique(t *testing.T) {
	l := New()
	alloc := pool.New[Node](8).Unbounded(true)

	for _, v := range []uint32{3, 1, 4, 1, 5} {
		_, _, err := l.Toggle(v, alloc)
		require.NoError(t, err)
	}

	assert.Equal(t, []uint32{3, 4, 5}, l.Values())
}

func TestLookupAbsentOnEmptyList(t *testing.T) {
	l := New()
	assert.False(t, l.Lookup(42))
}

func TestToggleAllocationFailureIsRecoverable(t *testing.T) {
	l := New()
	alloc := pool.New[Node](0) // bounded, no capacity

	_, _, err := l.Toggle(1, alloc)
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.False(t, l.Lookup(1))
}

func TestConcurrentLookupDuringWrites(t *testing.T) {
	l := New()
	alloc := pool.New[Node](2048).Unbounded(true)

	for v := uint32(0); v < 1024; v += 2 {
		_, _, err := l.Toggle(v, alloc)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					l.Lookup(uint32(i * 2))
				}
			}
		}()
	}

	for v := uint32(1024); v < 2048; v += 2 {
		_, _, err := l.Toggle(v, alloc)
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
}

func TestConcurrentWriterPanics(t *testing.T) {
	l := New()
	alloc := pool.New[Node](4).Unbounded(true)
	l.lockWriter()
	defer l.unlockWriter()

	assert.Panics(t, func() {
		l.Toggle(1, alloc)
	})
}
