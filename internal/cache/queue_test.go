package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOQueueRunsInOrder(t *testing.T) {
	q := newIOQueue()
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, q.Async(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.True(t, q.Sync(func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestIOQueueCloseDrainsPendingTasks(t *testing.T) {
	q := newIOQueue()
	ran := 0
	for i := 0; i < 10; i++ {
		q.Async(func() { ran++ })
	}
	q.Close()

	assert.Equal(t, 10, ran)
	assert.False(t, q.Async(func() {}))
	assert.False(t, q.Sync(func() {}))
	q.Close()
}
