package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	assert.Len(t, m.shards, DefaultShards)

	var (
		wg      sync.WaitGroup
		counter int
	)
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "acme/dev1")
			if !assert.NoError(t, err) {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex(1)
	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a single shard is shared by every key")

	unlock()
	unlock, err = m.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_UnlockHandsOver(t *testing.T) {
	m := NewKeyedMutex(8)
	unlock, err := m.Lock(context.Background(), "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not handed over after unlock")
	}
}
