package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCache_TTL(t *testing.T) {
	c := NewReadCache[[]string](3 * time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	loads := 0
	load := func(ctx context.Context) ([]string, error) {
		loads++
		return []string{"p1"}, nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), "round-1", load)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, v)
	}
	assert.Equal(t, 1, loads)

	now = now.Add(3 * time.Second)
	_, err := c.Get(context.Background(), "round-1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestReadCache_RefreshBypasses(t *testing.T) {
	c := NewReadCache[int](time.Minute)
	n := 0
	load := func(ctx context.Context) (int, error) {
		n++
		return n, nil
	}

	v, _ := c.Get(context.Background(), "k", load)
	assert.Equal(t, 1, v)
	v, _ = c.Refresh(context.Background(), "k", load)
	assert.Equal(t, 2, v)
	v, _ = c.Get(context.Background(), "k", load)
	assert.Equal(t, 2, v)
}

func TestReadCache_CollapsesConcurrentLoads(t *testing.T) {
	c := NewReadCache[int](time.Minute)
	var loads atomic.Int32
	release := make(chan struct{})

	load := func(ctx context.Context) (int, error) {
		loads.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestReadCache_InvalidateDiscardsLoadInFlight(t *testing.T) {
	c := NewReadCache[int](time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32

	slow := func(ctx context.Context) (int, error) {
		loads.Add(1)
		close(started)
		<-release
		return 1, nil
	}
	done := make(chan int)
	go func() {
		v, err := c.Get(context.Background(), "answers", slow)
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	// An answer lands while the old read is still running.
	c.Invalidate("answers")
	close(release)
	assert.Equal(t, 1, <-done)

	v, err := c.Get(context.Background(), "answers", func(ctx context.Context) (int, error) {
		loads.Add(1)
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, int32(2), loads.Load())
}
