package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/trellis/internal/cluster"
)

func order(code int64) cluster.Order {
	return cluster.NewOrder("Order", "Description").WithCode(code)
}

func codes(from, to int64) []int64 {
	var out []int64
	for c := from; c <= to; c++ {
		out = append(out, c)
	}
	return out
}

// TestFIFOEviction inserts capacity+1 orders and expects the first one gone.
func TestFIFOEviction(t *testing.T) {
	c := New(30, zaptest.NewLogger(t))
	for code := int64(1); code <= 31; code++ {
		c.Put(order(code))
	}

	assert.Equal(t, 30, c.Len())
	_, ok := c.Peek(1)
	assert.False(t, ok, "oldest entry should be evicted")
	assert.Equal(t, codes(2, 31), c.Keys())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

// TestEvictionIgnoresUsage verifies heavy use does not protect an old entry.
func TestEvictionIgnoresUsage(t *testing.T) {
	c := New(3, nil)
	c.Put(order(1))
	c.Put(order(2))
	c.Put(order(3))
	for i := 0; i < 10; i++ {
		_, ok := c.Get(1)
		require.True(t, ok)
	}
	c.Put(order(4))

	assert.Equal(t, []int64{2, 3, 4}, c.Keys())
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	c := New(5, nil)
	for code := int64(1); code <= 100; code++ {
		c.Put(order(code))
		require.LessOrEqual(t, c.Len(), 5)
	}
	assert.Equal(t, codes(96, 100), c.Keys())
}

// TestRepeatedGetOnlyChangesUsage checks that hits leave the key set alone.
func TestRepeatedGetOnlyChangesUsage(t *testing.T) {
	c := New(30, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	c.Put(order(7))
	c.Put(order(8))
	before := c.Keys()
	first, _ := c.Entry(7)

	clock = clock.Add(time.Minute)
	for i := 0; i < 3; i++ {
		o, ok := c.Get(7)
		require.True(t, ok)
		assert.Equal(t, int64(7), o.CodeValue())
	}

	after, _ := c.Entry(7)
	assert.Equal(t, before, c.Keys())
	assert.Equal(t, first.Seq, after.Seq)
	assert.Equal(t, first.FirstUse, after.FirstUse)
	assert.Equal(t, first.Uses+3, after.Uses)
	assert.True(t, after.LastUse.After(first.LastUse))
	assert.Equal(t, uint64(3), c.Stats().Hits)
}

func TestPeekDoesNotRegisterUse(t *testing.T) {
	c := New(30, nil)
	c.Put(order(1))
	_, ok := c.Peek(1)
	require.True(t, ok)

	e, _ := c.Entry(1)
	assert.Equal(t, 0, e.Uses)
	assert.Equal(t, uint64(0), c.Stats().Hits)
}

// TestPutReplacesInPlace keeps the sequence of an updated entry.
func TestPutReplacesInPlace(t *testing.T) {
	c := New(3, nil)
	c.Put(order(1))
	c.Put(order(2))
	c.Put(order(3))

	updated := order(1)
	updated.Name = "renamed"
	c.Put(updated)

	assert.Equal(t, []int64{1, 2, 3}, c.Keys())
	o, _ := c.Peek(1)
	assert.Equal(t, "renamed", o.Name)

	c.Put(order(4))
	assert.Equal(t, []int64{2, 3, 4}, c.Keys(), "updated entry is still the oldest")
}

func TestPutWithoutCodeIgnored(t *testing.T) {
	c := New(3, nil)
	c.Put(cluster.NewOrder("n", "d"))
	assert.Equal(t, 0, c.Len())
}

func TestDelete(t *testing.T) {
	c := New(3, nil)
	c.Put(order(1))
	assert.True(t, c.Delete(1))
	assert.False(t, c.Delete(1))
	assert.Equal(t, 0, c.Len())
}

// TestSeqNeverReused re-inserts a deleted code and expects a fresh sequence.
func TestSeqNeverReused(t *testing.T) {
	c := New(3, nil)
	c.Put(order(1))
	first, _ := c.Entry(1)
	c.Delete(1)
	c.Put(order(1))
	second, _ := c.Entry(1)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestGetOrFill(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fills and caches", func(t *testing.T) {
		c := New(30, nil)
		calls := 0
		fill := func(_ context.Context, code int64) (cluster.Order, error) {
			calls++
			return order(code), nil
		}
		o, err := c.GetOrFill(ctx, 5, fill)
		require.NoError(t, err)
		assert.Equal(t, int64(5), o.CodeValue())

		_, err = c.GetOrFill(ctx, 5, fill)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)

		e, _ := c.Entry(5)
		assert.Equal(t, 2, e.Uses)
		st := c.Stats()
		assert.Equal(t, uint64(1), st.Hits)
		assert.Equal(t, uint64(1), st.Misses)
	})

	t.Run("not found is not cached", func(t *testing.T) {
		c := New(30, nil)
		_, err := c.GetOrFill(ctx, 9, func(context.Context, int64) (cluster.Order, error) {
			return cluster.Order{}, cluster.ErrNotFound
		})
		assert.True(t, errors.Is(err, cluster.ErrNotFound))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("fill error is wrapped", func(t *testing.T) {
		c := New(30, nil)
		_, err := c.GetOrFill(ctx, 9, func(context.Context, int64) (cluster.Order, error) {
			return cluster.Order{}, cluster.ErrConnection
		})
		assert.True(t, errors.Is(err, cluster.ErrConnection))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("missing code is filled in", func(t *testing.T) {
		c := New(30, nil)
		o, err := c.GetOrFill(ctx, 3, func(context.Context, int64) (cluster.Order, error) {
			return cluster.NewOrder("n", "d"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), o.CodeValue())
		assert.Equal(t, []int64{3}, c.Keys())
	})
}

// TestWriteDuringFillWins lands a Delete or Put while a fill is in flight;
// the stale fill must not end up cached.
func TestWriteDuringFillWins(t *testing.T) {
	ctx := context.Background()

	blockingFill := func(entered, release chan struct{}) FillFunc {
		return func(_ context.Context, code int64) (cluster.Order, error) {
			close(entered)
			<-release
			return cluster.NewOrder("stale", "read before the write").WithCode(code), nil
		}
	}

	t.Run("delete", func(t *testing.T) {
		c := New(30, nil)
		entered, release := make(chan struct{}), make(chan struct{})
		done := make(chan cluster.Order)
		go func() {
			o, err := c.GetOrFill(ctx, 4, blockingFill(entered, release))
			assert.NoError(t, err)
			done <- o
		}()

		<-entered
		c.Delete(4)
		close(release)

		o := <-done
		assert.Equal(t, "stale", o.Name)
		_, ok := c.Peek(4)
		assert.False(t, ok, "deleted order must not be cached again")
		assert.Equal(t, 0, c.Len())
	})

	t.Run("put", func(t *testing.T) {
		c := New(30, nil)
		entered, release := make(chan struct{}), make(chan struct{})
		done := make(chan struct{})
		go func() {
			_, err := c.GetOrFill(ctx, 4, blockingFill(entered, release))
			assert.NoError(t, err)
			close(done)
		}()

		<-entered
		c.Put(cluster.NewOrder("fresh", "pushed by the leader").WithCode(4))
		close(release)
		<-done

		o, ok := c.Peek(4)
		require.True(t, ok)
		assert.Equal(t, "fresh", o.Name)
	})

	t.Run("later fill caches again", func(t *testing.T) {
		c := New(30, nil)
		entered, release := make(chan struct{}), make(chan struct{})
		done := make(chan struct{})
		go func() {
			_, _ = c.GetOrFill(ctx, 4, blockingFill(entered, release))
			close(done)
		}()
		<-entered
		c.Delete(4)
		close(release)
		<-done

		_, err := c.GetOrFill(ctx, 4, func(_ context.Context, code int64) (cluster.Order, error) {
			return order(code), nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, c.Keys())
	})
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0, nil).Stats().Capacity)
}

func TestCollector(t *testing.T) {
	c := New(4, nil)
	c.Put(order(1))
	c.Put(order(2))
	c.Get(1)
	c.Get(99)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	n, err := testutil.GatherAndCount(reg, "trellis_cache_entries", "trellis_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, testutil.CollectAndCount(c))
}
