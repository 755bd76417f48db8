package ngram

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	model "ngram-lm/internal/model/ngram"
)

func newTestCache(t *testing.T, capacity, timestampsCapacity int) *PredictionsCache {
	t.Helper()
	cache, err := NewPredictionsCache(CacheOptions{Capacity: capacity, TimestampsCapacity: timestampsCapacity}, zap.NewNop())
	require.NoError(t, err)
	return cache
}

func TestPredictionsCache_HitAndMiss(t *testing.T) {
	cache := newTestCache(t, 4, 16)

	assert.True(t, math.IsNaN(cache.HitRatio()), "hit ratio before any lookup")
	assert.Zero(t, cache.Stats().HitRatio)

	_, ok := cache.Get(model.NGram{1})
	assert.False(t, ok, "empty cache")

	row := []float64{0.25, 0.75}
	cache.Set(model.NGram{1}, row)
	row[0] = 99 // the cache keeps its own copy

	got, ok := cache.Get(model.NGram{1})
	require.True(t, ok)
	assert.Equal(t, []float64{0.25, 0.75}, got)
	assert.Equal(t, 0.5, cache.HitRatio())

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestPredictionsCache_SetResidentPanics(t *testing.T) {
	cache := newTestCache(t, 4, 16)
	cache.Set(model.NGram{1, 2}, []float64{1})

	assert.Panics(t, func() { cache.Set(model.NGram{1, 2}, []float64{2}) })
}

func TestPredictionsCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := newTestCache(t, 2, 10)
	a, b, c := model.NGram{1}, model.NGram{2}, model.NGram{3}

	cache.Set(a, []float64{1})
	cache.Set(b, []float64{2})
	_, ok := cache.Get(a)
	require.True(t, ok)

	// a's first timestamp is stale, so b is the oldest current entry
	cache.Set(c, []float64{3})

	assert.Equal(t, 2, cache.Len())
	_, ok = cache.Get(b)
	assert.False(t, ok, "b should be evicted")
	_, ok = cache.Get(a)
	assert.True(t, ok, "a should survive")
	_, ok = cache.Get(c)
	assert.True(t, ok, "c should be resident")
}

func TestPredictionsCache_TimestampLogIsBounded(t *testing.T) {
	cache := newTestCache(t, 100, 3)
	a := model.NGram{1}

	cache.Set(a, []float64{1})
	for i := 0; i < 10; i++ {
		_, ok := cache.Get(a)
		require.True(t, ok, "only stale records may be dropped")
		require.LessOrEqual(t, cache.PendingTimestamps(), 3)
	}

	cache.Set(model.NGram{2}, []float64{2})
	assert.LessOrEqual(t, cache.PendingTimestamps(), 3)
	_, ok := cache.Get(a)
	assert.True(t, ok)
}

func TestPredictionsCache_BoundsUnderRandomLoad(t *testing.T) {
	const capacity, timestampsCapacity = 8, 20
	cache := newTestCache(t, capacity, timestampsCapacity)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 10000; i++ {
		context := model.NGram{rng.Intn(30)}
		if _, ok := cache.Get(context); !ok {
			cache.Set(context, []float64{float64(context[0])})
		}
		require.LessOrEqual(t, cache.Len(), capacity)
		require.LessOrEqual(t, cache.PendingTimestamps(), timestampsCapacity)
		require.Len(t, cache.lastTimestamp, cache.Len())
	}
}

func TestPredictionsCache_Reset(t *testing.T) {
	cache := newTestCache(t, 4, 16)
	cache.Set(model.NGram{1}, []float64{1})
	cache.Get(model.NGram{1})
	cache.Reset()

	assert.Zero(t, cache.Len())
	assert.Zero(t, cache.PendingTimestamps())
	assert.Equal(t, 1, cache.Stats().Successes, "counters survive a reset")
	assert.NotPanics(t, func() { cache.Set(model.NGram{1}, []float64{1}) })
}

func TestNewPredictionsCache_RejectsBadSizes(t *testing.T) {
	_, err := NewPredictionsCache(CacheOptions{Capacity: 0, TimestampsCapacity: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewPredictionsCache(CacheOptions{Capacity: 1, TimestampsCapacity: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
