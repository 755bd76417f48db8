package ngram

import (
	"container/heap"
	"fmt"
	"math"

	"go.uber.org/zap"

	model "ngram-lm/internal/model/ngram"
)

// CacheOptions sizes a PredictionsCache
type CacheOptions struct {
	Capacity           int
	TimestampsCapacity int
}

// PredictionsCache maps a context to the per-order probability row computed
// for it. Eviction is approximately least-recently-used: every access appends
// a timestamp record to a min-heap, and records superseded by a later access
// are discarded lazily when they reach the top. The heap is bounded by
// TimestampsCapacity so it cannot grow without limit between evictions.
//
// PredictionsCache is not safe for concurrent use.
type PredictionsCache struct {
	capacity           int
	timestampsCapacity int

	data          map[string][]float64
	timestamps    timestampHeap
	lastTimestamp map[string]uint64
	clock         uint64

	missCount    int
	successCount int

	logger *zap.Logger
}

// NewPredictionsCache creates an empty cache
func NewPredictionsCache(opts CacheOptions, logger *zap.Logger) (*PredictionsCache, error) {
	if opts.Capacity < 1 || opts.TimestampsCapacity < 1 {
		return nil, fmt.Errorf("%w: cache capacity %d and timestamps capacity %d must be positive",
			ErrInvalidConfig, opts.Capacity, opts.TimestampsCapacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionsCache{
		capacity:           opts.Capacity,
		timestampsCapacity: opts.TimestampsCapacity,
		data:               make(map[string][]float64),
		lastTimestamp:      make(map[string]uint64),
		logger:             logger,
	}, nil
}

// Get returns the cached row for context. The returned slice is owned by the
// cache and must not be modified.
func (c *PredictionsCache) Get(context model.NGram) ([]float64, bool) {
	key := context.Key()
	result, exists := c.data[key]
	if !exists {
		c.missCount++
		return nil, false
	}

	c.record(key)
	c.successCount++
	if c.successCount%c.capacity == 0 {
		c.logger.Info("Prediction cache stats",
			zap.Int("hit_ratio_pct", int(c.HitRatio()*100)),
			zap.Int("size_pct", int(float64(len(c.data))/float64(c.capacity)*100)),
			zap.Int("timestamps_pct", int(float64(c.timestamps.Len())/float64(c.timestampsCapacity)*100)),
		)
	}
	return result, true
}

// Set stores the row for a context that is not resident. Storing a resident
// context is a programming error and panics.
func (c *PredictionsCache) Set(context model.NGram, prediction []float64) {
	key := context.Key()
	if _, exists := c.data[key]; exists {
		panic(fmt.Sprintf("ngram: context %v is already cached", context))
	}

	c.evict(c.capacity)

	row := make([]float64, len(prediction))
	copy(row, prediction)
	c.data[key] = row
	c.record(key)
}

// record gives key a new current timestamp. Its previous record, if any,
// becomes stale and is dropped when it reaches the top of the heap.
func (c *PredictionsCache) record(key string) {
	c.clock++
	c.lastTimestamp[key] = c.clock
	c.evict(math.MaxInt)
	heap.Push(&c.timestamps, timestampRecord{ts: c.clock, key: key})
}

// evict pops timestamp records, oldest first, until fewer than maxEntries
// contexts and fewer than timestampsCapacity records remain. A popped record
// that is still current for its context evicts that context.
func (c *PredictionsCache) evict(maxEntries int) {
	for len(c.data) >= maxEntries || c.timestamps.Len() >= c.timestampsCapacity {
		record := heap.Pop(&c.timestamps).(timestampRecord)
		if record.ts == c.lastTimestamp[record.key] {
			delete(c.data, record.key)
			delete(c.lastTimestamp, record.key)
		}
	}
}

// HitRatio returns successes / lookups, or NaN if there were no lookups
func (c *PredictionsCache) HitRatio() float64 {
	total := c.successCount + c.missCount
	if total == 0 {
		return math.NaN()
	}
	return float64(c.successCount) / float64(total)
}

// Len returns the number of resident contexts
func (c *PredictionsCache) Len() int {
	return len(c.data)
}

// PendingTimestamps returns the number of timestamp records, stale ones included
func (c *PredictionsCache) PendingTimestamps() int {
	return c.timestamps.Len()
}

// Reset drops all entries. Hit and miss counters are kept.
func (c *PredictionsCache) Reset() {
	c.data = make(map[string][]float64)
	c.lastTimestamp = make(map[string]uint64)
	c.timestamps = nil
}

// Stats returns a snapshot of the cache counters
func (c *PredictionsCache) Stats() CacheStats {
	stats := CacheStats{
		Size:               len(c.data),
		Capacity:           c.capacity,
		PendingTimestamps:  c.timestamps.Len(),
		TimestampsCapacity: c.timestampsCapacity,
		Successes:          c.successCount,
		Misses:             c.missCount,
	}
	if lookups := c.successCount + c.missCount; lookups > 0 {
		stats.HitRatio = float64(c.successCount) / float64(lookups)
	}
	return stats
}

// CacheStats contains cache occupancy and hit counters. HitRatio is 0 when
// there were no lookups.
type CacheStats struct {
	Size               int     `json:"size"`
	Capacity           int     `json:"capacity"`
	PendingTimestamps  int     `json:"pending_timestamps"`
	TimestampsCapacity int     `json:"timestamps_capacity"`
	Successes          int     `json:"successes"`
	Misses             int     `json:"misses"`
	HitRatio           float64 `json:"hit_ratio"`
}

type timestampRecord struct {
	ts  uint64
	key string
}

// timestampHeap is a min-heap on ts
type timestampHeap []timestampRecord

func (h timestampHeap) Len() int            { return len(h) }
func (h timestampHeap) Less(i, j int) bool  { return h[i].ts < h[j].ts }
func (h timestampHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timestampHeap) Push(x interface{}) { *h = append(*h, x.(timestampRecord)) }

func (h *timestampHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
