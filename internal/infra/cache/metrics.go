package cache

import (
	"sync/atomic"
)

// Metrics tracks instantaneous hit/miss counts for one cache tier. The
// performance monitor keeps the windowed view; this is the raw lifetime
// counter surfaced by health checks.
type Metrics struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordHit() {
	m.hits.Add(1)
}

func (m *Metrics) RecordMiss() {
	m.misses.Add(1)
}

func (m *Metrics) RecordError() {
	m.errors.Add(1)
}

func (m *Metrics) GetStats() (hits, misses uint64, hitRate float64) {
	h := m.hits.Load()
	miss := m.misses.Load()
	total := h + miss

	if total == 0 {
		return h, miss, 0.0
	}

	return h, miss, float64(h) / float64(total)
}

func (m *Metrics) Errors() uint64 {
	return m.errors.Load()
}

func (m *Metrics) Reset() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.errors.Store(0)
}
