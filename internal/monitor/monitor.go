package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/observability"
)

// Latency bucket upper bounds. Quantiles are reported as the upper bound
// of the bucket the target rank lands in.
var latencyBuckets = []time.Duration{
	1 * time.Millisecond,
	2 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	75 * time.Millisecond,
	100 * time.Millisecond,
	150 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

type Alert struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Windows   int       `json:"windows"`
	Since     time.Time `json:"since"`
}

type TierMetrics struct {
	Count   int64         `json:"count"`
	Granted int64         `json:"granted"`
	Mean    time.Duration `json:"mean"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

type Metrics struct {
	Span      time.Duration          `json:"span"`
	Total     int64                  `json:"total"`
	GrantRate float64                `json:"grant_rate"`
	HitRate   float64                `json:"hit_rate"`
	Mean      time.Duration          `json:"mean"`
	P95       time.Duration          `json:"p95"`
	P99       time.Duration          `json:"p99"`
	Tiers     map[string]TierMetrics `json:"tiers"`
	Alerts    []Alert                `json:"alerts,omitempty"`
}

// Monitor keeps a ring of fixed measurement windows and evaluates SLA
// thresholds each time a window closes. An alert is raised only after the
// configured number of consecutive breaching windows and cleared on the
// first healthy one; empty windows are no evidence either way. Tier labels
// follow the engine's tier names; l1, l2 and l3 count as cache hits.
type Monitor struct {
	cfg    config.MonitorConfig
	logger *zap.Logger

	mu       sync.Mutex
	windows  []*window
	idx      int
	breaches map[string]int
	alerts   map[string]*Alert
	now      func() time.Time
}

func New(cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.WindowCount <= 0 {
		cfg.WindowCount = 60
	}
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = 10 * time.Second
	}
	if cfg.BreachWindows <= 0 {
		cfg.BreachWindows = 3
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		windows:  make([]*window, cfg.WindowCount),
		breaches: make(map[string]int),
		alerts:   make(map[string]*Alert),
		now:      time.Now,
	}
}

func (m *Monitor) Record(tier string, latency time.Duration, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rotateLocked(m.now())
	m.windows[m.idx].observe(tier, latency, granted)
}

// Snapshot aggregates every window overlapping the requested span,
// including the one still open.
func (m *Monitor) Snapshot(span time.Duration) *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rotateLocked(now)
	cutoff := now.Add(-span)

	overall := newTierStats()
	perTier := map[string]*tierStats{}
	var hits int64

	for _, w := range m.windows {
		if w == nil || w.start.Add(m.cfg.WindowLength).Before(cutoff) {
			continue
		}
		for tier, ts := range w.tiers {
			agg := perTier[tier]
			if agg == nil {
				agg = newTierStats()
				perTier[tier] = agg
			}
			agg.mergeFrom(ts)
			overall.mergeFrom(ts)
			if hitTier(tier) {
				hits += ts.count
			}
		}
	}

	metrics := &Metrics{
		Span:  span,
		Total: overall.count,
		Mean:  overall.mean(),
		P95:   overall.quantile(0.95),
		P99:   overall.quantile(0.99),
		Tiers: make(map[string]TierMetrics, len(perTier)),
	}
	if overall.count > 0 {
		metrics.GrantRate = float64(overall.granted) / float64(overall.count)
		metrics.HitRate = float64(hits) / float64(overall.count)
	}
	for tier, ts := range perTier {
		metrics.Tiers[tier] = TierMetrics{
			Count:   ts.count,
			Granted: ts.granted,
			Mean:    ts.mean(),
			P95:     ts.quantile(0.95),
			P99:     ts.quantile(0.99),
		}
	}

	for _, alert := range m.alerts {
		metrics.Alerts = append(metrics.Alerts, *alert)
	}
	sort.Slice(metrics.Alerts, func(i, j int) bool {
		return metrics.Alerts[i].Metric < metrics.Alerts[j].Metric
	})

	return metrics
}

func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rotateLocked(m.now())

	alerts := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Metric < alerts[j].Metric
	})
	return alerts
}

func (m *Monitor) rotateLocked(now time.Time) {
	if m.windows[m.idx] == nil {
		m.windows[m.idx] = newWindow(now.Truncate(m.cfg.WindowLength))
		return
	}

	steps := 0
	cur := m.windows[m.idx]
	for !now.Before(cur.start.Add(m.cfg.WindowLength)) {
		m.evaluateLocked(cur)

		steps++
		if steps >= m.cfg.WindowCount {
			// Idle longer than the whole ring; drop history and restart.
			for i := range m.windows {
				m.windows[i] = nil
			}
			m.idx = 0
			m.windows[0] = newWindow(now.Truncate(m.cfg.WindowLength))
			return
		}

		next := cur.start.Add(m.cfg.WindowLength)
		m.idx = (m.idx + 1) % m.cfg.WindowCount
		m.windows[m.idx] = newWindow(next)
		cur = m.windows[m.idx]
	}
}

func (m *Monitor) evaluateLocked(w *window) {
	merged := newTierStats()
	var hits int64
	for tier, ts := range w.tiers {
		merged.mergeFrom(ts)
		if hitTier(tier) {
			hits += ts.count
		}
	}
	if merged.count == 0 {
		return
	}

	p95 := merged.quantile(0.95)
	m.trackLocked("latency_p95",
		p95.Seconds(), m.cfg.P95Threshold.Seconds(),
		p95 > m.cfg.P95Threshold, w.start)

	hitRate := float64(hits) / float64(merged.count)
	m.trackLocked("cache_hit_rate",
		hitRate, m.cfg.HitRateThreshold,
		hitRate < m.cfg.HitRateThreshold, w.start)
}

func (m *Monitor) trackLocked(metric string, value, threshold float64, breached bool, at time.Time) {
	if !breached {
		m.breaches[metric] = 0
		if _, ok := m.alerts[metric]; ok {
			delete(m.alerts, metric)
			observability.SetMonitorAlert(metric, false)
			m.logger.Info("sla alert cleared", zap.String("metric", metric))
		}
		return
	}

	m.breaches[metric]++
	if alert, ok := m.alerts[metric]; ok {
		alert.Windows = m.breaches[metric]
		alert.Value = value
		return
	}
	if m.breaches[metric] >= m.cfg.BreachWindows {
		m.alerts[metric] = &Alert{
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Windows:   m.breaches[metric],
			Since:     at,
		}
		observability.SetMonitorAlert(metric, true)
		m.logger.Warn("sla alert raised",
			zap.String("metric", metric),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold),
			zap.Int("windows", m.breaches[metric]))
	}
}

func hitTier(tier string) bool {
	return tier == "l1" || tier == "l2" || tier == "l3"
}

type window struct {
	start time.Time
	tiers map[string]*tierStats
}

func newWindow(start time.Time) *window {
	return &window{start: start, tiers: make(map[string]*tierStats)}
}

func (w *window) observe(tier string, latency time.Duration, granted bool) {
	ts := w.tiers[tier]
	if ts == nil {
		ts = newTierStats()
		w.tiers[tier] = ts
	}
	ts.observe(latency, granted)
}

type tierStats struct {
	count   int64
	granted int64
	sum     time.Duration
	buckets []int64
}

func newTierStats() *tierStats {
	return &tierStats{buckets: make([]int64, len(latencyBuckets)+1)}
}

func (t *tierStats) observe(latency time.Duration, granted bool) {
	t.count++
	if granted {
		t.granted++
	}
	t.sum += latency

	for i, bound := range latencyBuckets {
		if latency <= bound {
			t.buckets[i]++
			return
		}
	}
	t.buckets[len(latencyBuckets)]++
}

func (t *tierStats) mergeFrom(other *tierStats) {
	t.count += other.count
	t.granted += other.granted
	t.sum += other.sum
	for i, n := range other.buckets {
		t.buckets[i] += n
	}
}

func (t *tierStats) mean() time.Duration {
	if t.count == 0 {
		return 0
	}
	return t.sum / time.Duration(t.count)
}

func (t *tierStats) quantile(q float64) time.Duration {
	if t.count == 0 {
		return 0
	}

	target := int64(math.Ceil(q * float64(t.count)))
	var cum int64
	for i, n := range t.buckets {
		cum += n
		if cum >= target {
			if i < len(latencyBuckets) {
				return latencyBuckets[i]
			}
			break
		}
	}
	return latencyBuckets[len(latencyBuckets)-1]
}
