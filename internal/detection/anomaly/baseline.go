package anomaly

import (
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"secmon/internal/schema"
)

// DefaultMaxSeries bounds the source/type pairs a baseline tracks. Source
// is caller-supplied text, so the least recently seen pair is evicted.
const DefaultMaxSeries = 10000

// BaselineStats holds rolling risk statistics for one source and type.
type BaselineStats struct {
	P50     float64   `json:"p50"`
	P95     float64   `json:"p95"`
	Mean    float64   `json:"mean"`
	StdDev  float64   `json:"std_dev"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Samples int       `json:"samples"`
	Updated time.Time `json:"updated"`
}

// RollingBaseline learns per source/type risk scores over a sliding window
// and flags outliers by z-score once enough samples have been seen.
type RollingBaseline struct {
	window     time.Duration
	minSamples int
	zThreshold float64
	// minDelta applies when the baseline has no variance.
	minDelta float64
	now      func() time.Time

	mu     sync.Mutex
	series *lru.Cache[string, []timedSample]
}

type timedSample struct {
	value float64
	ts    time.Time
}

// NewRollingBaseline creates a baseline detector.
func NewRollingBaseline(window time.Duration, minSamples int, zThreshold float64) *RollingBaseline {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if minSamples <= 0 {
		minSamples = 30
	}
	if zThreshold <= 0 {
		zThreshold = 3.0
	}
	return &RollingBaseline{
		window:     window,
		minSamples: minSamples,
		zThreshold: zThreshold,
		minDelta:   0.2,
		now:        time.Now,
		series:     newSeries(DefaultMaxSeries),
	}
}

func newSeries(n int) *lru.Cache[string, []timedSample] {
	c, _ := lru.New[string, []timedSample](max(n, 1))
	return c
}

// WithMaxSeries replaces the series bound. It drops anything learned so far
// and is meant to be called before the first event.
func (b *RollingBaseline) WithMaxSeries(n int) *RollingBaseline {
	if n <= 0 {
		n = DefaultMaxSeries
	}
	b.mu.Lock()
	b.series = newSeries(n)
	b.mu.Unlock()
	return b
}

func seriesKey(event *schema.SecurityEvent) string {
	return event.Source + ":" + string(event.Type)
}

// IsAnomalous scores the event against the baseline learned so far, then
// records it.
func (b *RollingBaseline) IsAnomalous(event *schema.SecurityEvent) bool {
	if event == nil {
		return false
	}
	key := seriesKey(event)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	samples, _ := b.series.Get(key)
	samples = b.trim(samples, now)
	anomalous := false
	if len(samples) >= b.minSamples {
		stats := computeStats(samples, now)
		if stats.StdDev > 0 {
			anomalous = (event.RiskScore-stats.Mean)/stats.StdDev > b.zThreshold
		} else {
			anomalous = event.RiskScore-stats.Mean > b.minDelta
		}
	}
	b.series.Add(key, append(samples, timedSample{value: event.RiskScore, ts: now}))
	return anomalous
}

// Stats returns the current baseline for a source and type, or nil when
// nothing has been recorded in the window.
func (b *RollingBaseline) Stats(source string, eventType schema.EventType) *BaselineStats {
	key := source + ":" + string(eventType)
	now := b.now()

	b.mu.Lock()
	samples, _ := b.series.Peek(key)
	samples = b.trim(samples, now)
	b.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	return computeStats(samples, now)
}

// Cleanup drops series with no samples inside the window and trims the
// rest.
func (b *RollingBaseline) Cleanup() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range b.series.Keys() {
		samples, ok := b.series.Peek(key)
		if !ok {
			continue
		}
		switch trimmed := b.trim(samples, now); {
		case len(trimmed) == 0:
			b.series.Remove(key)
		case len(trimmed) < len(samples):
			b.series.Add(key, trimmed)
		}
	}
}

// Series returns the number of tracked source/type pairs.
func (b *RollingBaseline) Series() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.series.Len()
}

// trim drops samples older than the window. Samples are appended in time
// order, so the first in-window sample bounds the slice.
func (b *RollingBaseline) trim(samples []timedSample, now time.Time) []timedSample {
	cutoff := now.Add(-b.window)
	i := sort.Search(len(samples), func(i int) bool { return samples[i].ts.After(cutoff) })
	if i == 0 {
		return samples
	}
	return append([]timedSample(nil), samples[i:]...)
}

func computeStats(samples []timedSample, now time.Time) *BaselineStats {
	values := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		values[i] = s.value
		sum += s.value
	}
	sort.Float64s(values)

	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}

	return &BaselineStats{
		P50:     percentile(values, 0.50),
		P95:     percentile(values, 0.95),
		Mean:    mean,
		StdDev:  math.Sqrt(variance / float64(len(values))),
		Min:     values[0],
		Max:     values[len(values)-1],
		Samples: len(values),
		Updated: now,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
