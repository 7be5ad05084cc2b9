// Package monitor collects raw metric samples for in-flight rollouts and
// aggregates them over a time window. Samples are append-only; aggregation
// per metric kind is fixed: rates and gauges average, counts sum, error
// rates take the window maximum so a short spike is never averaged away.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ramp/pkg/model"
)

// Well-known metric names mapped onto MonitoringResult fields.
const (
	MetricLatencyMs  = "latency_ms"
	MetricThroughput = "throughput"
	MetricErrorRate  = "error_rate"
	MetricEngagement = "engagement"
)

var (
	samplesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "monitor", Name: "samples_total", Help: "Raw samples recorded."},
		[]string{"feature", "metric"},
	)
	collects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "monitor", Name: "collects_total", Help: "Window aggregations by data sufficiency."},
		[]string{"feature", "sufficient"},
	)
)

func init() {
	_ = prometheus.Register(samplesRecorded)
	_ = prometheus.Register(collects)
}

// Config controls aggregation behavior.
type Config struct {
	// MinSamples is the minimum total sample count for a window before a
	// result is considered sufficient for judgment.
	MinSamples int
	// Retention keeps samples beyond the active window for audit; compaction
	// drops anything older than now-Retention.
	Retention time.Duration
}

// DefaultConfig matches a 10-minute window engine with a day of audit buffer.
func DefaultConfig() Config {
	return Config{MinSamples: 30, Retention: 24*time.Hour + 10*time.Minute}
}

type series struct {
	mu      sync.Mutex
	kind    model.MetricKind
	samples []model.Sample
}

// Aggregator is the in-memory sample log. Writes are per-series locked so
// concurrent instrumented callers do not contend across metrics.
type Aggregator struct {
	cfg Config

	mu     sync.RWMutex
	series map[string]map[string]*series // feature -> metric -> series
	clock  func() time.Time
}

// NewAggregator creates an aggregator with the given config.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Aggregator{
		cfg:    cfg,
		series: make(map[string]map[string]*series),
		clock:  time.Now,
	}
}

// RegisterMetric declares the aggregation kind for a metric ahead of the
// first sample. Unregistered metrics infer their kind from well-known names
// and default to gauge.
func (a *Aggregator) RegisterMetric(feature, metric string, kind model.MetricKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seriesLocked(feature, metric).kind = kind
}

func inferKind(metric string) model.MetricKind {
	switch metric {
	case MetricErrorRate:
		return model.MetricErrorRate
	case MetricLatencyMs, MetricThroughput, MetricEngagement:
		return model.MetricRate
	default:
		return model.MetricGauge
	}
}

func (a *Aggregator) seriesLocked(feature, metric string) *series {
	byMetric, ok := a.series[feature]
	if !ok {
		byMetric = make(map[string]*series)
		a.series[feature] = byMetric
	}
	s, ok := byMetric[metric]
	if !ok {
		s = &series{kind: inferKind(metric)}
		byMetric[metric] = s
	}
	return s
}

// RecordSample appends one observation. Zero timestamps take the current
// time.
func (a *Aggregator) RecordSample(feature, metric string, value float64, ts time.Time) {
	if ts.IsZero() {
		ts = a.clock()
	}
	a.mu.RLock()
	byMetric := a.series[feature]
	s := byMetric[metric]
	a.mu.RUnlock()
	if s == nil {
		a.mu.Lock()
		s = a.seriesLocked(feature, metric)
		a.mu.Unlock()
	}
	s.mu.Lock()
	s.samples = append(s.samples, model.Sample{Feature: feature, Metric: metric, Value: value, Timestamp: ts})
	s.mu.Unlock()
	samplesRecorded.WithLabelValues(feature, metric).Inc()
}

// Collect aggregates all samples for the feature within the window ending
// now. Fewer than MinSamples total observations flag the result as
// insufficient rather than failing, so the evaluator can defer judgment.
func (a *Aggregator) Collect(feature string, window time.Duration) model.MonitoringResult {
	now := a.clock()
	start := now.Add(-window)

	result := model.MonitoringResult{
		Feature:     feature,
		WindowStart: start,
		WindowEnd:   now,
		Metrics:     make(map[string]float64),
	}

	a.mu.RLock()
	byMetric := a.series[feature]
	names := make([]string, 0, len(byMetric))
	for name := range byMetric {
		names = append(names, name)
	}
	a.mu.RUnlock()

	for _, name := range names {
		a.mu.RLock()
		s := byMetric[name]
		a.mu.RUnlock()

		s.mu.Lock()
		kind := s.kind
		var inWindow []float64
		for _, sm := range s.samples {
			if !sm.Timestamp.Before(start) && !sm.Timestamp.After(now) {
				inWindow = append(inWindow, sm.Value)
			}
		}
		s.mu.Unlock()

		if len(inWindow) == 0 {
			continue
		}
		result.SampleCount += len(inWindow)
		result.Metrics[name] = aggregate(kind, inWindow)
	}

	result.LatencyMs = result.Metrics[MetricLatencyMs]
	result.Throughput = result.Metrics[MetricThroughput]
	result.ErrorRate = result.Metrics[MetricErrorRate]
	result.Engagement = result.Metrics[MetricEngagement]
	result.InsufficientData = result.SampleCount < a.cfg.MinSamples

	if result.InsufficientData {
		collects.WithLabelValues(feature, "false").Inc()
	} else {
		collects.WithLabelValues(feature, "true").Inc()
	}
	return result
}

func aggregate(kind model.MetricKind, values []float64) float64 {
	switch kind {
	case model.MetricCount:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case model.MetricErrorRate:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default: // rate, gauge: mean
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

// Compact drops samples older than the retention horizon. Intended to run on
// the evaluation scheduler, not the hot path.
func (a *Aggregator) Compact() {
	horizon := a.clock().Add(-a.cfg.Retention)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, byMetric := range a.series {
		for _, s := range byMetric {
			s.mu.Lock()
			kept := s.samples[:0]
			for _, sm := range s.samples {
				if sm.Timestamp.After(horizon) {
					kept = append(kept, sm)
				}
			}
			s.samples = kept
			s.mu.Unlock()
		}
	}
}

// SetClock overrides the time source for tests.
func (a *Aggregator) SetClock(clock func() time.Time) { a.clock = clock }
