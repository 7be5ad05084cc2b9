// Package experiment manages A/B test configurations and sticky user-variant
// assignment. Assignment is deterministic (stable hash over experiment and
// user, cumulative weight selection) and sticky: the first resolution for a
// (experiment, user) pair is written to the store with first-write-wins
// semantics, and every later caller observes that winner even when the
// variant list changes afterwards.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ramp/pkg/model"
	"ramp/pkg/store"
)

const weightTolerance = 1e-6

var (
	assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "experiment", Name: "assignments_total", Help: "User-to-variant assignments."},
		[]string{"experiment", "variant"},
	)
	eventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "experiment", Name: "events_total", Help: "Experiment events recorded."},
		[]string{"experiment", "event"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "experiment", Name: "events_dropped_total", Help: "Experiment events rejected because the sink was unavailable."},
		[]string{"experiment"},
	)
)

func init() {
	_ = prometheus.Register(assignments)
	_ = prometheus.Register(eventsRecorded)
	_ = prometheus.Register(eventsDropped)
}

// Manager owns experiment definitions and the assignment cache.
type Manager struct {
	kv   store.KV
	sink EventSink

	mu          sync.RWMutex
	experiments map[string]*model.Experiment

	// local first-write-wins cache in front of the store; key
	// experimentID+"\x00"+userID, value variant name.
	assigned sync.Map

	// variantStats accumulates per-variant observations for winner
	// determination; guarded by mu.
	variantStats map[string]map[string]*metricAccum // expID -> variant -> accum
}

type metricAccum struct {
	Samples int                `json:"samples"`
	Means   map[string]float64 `json:"means"`
}

// NewManager loads persisted experiments from kv. sink may be nil when event
// recording is not wired.
func NewManager(ctx context.Context, kv store.KV, sink EventSink) (*Manager, error) {
	m := &Manager{
		kv:           kv,
		sink:         sink,
		experiments:  make(map[string]*model.Experiment),
		variantStats: make(map[string]map[string]*metricAccum),
	}
	records, err := kv.List(ctx, store.PrefixExperiment)
	if err != nil {
		return nil, fmt.Errorf("load experiments: %w", err)
	}
	for _, raw := range records {
		var exp model.Experiment
		if err := json.Unmarshal(raw, &exp); err != nil {
			return nil, fmt.Errorf("decode experiment record: %w", err)
		}
		m.experiments[exp.ID] = &exp
		m.variantStats[exp.ID] = newStats(exp.Variants)
	}
	return m, nil
}

func newStats(variants []model.Variant) map[string]*metricAccum {
	out := make(map[string]*metricAccum, len(variants))
	for _, v := range variants {
		out[v.Name] = &metricAccum{Means: make(map[string]float64)}
	}
	return out
}

// Create validates variants and registers a new experiment in draft state.
// Weights must each be in [0,1] and sum to 1.0 within tolerance.
func (m *Manager) Create(ctx context.Context, feature model.Feature, variants []model.Variant, subset model.UserSubset) (*model.Experiment, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: no variants", model.ErrInvalidVariantWeights)
	}
	total := 0.0
	for _, v := range variants {
		if v.Weight < 0 || v.Weight > 1 {
			return nil, fmt.Errorf("%w: variant %q weight %.4f outside [0,1]", model.ErrInvalidVariantWeights, v.Name, v.Weight)
		}
		total += v.Weight
	}
	if math.Abs(total-1.0) > weightTolerance {
		return nil, fmt.Errorf("%w: weights sum to %.6f, want 1.0", model.ErrInvalidVariantWeights, total)
	}

	now := time.Now().UTC()
	exp := &model.Experiment{
		ID:          uuid.NewString(),
		FeatureName: feature.Name,
		Variants:    append([]model.Variant(nil), variants...),
		Subset:      subset,
		Status:      model.ExperimentDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.persist(ctx, exp); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.experiments[exp.ID] = exp
	m.variantStats[exp.ID] = newStats(exp.Variants)
	m.mu.Unlock()
	return exp, nil
}

// Get returns the experiment, or model.ErrExperimentNotFound.
func (m *Manager) Get(experimentID string) (*model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, model.ErrExperimentNotFound
	}
	cp := *exp
	return &cp, nil
}

// Start moves a draft experiment to running.
func (m *Manager) Start(ctx context.Context, experimentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		return model.ErrExperimentNotFound
	}
	if exp.Status != model.ExperimentDraft {
		return &model.ConfigError{Field: "status", Value: exp.Status, Msg: "only draft experiments can start"}
	}
	exp.Status = model.ExperimentRunning
	exp.UpdatedAt = time.Now().UTC()
	return m.persist(ctx, exp)
}

// VariantFor resolves the sticky assignment for a user. The first resolution
// wins; concurrent callers for the same key observe the same variant.
func (m *Manager) VariantFor(ctx context.Context, experimentID, userID string) (model.Variant, error) {
	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	m.mu.RUnlock()
	if !ok {
		return model.Variant{}, model.ErrExperimentNotFound
	}

	cacheKey := experimentID + "\x00" + userID
	if name, ok := m.assigned.Load(cacheKey); ok {
		return m.variantByName(exp, name.(string))
	}

	candidate := selectVariant(exp.Variants, experimentID, userID)
	assignment := model.UserVariantAssignment{
		ExperimentID: experimentID,
		UserID:       userID,
		Variant:      candidate.Name,
		AssignedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(assignment)
	if err != nil {
		return model.Variant{}, fmt.Errorf("encode assignment: %w", err)
	}
	storeKey := store.PrefixAssignment + experimentID + ":" + userID
	won, err := m.kv.PutIfAbsent(ctx, storeKey, raw)
	if err != nil {
		return model.Variant{}, fmt.Errorf("persist assignment: %w", err)
	}
	winner := candidate.Name
	if !won {
		// Someone else resolved first, possibly under an older variant list.
		existing, err := m.kv.Get(ctx, storeKey)
		if err != nil {
			return model.Variant{}, fmt.Errorf("read winning assignment: %w", err)
		}
		var prior model.UserVariantAssignment
		if err := json.Unmarshal(existing, &prior); err != nil {
			return model.Variant{}, fmt.Errorf("decode winning assignment: %w", err)
		}
		winner = prior.Variant
	} else {
		assignments.WithLabelValues(experimentID, winner).Inc()
	}
	actual, _ := m.assigned.LoadOrStore(cacheKey, winner)
	return m.variantByName(exp, actual.(string))
}

func (m *Manager) variantByName(exp *model.Experiment, name string) (model.Variant, error) {
	for _, v := range exp.Variants {
		if v.Name == name {
			return v, nil
		}
	}
	// Assignment predates a variant-list change; honor stickiness with a
	// name-only variant rather than reshuffling the user.
	return model.Variant{Name: name}, nil
}

// selectVariant maps the stable hash of (experimentID, userID) onto the
// cumulative weight distribution.
func selectVariant(variants []model.Variant, experimentID, userID string) model.Variant {
	sum := sha256.Sum256([]byte(experimentID + ":" + userID))
	point := float64(binary.BigEndian.Uint64(sum[:8])%100000) / 100000.0
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Weight
		if point < cumulative {
			return v
		}
	}
	return variants[len(variants)-1] // float drift; last arm absorbs the tail
}

// RecordEvent submits an experiment event to the sink. It never blocks the
// assignment path: when the sink cannot accept the event the caller gets
// model.ErrEventSinkUnavailable and may buffer or retry.
func (m *Manager) RecordEvent(ctx context.Context, experimentID, userID, eventName string) error {
	m.mu.RLock()
	_, ok := m.experiments[experimentID]
	m.mu.RUnlock()
	if !ok {
		return model.ErrExperimentNotFound
	}
	if m.sink == nil {
		eventsDropped.WithLabelValues(experimentID).Inc()
		return fmt.Errorf("%w: no sink configured", model.ErrEventSinkUnavailable)
	}
	ev := Event{ExperimentID: experimentID, UserID: userID, Name: eventName, At: time.Now().UTC()}
	if err := m.sink.Record(ctx, ev); err != nil {
		eventsDropped.WithLabelValues(experimentID).Inc()
		return err
	}
	eventsRecorded.WithLabelValues(experimentID, eventName).Inc()
	return nil
}

// RecordObservation folds one metric observation into a variant's running
// mean, for winner determination.
func (m *Manager) RecordObservation(experimentID, variant, metric string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.variantStats[experimentID]
	if !ok {
		return model.ErrExperimentNotFound
	}
	acc, ok := stats[variant]
	if !ok {
		return &model.ConfigError{Field: "variant", Value: variant, Msg: "not part of experiment"}
	}
	acc.Samples++
	n := float64(acc.Samples)
	acc.Means[metric] = (acc.Means[metric]*(n-1) + value) / n
	return nil
}

// Complete stops the experiment and, when a target metric is configured,
// picks the winning variant among those meeting the minimum sample count.
func (m *Manager) Complete(ctx context.Context, experimentID string) (*model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, model.ErrExperimentNotFound
	}
	exp.Status = model.ExperimentComplete
	exp.UpdatedAt = time.Now().UTC()
	if exp.TargetMetric != "" {
		best, bestVal := "", math.Inf(-1)
		for name, acc := range m.variantStats[experimentID] {
			if acc.Samples < exp.MinimumSamples {
				continue
			}
			if v, ok := acc.Means[exp.TargetMetric]; ok && v > bestVal {
				best, bestVal = name, v
			}
		}
		exp.WinnerVariant = best
	}
	if err := m.persist(ctx, exp); err != nil {
		return nil, err
	}
	cp := *exp
	return &cp, nil
}

func (m *Manager) persist(ctx context.Context, exp *model.Experiment) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	if err := m.kv.Put(ctx, store.PrefixExperiment+exp.ID, raw); err != nil {
		return fmt.Errorf("persist experiment: %w", err)
	}
	return nil
}
