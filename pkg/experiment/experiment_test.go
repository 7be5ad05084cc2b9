package experiment

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp/pkg/model"
	"ramp/pkg/store"
)

func newTestManager(t *testing.T, sink EventSink) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), store.NewMemory(), sink)
	require.NoError(t, err)
	return m
}

func abVariants() []model.Variant {
	return []model.Variant{
		{Name: "control", Weight: 0.5, Control: true},
		{Name: "treatment", Weight: 0.5},
	}
}

func TestCreateRejectsBadWeights(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	feature := model.Feature{Name: "NightMode"}

	cases := []struct {
		name     string
		variants []model.Variant
	}{
		{"sum below one", []model.Variant{{Name: "a", Weight: 0.5}, {Name: "b", Weight: 0.4}}},
		{"sum above one", []model.Variant{{Name: "a", Weight: 0.6}, {Name: "b", Weight: 0.5}}},
		{"negative weight", []model.Variant{{Name: "a", Weight: -0.2}, {Name: "b", Weight: 1.2}}},
		{"no variants", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(ctx, feature, tc.variants, model.UserSubset{})
			assert.ErrorIs(t, err, model.ErrInvalidVariantWeights)
		})
	}
}

func TestCreateAcceptsWeightsWithinTolerance(t *testing.T) {
	m := newTestManager(t, nil)
	variants := []model.Variant{
		{Name: "a", Weight: 0.3333333},
		{Name: "b", Weight: 0.3333333},
		{Name: "c", Weight: 0.3333334},
	}
	exp, err := m.Create(context.Background(), model.Feature{Name: "f"}, variants, model.UserSubset{})
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentDraft, exp.Status)
}

func TestVariantAssignmentIsSticky(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	first, err := m.VariantFor(ctx, exp.ID, "alice")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := m.VariantFor(ctx, exp.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, first.Name, again.Name)
	}
}

func TestVariantAssignmentSurvivesRestart(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	m1, err := NewManager(ctx, kv, nil)
	require.NoError(t, err)
	exp, err := m1.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)
	first, err := m1.VariantFor(ctx, exp.ID, "alice")
	require.NoError(t, err)

	// A fresh manager over the same store sees the persisted assignment.
	m2, err := NewManager(ctx, kv, nil)
	require.NoError(t, err)
	again, err := m2.VariantFor(ctx, exp.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Name, again.Name)
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	const goroutines = 50
	results := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := m.VariantFor(ctx, exp.ID, "alice")
			if err == nil {
				results[idx] = v.Name
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestAssignmentDistributionMatchesWeights(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	counts := map[string]int{}
	const users = 2000
	for i := 0; i < users; i++ {
		v, err := m.VariantFor(ctx, exp.ID, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		counts[v.Name]++
	}
	// 50/50 split over 2000 users; allow 5 percentage points of drift.
	assert.InDelta(t, users/2, counts["control"], 100)
	assert.InDelta(t, users/2, counts["treatment"], 100)
}

func TestUnknownExperiment(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.VariantFor(ctx, "missing", "alice")
	assert.ErrorIs(t, err, model.ErrExperimentNotFound)
	assert.ErrorIs(t, m.RecordEvent(ctx, "missing", "alice", "click"), model.ErrExperimentNotFound)
}

func TestRecordEventWithoutSink(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	err = m.RecordEvent(ctx, exp.ID, "alice", "click")
	assert.ErrorIs(t, err, model.ErrEventSinkUnavailable)

	// The sink failing must not break assignment.
	_, err = m.VariantFor(ctx, exp.ID, "alice")
	assert.NoError(t, err)
}

func TestBufferedSinkDrainsEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	sink := NewBufferedSink(16, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	m := newTestManager(t, sink)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.RecordEvent(ctx, exp.ID, "alice", "click"))
	}
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 5)
	assert.Equal(t, "click", got[0].Name)
}

func TestBufferedSinkRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := NewBufferedSink(1, func(Event) { <-block })

	// First event occupies the handler, second fills the queue, third is
	// rejected immediately.
	require.NoError(t, sink.Record(context.Background(), Event{Name: "a"}))
	var rejected bool
	for i := 0; i < 10; i++ {
		if err := sink.Record(context.Background(), Event{Name: "b"}); err != nil {
			assert.ErrorIs(t, err, model.ErrEventSinkUnavailable)
			rejected = true
			break
		}
	}
	assert.True(t, rejected)
	close(block)
	sink.Close()
}

func TestExperimentLifecycleAndWinner(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, exp.ID))
	assert.Error(t, m.Start(ctx, exp.ID), "starting a running experiment must fail")

	// Configure winner determination.
	got, err := m.Get(exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentRunning, got.Status)

	m.mu.Lock()
	m.experiments[exp.ID].TargetMetric = "conversion"
	m.experiments[exp.ID].MinimumSamples = 10
	m.mu.Unlock()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.RecordObservation(exp.ID, "control", "conversion", 0.10))
		require.NoError(t, m.RecordObservation(exp.ID, "treatment", "conversion", 0.15))
	}

	done, err := m.Complete(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentComplete, done.Status)
	assert.Equal(t, "treatment", done.WinnerVariant)
}

func TestWinnerRequiresMinimumSamples(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	exp, err := m.Create(ctx, model.Feature{Name: "NightMode"}, abVariants(), model.UserSubset{})
	require.NoError(t, err)

	m.mu.Lock()
	m.experiments[exp.ID].TargetMetric = "conversion"
	m.experiments[exp.ID].MinimumSamples = 100
	m.mu.Unlock()

	require.NoError(t, m.RecordObservation(exp.ID, "treatment", "conversion", 0.9))
	done, err := m.Complete(ctx, exp.ID)
	require.NoError(t, err)
	assert.Empty(t, done.WinnerVariant, "no variant reached the minimum sample count")
}
