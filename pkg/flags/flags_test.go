package flags

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp/pkg/model"
	"ramp/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), store.NewMemory())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestBucketDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("user-%d", i)
		first := Bucket("NightMode", user)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 100)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, Bucket("NightMode", user))
		}
	}
}

func TestBucketVariesAcrossFeatures(t *testing.T) {
	differs := false
	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%d", i)
		if Bucket("FeatureA", user) != Bucket("FeatureB", user) {
			differs = true
			break
		}
	}
	assert.True(t, differs, "buckets should depend on the feature name")
}

func TestIsEnabledPercentageRollout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true, RolloutPct: 10}))

	enabled := 0
	for i := 0; i < 1000; i++ {
		if s.IsEnabled("NightMode", fmt.Sprintf("user-%d", i)) {
			enabled++
		}
	}
	// Binomial(1000, 0.1): mean 100, sd ~9.5. A 40-user band is over 4 sigma.
	assert.InDelta(t, 100, enabled, 40)
}

func TestExpansionKeepsExistingUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true, RolloutPct: 10}))

	var earlyUsers []string
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		if s.IsEnabled("NightMode", user) {
			earlyUsers = append(earlyUsers, user)
		}
	}

	require.NoError(t, s.SetRolloutPercentage(ctx, "NightMode", 50))
	for _, user := range earlyUsers {
		assert.True(t, s.IsEnabled("NightMode", user), "user %s lost access on expansion", user)
	}

	enabled := 0
	for i := 0; i < 1000; i++ {
		if s.IsEnabled("NightMode", fmt.Sprintf("user-%d", i)) {
			enabled++
		}
	}
	assert.InDelta(t, 500, enabled, 70)
}

func TestTargetUsersAlwaysEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true, RolloutPct: 0, TargetUsers: []string{"alice"}}))

	assert.True(t, s.IsEnabled("Beta", "alice"))
	assert.False(t, s.IsEnabled("Beta", "bob"))
}

func TestDisabledFlagIsOffForEveryone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: false, RolloutPct: 100, TargetUsers: []string{"alice"}}))

	assert.False(t, s.IsEnabled("Beta", "alice"))
	assert.False(t, s.IsEnabled("Beta", "bob"))
}

func TestUnknownFlagIsOff(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.IsEnabled("nope", "alice"))
}

func TestPercentageNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true, RolloutPct: 50}))

	err := s.SetRolloutPercentage(ctx, "Beta", 25)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	flag, err := s.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 50, flag.RolloutPct)
}

func TestPercentageRangeValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true}))

	assert.ErrorIs(t, s.SetRolloutPercentage(ctx, "Beta", -1), model.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.SetRolloutPercentage(ctx, "Beta", 101), model.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.Create(ctx, model.FeatureFlag{Name: "Bad", RolloutPct: 200}), model.ErrInvalidConfiguration)
}

func TestResetClearsExposure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true, RolloutPct: 80, TargetUsers: []string{"alice"}}))

	require.NoError(t, s.Reset(ctx, "Beta"))
	flag, err := s.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 0, flag.RolloutPct)
	assert.Empty(t, flag.TargetUsers)
	assert.False(t, s.IsEnabled("Beta", "alice"))
}

func TestReplaceInstallsNewRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true, RolloutPct: 50, TargetUsers: []string{"alice"}}))

	// Unlike SetRolloutPercentage, a replacement may lower the percentage:
	// it starts a new rollout cycle for a feature whose previous one ended.
	require.NoError(t, s.Replace(ctx, model.FeatureFlag{Name: "Beta", Enabled: true}))
	flag, err := s.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 0, flag.RolloutPct)
	assert.Empty(t, flag.TargetUsers)

	assert.ErrorIs(t, s.Replace(ctx, model.FeatureFlag{Name: "missing"}), model.ErrFeatureNotFound)
	assert.ErrorIs(t, s.Replace(ctx, model.FeatureFlag{Name: "Beta", RolloutPct: 200}), model.ErrInvalidConfiguration)
}

// gatedKV lets a test hold one Put mid-flight.
type gatedKV struct {
	store.KV
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Put(ctx context.Context, key string, value []byte) error {
	if g.gate.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.KV.Put(ctx, key, value)
}

func TestEnqueuedWriteReportsTrueOutcome(t *testing.T) {
	kv := &gatedKV{KV: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	s, err := NewStore(context.Background(), kv)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Create(context.Background(), model.FeatureFlag{Name: "Beta", Enabled: true}))

	ctx, cancel := context.WithCancel(context.Background())
	kv.gate.Store(true)
	errCh := make(chan error, 1)
	go func() { errCh <- s.SetRolloutPercentage(ctx, "Beta", 25) }()

	// Cancel the caller once the write is already executing: the mutation
	// lands, so the caller must see success, not a spurious context error.
	<-kv.entered
	cancel()
	close(kv.release)

	require.NoError(t, <-errCh)
	flag, err := s.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 25, flag.RolloutPct)
}

func TestConcurrentWritesAreOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true}))

	var wg sync.WaitGroup
	for pct := 1; pct <= 100; pct++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			// Decreases are rejected; only the racing increases land.
			_ = s.SetRolloutPercentage(ctx, "Beta", p)
		}(pct)
	}
	wg.Wait()

	flag, err := s.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 100, flag.RolloutPct)
}

func TestFlagsSurviveReload(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	s1, err := NewStore(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, s1.Create(ctx, model.FeatureFlag{Name: "Beta", Enabled: true, RolloutPct: 25}))
	s1.Close()

	s2, err := NewStore(ctx, kv)
	require.NoError(t, err)
	defer s2.Close()
	flag, err := s2.Get("Beta")
	require.NoError(t, err)
	assert.Equal(t, 25, flag.RolloutPct)
	assert.True(t, flag.Enabled)
}
