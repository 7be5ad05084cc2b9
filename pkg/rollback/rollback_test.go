package rollback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp/pkg/flags"
	"ramp/pkg/ledger"
	"ramp/pkg/model"
	"ramp/pkg/store"
)

func newFixture(t *testing.T) (*Coordinator, *flags.Store, store.KV) {
	t.Helper()
	kv := store.NewMemory()
	fl, err := flags.NewStore(context.Background(), kv)
	require.NoError(t, err)
	t.Cleanup(fl.Close)
	led, err := ledger.New(filepath.Join(t.TempDir(), "ledger.jsonl"), "test")
	require.NoError(t, err)
	return NewCoordinator(kv, fl, led, 5*time.Second), fl, kv
}

func TestDefineAndLatestPoint(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true, RolloutPct: 0}))

	first, err := c.DefinePoint(ctx, "NightMode", "build-1")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Flag.RolloutPct)

	require.NoError(t, fl.SetRolloutPercentage(ctx, "NightMode", 50))
	time.Sleep(5 * time.Millisecond) // CreatedAt must differ
	second, err := c.DefinePoint(ctx, "NightMode", "build-2")
	require.NoError(t, err)

	latest, err := c.LatestPoint(ctx, "NightMode")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, 50, latest.Flag.RolloutPct)
}

func TestLatestPointMissing(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true}))

	_, err := c.LatestPoint(ctx, "NightMode")
	assert.ErrorIs(t, err, model.ErrNoRollbackPoint)
}

func TestValidate(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()

	v := c.Validate(ctx, "unknown")
	assert.False(t, v.OK)
	assert.ErrorIs(t, v.Err, model.ErrFeatureNotFound)

	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true}))
	v = c.Validate(ctx, "NightMode")
	assert.False(t, v.OK)
	assert.ErrorIs(t, v.Err, model.ErrNoRollbackPoint)

	_, err := c.DefinePoint(ctx, "NightMode", "build-1")
	require.NoError(t, err)
	v = c.Validate(ctx, "NightMode")
	assert.True(t, v.OK)
	require.NotNil(t, v.Point)
}

func TestExecuteRestoresFlag(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true}))
	_, err := c.DefinePoint(ctx, "NightMode", "build-1")
	require.NoError(t, err)
	require.NoError(t, fl.SetRolloutPercentage(ctx, "NightMode", 50))
	require.NoError(t, fl.SetTargetUsers(ctx, "NightMode", []string{"alice"}))

	res, err := c.Execute(ctx, "NightMode", "latency regression")
	require.NoError(t, err)
	assert.False(t, res.AlreadyDone)
	assert.Equal(t, "latency regression", res.Reason)

	flag, err := fl.Get("NightMode")
	require.NoError(t, err)
	assert.Equal(t, 0, flag.RolloutPct)
	assert.Empty(t, flag.TargetUsers)
	assert.False(t, fl.IsEnabled("NightMode", "alice"))
}

func TestExecuteIsIdempotent(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true}))
	_, err := c.DefinePoint(ctx, "NightMode", "build-1")
	require.NoError(t, err)
	require.NoError(t, fl.SetRolloutPercentage(ctx, "NightMode", 50))

	first, err := c.Execute(ctx, "NightMode", "regression")
	require.NoError(t, err)
	assert.False(t, first.AlreadyDone)

	// Retrying after an ambiguous failure must succeed without re-executing.
	second, err := c.Execute(ctx, "NightMode", "regression retry")
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)
	assert.Equal(t, first.Reason, second.Reason)

	flag, err := fl.Get("NightMode")
	require.NoError(t, err)
	assert.Equal(t, 0, flag.RolloutPct)
}

func TestClearOutcomeForgetsPriorExecution(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true}))
	_, err := c.DefinePoint(ctx, "NightMode", "build-1")
	require.NoError(t, err)
	require.NoError(t, fl.SetRolloutPercentage(ctx, "NightMode", 50))

	first, err := c.Execute(ctx, "NightMode", "first cycle")
	require.NoError(t, err)
	require.False(t, first.AlreadyDone)

	// A feature starting its next rollout cycle forgets the old outcome;
	// even at 0% its rollback then executes for real instead of replaying
	// the previous cycle's result.
	require.NoError(t, c.ClearOutcome(ctx, "NightMode"))
	second, err := c.Execute(ctx, "NightMode", "second cycle")
	require.NoError(t, err)
	assert.False(t, second.AlreadyDone)
	assert.Equal(t, "second cycle", second.Reason)
}

func TestExecuteWithoutPointFails(t *testing.T) {
	c, fl, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fl.Create(ctx, model.FeatureFlag{Name: "NightMode", Enabled: true, RolloutPct: 10}))

	_, err := c.Execute(ctx, "NightMode", "no point defined")
	assert.ErrorIs(t, err, model.ErrNoRollbackPoint)

	// Failed validation mutates nothing.
	flag, err := fl.Get("NightMode")
	require.NoError(t, err)
	assert.Equal(t, 10, flag.RolloutPct)
}
