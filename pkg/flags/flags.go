// Package flags implements the feature-flag store: deterministic, sticky
// percentage bucketing with an explicit target-user override list.
//
// The read path (IsEnabled) is on the hot request path and never takes a
// lock: the whole flag table is an immutable snapshot held in an
// atomic.Value, replaced wholesale on every write. Writes are serialized by
// a mutex and written through to the backing store.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ramp/pkg/model"
	"ramp/pkg/store"
)

var (
	flagChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "flags", Name: "checks_total", Help: "Flag evaluations by outcome."},
		[]string{"feature", "result"},
	)
	flagWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ramp", Subsystem: "flags", Name: "writes_total", Help: "Flag mutations by kind."},
		[]string{"feature", "kind"},
	)
)

func init() {
	_ = prometheus.Register(flagChecks)
	_ = prometheus.Register(flagWrites)
}

type snapshot struct {
	flags map[string]*model.FeatureFlag
}

// Store holds feature-flag definitions and answers exposure queries.
type Store struct {
	kv store.KV

	// writeCh serializes all mutations: a single writer goroutine owns the
	// snapshot swap, so the percentage for a given flag is totally ordered
	// no matter how many callers race.
	writeCh chan func()
	stop    chan struct{}

	snap atomicSnapshot
}

// NewStore loads existing flags from kv and starts the writer loop.
func NewStore(ctx context.Context, kv store.KV) (*Store, error) {
	s := &Store{
		kv:      kv,
		writeCh: make(chan func()),
		stop:    make(chan struct{}),
	}
	flags := make(map[string]*model.FeatureFlag)
	records, err := kv.List(ctx, store.PrefixFlag)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	for _, raw := range records {
		var f model.FeatureFlag
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode flag record: %w", err)
		}
		flags[f.Name] = &f
	}
	s.snap.store(&snapshot{flags: flags})
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	for {
		select {
		case fn := <-s.writeCh:
			fn()
		case <-s.stop:
			return
		}
	}
}

// Close stops the writer loop.
func (s *Store) Close() { close(s.stop) }

// IsEnabled reports whether the feature is on for the user. Globally
// disabled flags are off for everyone; explicitly targeted users are always
// on; everyone else is bucketed by stable hash against the rollout
// percentage.
func (s *Store) IsEnabled(featureName, userID string) bool {
	f, ok := s.snap.load().flags[featureName]
	if !ok || !f.Enabled {
		flagChecks.WithLabelValues(featureName, "off").Inc()
		return false
	}
	for _, t := range f.TargetUsers {
		if t == userID {
			flagChecks.WithLabelValues(featureName, "targeted").Inc()
			return true
		}
	}
	on := Bucket(featureName, userID) < f.RolloutPct
	if on {
		flagChecks.WithLabelValues(featureName, "on").Inc()
	} else {
		flagChecks.WithLabelValues(featureName, "off").Inc()
	}
	return on
}

// Get returns a copy of the flag, or model.ErrFeatureNotFound.
func (s *Store) Get(featureName string) (model.FeatureFlag, error) {
	f, ok := s.snap.load().flags[featureName]
	if !ok {
		return model.FeatureFlag{}, model.ErrFeatureNotFound
	}
	return *f, nil
}

// Create registers a new flag. Creating an existing flag is an error.
func (s *Store) Create(ctx context.Context, flag model.FeatureFlag) error {
	if flag.Name == "" {
		return &model.ConfigError{Field: "name", Value: flag.Name, Msg: "flag name required"}
	}
	if flag.RolloutPct < 0 || flag.RolloutPct > 100 {
		return &model.ConfigError{Field: "rollout_pct", Value: flag.RolloutPct, Msg: "must be in [0,100]"}
	}
	return s.mutate(ctx, flag.Name, "create", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur != nil {
			return nil, &model.ConfigError{Field: "name", Value: flag.Name, Msg: "flag already exists"}
		}
		f := flag
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// Replace installs a new revision of an existing flag, overwriting the old
// definition. Besides Reset it is the only mutation allowed to lower the
// percentage: a feature whose previous rollout cycle ended starts its next
// cycle from the replacement's state.
func (s *Store) Replace(ctx context.Context, flag model.FeatureFlag) error {
	if flag.Name == "" {
		return &model.ConfigError{Field: "name", Value: flag.Name, Msg: "flag name required"}
	}
	if flag.RolloutPct < 0 || flag.RolloutPct > 100 {
		return &model.ConfigError{Field: "rollout_pct", Value: flag.RolloutPct, Msg: "must be in [0,100]"}
	}
	return s.mutate(ctx, flag.Name, "replace", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur == nil {
			return nil, model.ErrFeatureNotFound
		}
		f := flag
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// SetRolloutPercentage raises (never lowers) the rollout percentage.
// Percentage decreases happen only through Reset as part of a rollback.
func (s *Store) SetRolloutPercentage(ctx context.Context, featureName string, pct int) error {
	if pct < 0 || pct > 100 {
		return &model.ConfigError{Field: "rollout_pct", Value: pct, Msg: "must be in [0,100]"}
	}
	return s.mutate(ctx, featureName, "set_pct", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur == nil {
			return nil, model.ErrFeatureNotFound
		}
		if pct < cur.RolloutPct {
			return nil, &model.ConfigError{Field: "rollout_pct", Value: pct,
				Msg: fmt.Sprintf("cannot decrease from %d outside rollback", cur.RolloutPct)}
		}
		f := *cur
		f.RolloutPct = pct
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// SetTargetUsers replaces the explicit allowlist.
func (s *Store) SetTargetUsers(ctx context.Context, featureName string, userIDs []string) error {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	return s.mutate(ctx, featureName, "set_targets", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur == nil {
			return nil, model.ErrFeatureNotFound
		}
		f := *cur
		f.TargetUsers = ids
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// SetEnabled flips the global kill switch.
func (s *Store) SetEnabled(ctx context.Context, featureName string, enabled bool) error {
	return s.mutate(ctx, featureName, "set_enabled", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur == nil {
			return nil, model.ErrFeatureNotFound
		}
		f := *cur
		f.Enabled = enabled
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// Reset is the rollback path: percentage to zero, targeting cleared. It is
// the only mutation allowed to lower the percentage.
func (s *Store) Reset(ctx context.Context, featureName string) error {
	return s.mutate(ctx, featureName, "reset", func(cur *model.FeatureFlag) (*model.FeatureFlag, error) {
		if cur == nil {
			return nil, model.ErrFeatureNotFound
		}
		f := *cur
		f.RolloutPct = 0
		f.TargetUsers = nil
		f.UpdatedAt = time.Now().UTC()
		return &f, nil
	})
}

// mutate runs fn on the writer goroutine, persists the new flag record, and
// swaps in a fresh snapshot. Readers never observe a torn update.
func (s *Store) mutate(ctx context.Context, featureName, kind string, fn func(cur *model.FeatureFlag) (*model.FeatureFlag, error)) error {
	done := make(chan error, 1)
	op := func() {
		cur := s.snap.load()
		next, err := fn(cur.flags[featureName])
		if err != nil {
			done <- err
			return
		}
		raw, err := json.Marshal(next)
		if err != nil {
			done <- fmt.Errorf("encode flag: %w", err)
			return
		}
		if err := s.kv.Put(ctx, store.PrefixFlag+featureName, raw); err != nil {
			done <- fmt.Errorf("persist flag: %w", err)
			return
		}
		flagsCopy := make(map[string]*model.FeatureFlag, len(cur.flags)+1)
		for k, v := range cur.flags {
			flagsCopy[k] = v
		}
		flagsCopy[featureName] = next
		s.snap.store(&snapshot{flags: flagsCopy})
		flagWrites.WithLabelValues(featureName, kind).Inc()
		done <- nil
	}
	select {
	case s.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	// An enqueued op always runs on the writer. Report its true outcome
	// rather than racing it against ctx, so a caller never sees a failure
	// for a mutation that landed.
	return <-done
}
