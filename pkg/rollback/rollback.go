// Package rollback validates and executes feature rollbacks. Execution is
// idempotent: re-running a rollback for a feature that is already rolled
// back is a no-op success, because the engine or an operator may retry after
// an ambiguous failure. A rollback never reports success it did not achieve.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ramp/pkg/flags"
	"ramp/pkg/ledger"
	"ramp/pkg/model"
	"ramp/pkg/store"
)

const resultPrefix = "rollbackresult:"

var rollbacks = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "ramp", Subsystem: "rollback", Name: "executions_total", Help: "Rollback executions by outcome."},
	[]string{"feature", "outcome"},
)

func init() { _ = prometheus.Register(rollbacks) }

// Coordinator owns rollback points and execution.
type Coordinator struct {
	kv      store.KV
	flags   *flags.Store
	led     *ledger.Ledger
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

// NewCoordinator wires the coordinator. timeout bounds each Execute call;
// zero means 30s.
func NewCoordinator(kv store.KV, fl *flags.Store, led *ledger.Ledger, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{kv: kv, flags: fl, led: led, timeout: timeout, inflight: make(map[string]bool)}
}

// DefinePoint captures the feature's current flag state and build as the
// last-known-good configuration. Existing points are superseded, never
// deleted.
func (c *Coordinator) DefinePoint(ctx context.Context, featureName, buildID string) (*model.RollbackPoint, error) {
	flag, err := c.flags.Get(featureName)
	if err != nil {
		return nil, err
	}
	point := &model.RollbackPoint{
		ID:        uuid.NewString(),
		Feature:   featureName,
		Flag:      flag,
		BuildID:   buildID,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(point)
	if err != nil {
		return nil, fmt.Errorf("encode rollback point: %w", err)
	}
	key := store.PrefixRollbackPoint + featureName + ":" + point.ID
	if err := c.kv.Put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("persist rollback point: %w", err)
	}
	return point, nil
}

// LatestPoint returns the most recently defined point for the feature, or
// model.ErrNoRollbackPoint.
func (c *Coordinator) LatestPoint(ctx context.Context, featureName string) (*model.RollbackPoint, error) {
	records, err := c.kv.List(ctx, store.PrefixRollbackPoint+featureName+":")
	if err != nil {
		return nil, fmt.Errorf("list rollback points: %w", err)
	}
	var latest *model.RollbackPoint
	for _, raw := range records {
		var p model.RollbackPoint
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = &p
		}
	}
	if latest == nil {
		return nil, model.ErrNoRollbackPoint
	}
	return latest, nil
}

// Validate checks rollback preconditions without mutating anything: a point
// must exist, the feature must be known, and no conflicting rollback may be
// in flight. The returned validation carries the actionable error.
func (c *Coordinator) Validate(ctx context.Context, featureName string) model.RollbackValidation {
	if _, err := c.flags.Get(featureName); err != nil {
		return model.RollbackValidation{OK: false, Err: err}
	}
	c.mu.Lock()
	busy := c.inflight[featureName]
	c.mu.Unlock()
	if busy {
		return model.RollbackValidation{OK: false, Err: fmt.Errorf("%w: feature %q", model.ErrRollbackInFlight, featureName)}
	}
	point, err := c.LatestPoint(ctx, featureName)
	if err != nil {
		return model.RollbackValidation{OK: false, Err: err}
	}
	return model.RollbackValidation{OK: true, Point: point}
}

// Execute performs the rollback: flag to 0%, targeting disabled, outcome
// recorded. Execution is bounded by the coordinator timeout; hitting it
// surfaces as a validation-style failure rather than hanging the scheduler.
func (c *Coordinator) Execute(ctx context.Context, featureName, reason string) (*model.RollbackResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Idempotence: a feature already at 0% with a recorded outcome is done.
	if prior, err := c.priorResult(ctx, featureName); err == nil && prior != nil {
		if flag, ferr := c.flags.Get(featureName); ferr == nil && flag.RolloutPct == 0 {
			out := *prior
			out.AlreadyDone = true
			rollbacks.WithLabelValues(featureName, "noop").Inc()
			return &out, nil
		}
	}

	validation := c.Validate(ctx, featureName)
	if !validation.OK {
		rollbacks.WithLabelValues(featureName, "validation_failed").Inc()
		return nil, validation.Err
	}

	c.mu.Lock()
	if c.inflight[featureName] {
		c.mu.Unlock()
		rollbacks.WithLabelValues(featureName, "conflict").Inc()
		return nil, fmt.Errorf("%w: feature %q", model.ErrRollbackInFlight, featureName)
	}
	c.inflight[featureName] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, featureName)
		c.mu.Unlock()
	}()

	if err := c.flags.Reset(ctx, featureName); err != nil {
		rollbacks.WithLabelValues(featureName, "failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: rollback timed out resetting flag", model.ErrUnrecoverableState)
		}
		return nil, fmt.Errorf("reset flag: %w", err)
	}

	result := &model.RollbackResult{
		Feature:    featureName,
		Reason:     reason,
		RestoredTo: validation.Point,
		ExecutedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode rollback result: %w", err)
	}
	if err := c.kv.Put(ctx, resultPrefix+featureName, raw); err != nil {
		rollbacks.WithLabelValues(featureName, "failed").Inc()
		return nil, fmt.Errorf("persist rollback result: %w", err)
	}
	if c.led != nil {
		_ = c.led.Append("rollback.executed", result)
	}
	rollbacks.WithLabelValues(featureName, "ok").Inc()
	return result, nil
}

// ClearOutcome forgets the persisted rollback outcome for a feature. A new
// rollout cycle calls this so its first rollback cannot be mistaken for a
// retry of the previous cycle's.
func (c *Coordinator) ClearOutcome(ctx context.Context, featureName string) error {
	return c.kv.Delete(ctx, resultPrefix+featureName)
}

func (c *Coordinator) priorResult(ctx context.Context, featureName string) (*model.RollbackResult, error) {
	raw, err := c.kv.Get(ctx, resultPrefix+featureName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var r model.RollbackResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode rollback result: %w", err)
	}
	return &r, nil
}
