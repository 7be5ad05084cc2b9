// Package engine implements the rollout decision state machine:
//
//	Draft → PartialRollout → Monitoring ⇄ Expanding → FullRollout
//	                              └────────────────→ RolledBack
//
// The engine consumes evaluator recommendations on a periodic scheduler,
// widens the flag percentage along a configured ladder after enough
// consecutive healthy windows, and hands unhealthy rollouts to the rollback
// coordinator. Expansion is debounced; rollback is not: one critical signal
// suffices.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ramp/pkg/eventbus"
	"ramp/pkg/evaluate"
	"ramp/pkg/flags"
	"ramp/pkg/ledger"
	"ramp/pkg/model"
	"ramp/pkg/monitor"
	"ramp/pkg/rollback"
	"ramp/pkg/store"
	"ramp/pkg/structlog"
)

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "ramp", Subsystem: "engine", Name: "decisions_total", Help: "Rollout decisions by action."},
	[]string{"feature", "action"},
)

func init() { _ = prometheus.Register(decisions) }

// Deployer pushes the feature to the currently exposed subset. The engine
// calls it once per rollout step; distribution mechanics are external.
type Deployer interface {
	DeployToSubset(ctx context.Context, feature string, subset model.UserSubset) (model.DeploymentResult, error)
}

// Config tunes the engine.
type Config struct {
	// Ladder is the ordered percentage steps; the last entry must be 100.
	Ladder []int
	// DebounceN is the number of consecutive proceed recommendations
	// required before expanding.
	DebounceN int
	// Tick is the evaluation loop period.
	Tick time.Duration
	// Window is the monitoring window evaluated each cycle.
	Window time.Duration
}

// DefaultConfig matches the stock canary ladder.
func DefaultConfig() Config {
	return Config{
		Ladder:    []int{5, 10, 25, 50, 100},
		DebounceN: 3,
		Tick:      time.Minute,
		Window:    10 * time.Minute,
	}
}

// Validate rejects ladders that cannot reach full rollout.
func (c Config) Validate() error {
	if len(c.Ladder) == 0 || c.Ladder[len(c.Ladder)-1] != 100 {
		return &model.ConfigError{Field: "ladder", Value: c.Ladder, Msg: "ladder must end at 100"}
	}
	prev := 0
	for _, p := range c.Ladder {
		if p <= prev || p > 100 {
			return &model.ConfigError{Field: "ladder", Value: c.Ladder, Msg: "ladder must be strictly increasing within (0,100]"}
		}
		prev = p
	}
	if c.DebounceN < 1 {
		return &model.ConfigError{Field: "debounce", Value: c.DebounceN, Msg: "debounce must be at least 1"}
	}
	return nil
}

type rolloutState struct {
	Feature             model.Feature     `json:"feature"`
	State               model.RolloutState `json:"state"`
	Pct                 int               `json:"pct"`
	ConsecutiveProceeds int               `json:"consecutive_proceeds"`
	LastEval            *model.EvaluationResult `json:"last_eval,omitempty"`
	Unrecoverable       bool              `json:"unrecoverable"`
	UpdatedAt           time.Time         `json:"updated_at"`

	cancelled bool
}

// Engine is the rollout state machine.
type Engine struct {
	cfg      Config
	flags    *flags.Store
	agg      *monitor.Aggregator
	eval     *evaluate.Evaluator
	rb       *rollback.Coordinator
	deployer Deployer
	bus      eventbus.Publisher
	led      *ledger.Ledger
	log      *structlog.Logger
	kv       store.KV
	clock    Clock

	mu       sync.Mutex
	rollouts map[string]*rolloutState
}

// New wires the engine. bus, led, and deployer may be nil in tests; clock
// nil means wall clock.
func New(cfg Config, fl *flags.Store, agg *monitor.Aggregator, ev *evaluate.Evaluator, rb *rollback.Coordinator, dep Deployer, bus eventbus.Publisher, led *ledger.Ledger, kv store.KV, log *structlog.Logger, clock Clock) (*Engine, error) {
	if cfg.Ladder == nil && cfg.DebounceN == 0 && cfg.Tick == 0 && cfg.Window == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = structlog.New("engine", structlog.LevelInfo, nil)
	}
	e := &Engine{
		cfg: cfg, flags: fl, agg: agg, eval: ev, rb: rb,
		deployer: dep, bus: bus, led: led, kv: kv, log: log, clock: clock,
		rollouts: make(map[string]*rolloutState),
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore() error {
	if e.kv == nil {
		return nil
	}
	records, err := e.kv.List(context.Background(), store.PrefixRolloutState)
	if err != nil {
		return fmt.Errorf("restore rollouts: %w", err)
	}
	for _, raw := range records {
		var rs rolloutState
		if err := json.Unmarshal(raw, &rs); err != nil {
			return fmt.Errorf("decode rollout state: %w", err)
		}
		e.rollouts[rs.Feature.Name] = &rs
	}
	return nil
}

// CreateRollout registers a feature, creates its flag, captures the
// last-known-good rollback point, and starts exposure at initialPct.
func (e *Engine) CreateRollout(ctx context.Context, feature model.Feature, initialPct int) error {
	if initialPct < 0 || initialPct > 100 {
		return &model.ConfigError{Field: "initial_pct", Value: initialPct, Msg: "must be in [0,100]"}
	}
	e.mu.Lock()
	prior, exists := e.rollouts[feature.Name]
	if exists && !prior.State.Terminal() {
		e.mu.Unlock()
		return &model.ConfigError{Field: "feature", Value: feature.Name, Msg: "rollout already active"}
	}
	e.mu.Unlock()

	// Flag starts at 0 so the rollback point captures the pre-exposure state.
	flag := model.FeatureFlag{
		Name:        feature.Name,
		Enabled:     true,
		RolloutPct:  0,
		TargetUsers: feature.TargetUsers,
	}
	if exists {
		// A terminal rollout may start over: the new revision replaces the
		// old flag and forgets the previous cycle's rollback outcome so its
		// first rollback is not mistaken for a retry.
		if err := e.flags.Replace(ctx, flag); err != nil {
			return err
		}
		if e.rb != nil {
			if err := e.rb.ClearOutcome(ctx, feature.Name); err != nil {
				return fmt.Errorf("clear rollback outcome: %w", err)
			}
		}
	} else if err := e.flags.Create(ctx, flag); err != nil {
		return err
	}
	if e.rb != nil {
		if _, err := e.rb.DefinePoint(ctx, feature.Name, "initial"); err != nil {
			return fmt.Errorf("define rollback point: %w", err)
		}
	}

	rs := &rolloutState{
		Feature:   feature,
		State:     model.StateDraft,
		UpdatedAt: e.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.rollouts[feature.Name] = rs
	e.mu.Unlock()

	if initialPct > 0 {
		if err := e.flags.SetRolloutPercentage(ctx, feature.Name, initialPct); err != nil {
			return err
		}
		e.transition(rs, model.StatePartialRollout, initialPct)
		e.deploy(ctx, feature)
		e.publish(ctx, model.EventRolloutStarted, rs, "rollout started")
	}
	return e.persist(ctx, rs)
}

// Status returns the operator view of one rollout.
func (e *Engine) Status(featureName string) (model.RolloutStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rollouts[featureName]
	if !ok {
		return model.RolloutStatus{}, model.ErrFeatureNotFound
	}
	return model.RolloutStatus{
		Feature:        featureName,
		State:          rs.State,
		Pct:            rs.Pct,
		LastEvaluation: rs.LastEval,
		UpdatedAt:      rs.UpdatedAt,
	}, nil
}

// ForceExpand advances one ladder step immediately, bypassing the debounce.
func (e *Engine) ForceExpand(ctx context.Context, featureName string) error {
	e.mu.Lock()
	rs, ok := e.rollouts[featureName]
	e.mu.Unlock()
	if !ok {
		return model.ErrFeatureNotFound
	}
	if rs.State.Terminal() {
		return &model.ConfigError{Field: "state", Value: rs.State, Msg: "rollout is terminal"}
	}
	return e.expand(ctx, rs, "operator force-expand", 1.0)
}

// ForceRollback cancels the rollout and rolls it back immediately. A single
// operator or alert signal is sufficient; no debounce applies.
func (e *Engine) ForceRollback(ctx context.Context, featureName, reason string) error {
	e.mu.Lock()
	rs, ok := e.rollouts[featureName]
	if ok {
		rs.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		return model.ErrFeatureNotFound
	}
	return e.rollbackNow(ctx, rs, reason, 1.0)
}

// Run drives the evaluation loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Cycle(ctx)
			e.agg.Compact()
		}
	}
}

// Cycle runs one evaluation pass over every active rollout. Exposed so the
// service and tests can drive the loop directly.
func (e *Engine) Cycle(ctx context.Context) {
	e.mu.Lock()
	active := make([]*rolloutState, 0, len(e.rollouts))
	for _, rs := range e.rollouts {
		if !rs.State.Terminal() && !rs.Unrecoverable {
			active = append(active, rs)
		}
	}
	e.mu.Unlock()
	for _, rs := range active {
		e.evaluateOne(ctx, rs)
	}
}

func (e *Engine) evaluateOne(ctx context.Context, rs *rolloutState) {
	e.mu.Lock()
	name := rs.Feature.Name
	state := rs.State
	e.mu.Unlock()
	if state != model.StatePartialRollout && state != model.StateMonitoring {
		return
	}

	mr := e.agg.Collect(name, e.cfg.Window)
	result := e.eval.Evaluate(mr)

	e.mu.Lock()
	rs.LastEval = &result
	if rs.State == model.StatePartialRollout {
		rs.State = model.StateMonitoring
	}
	from := rs.State
	e.mu.Unlock()

	switch result.Recommendation {
	case model.RecommendProceed:
		e.mu.Lock()
		rs.ConsecutiveProceeds++
		ready := rs.ConsecutiveProceeds >= e.cfg.DebounceN
		e.mu.Unlock()
		if ready {
			if err := e.expand(ctx, rs, fmt.Sprintf("healthy for %d consecutive windows (score %.3f)", e.cfg.DebounceN, result.OverallScore), result.OverallScore); err != nil {
				e.log.Warn("expansion failed", structlog.Fields{"feature": name, "error": err.Error()})
			}
		} else {
			e.record(rs, from, model.ActionHold, result.OverallScore, "healthy window, debouncing")
		}
	case model.RecommendRollback:
		// A rollback recommendation bypasses the debounce entirely.
		if err := e.rollbackNow(ctx, rs, fmt.Sprintf("evaluator recommended rollback (score %.3f)", result.OverallScore), 1-result.OverallScore); err != nil {
			e.log.Error("rollback failed", structlog.Fields{"feature": name, "error": err.Error()})
		}
	default:
		e.mu.Lock()
		rs.ConsecutiveProceeds = 0
		e.mu.Unlock()
		reason := "continuing to monitor"
		if result.InsufficientData {
			reason = "insufficient data, deferring judgment"
		}
		e.record(rs, from, model.ActionHold, 0.5, reason)
	}
	_ = e.persist(ctx, rs)
}

// expand raises the flag to the next ladder step. The cancellation check,
// the percentage write, and the state commit happen under one lock: an
// operator rollback either lands before the check and aborts the expansion,
// or lands after the commit and resets the raised flag. A completed rollback
// is never overwritten by a stale expansion.
func (e *Engine) expand(ctx context.Context, rs *rolloutState, reason string, confidence float64) error {
	e.mu.Lock()
	if rs.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if rs.cancelled {
		e.mu.Unlock()
		return e.rollbackNow(ctx, rs, "cancelled by operator during expansion", 1.0)
	}
	name := rs.Feature.Name
	from := rs.State
	next, final := e.nextStep(rs.Pct)
	rs.State = model.StateExpanding
	rs.UpdatedAt = e.clock.Now().UTC()

	if err := e.flags.SetRolloutPercentage(ctx, name, next); err != nil {
		rs.State = model.StateMonitoring
		e.mu.Unlock()
		return err
	}
	rs.Pct = next
	rs.ConsecutiveProceeds = 0
	if final {
		rs.State = model.StateFullRollout
	} else {
		rs.State = model.StateMonitoring
	}
	rs.UpdatedAt = e.clock.Now().UTC()
	e.mu.Unlock()

	e.deploy(ctx, rs.Feature)
	e.record(rs, from, model.ActionExpand, confidence, reason)
	if final {
		// A completed rollout becomes the new last-known-good configuration.
		if e.rb != nil {
			if _, err := e.rb.DefinePoint(ctx, name, "full-rollout"); err != nil {
				e.log.Warn("superseding rollback point failed", structlog.Fields{"feature": name, "error": err.Error()})
			}
		}
		e.publish(ctx, model.EventRolloutCompleted, rs, reason)
	} else {
		e.publish(ctx, model.EventRolloutExpanded, rs, reason)
	}
	return e.persist(ctx, rs)
}

// nextStep returns the first ladder entry above pct and whether it is the
// final step.
func (e *Engine) nextStep(pct int) (int, bool) {
	for _, step := range e.cfg.Ladder {
		if step > pct {
			return step, step == 100
		}
	}
	return 100, true
}

// rollbackNow executes a rollback via the coordinator. Failure leaves the
// engine in Monitoring and raises an unrecoverable-state condition; the
// engine never claims a rollback succeeded when it did not.
func (e *Engine) rollbackNow(ctx context.Context, rs *rolloutState, reason string, confidence float64) error {
	e.mu.Lock()
	name := rs.Feature.Name
	from := rs.State
	if rs.State == model.StateRolledBack {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.rb == nil {
		return fmt.Errorf("%w: no rollback coordinator wired", model.ErrUnrecoverableState)
	}
	result, err := e.rb.Execute(ctx, name, reason)
	if err != nil {
		if errors.Is(err, model.ErrRollbackInFlight) {
			// Another rollback for this feature is already executing; defer
			// to it rather than declaring the rollout unrecoverable.
			return err
		}
		e.mu.Lock()
		rs.State = model.StateMonitoring
		rs.Unrecoverable = true
		rs.UpdatedAt = e.clock.Now().UTC()
		e.mu.Unlock()
		e.publish(ctx, model.EventUnrecoverableState, rs, err.Error())
		_ = e.persist(ctx, rs)
		return fmt.Errorf("%w: %v", model.ErrUnrecoverableState, err)
	}

	e.mu.Lock()
	rs.State = model.StateRolledBack
	rs.Pct = 0
	rs.UpdatedAt = e.clock.Now().UTC()
	e.mu.Unlock()
	e.record(rs, from, model.ActionRollback, confidence, reason)
	e.publish(ctx, model.EventRolledBack, rs, reason)
	e.log.Audit("rollout rolled back", structlog.Fields{"feature": name, "reason": reason, "restored_to": result.RestoredTo})
	return e.persist(ctx, rs)
}

func (e *Engine) deploy(ctx context.Context, feature model.Feature) {
	if e.deployer == nil {
		return
	}
	subset := model.UserSubset{UserIDs: feature.TargetUsers, Criteria: "rollout step"}
	res, err := e.deployer.DeployToSubset(ctx, feature.Name, subset)
	if err != nil || !res.Success {
		// Recoverable: next cycle retries at the same percentage.
		e.log.Warn("deployment failed", structlog.Fields{"feature": feature.Name, "error": fmt.Sprintf("%v", err), "detail": res.Detail})
	}
}

func (e *Engine) transition(rs *rolloutState, next model.RolloutState, pct int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !rs.State.CanTransition(next) {
		return
	}
	rs.State = next
	rs.Pct = pct
	rs.UpdatedAt = e.clock.Now().UTC()
}

// record writes the decision audit entry.
func (e *Engine) record(rs *rolloutState, from model.RolloutState, action model.DecisionAction, confidence float64, reason string) {
	e.mu.Lock()
	d := model.RolloutDecision{
		ID:         uuid.NewString(),
		Feature:    rs.Feature.Name,
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
		FromState:  from,
		ToState:    rs.State,
		Pct:        rs.Pct,
		DecidedAt:  e.clock.Now().UTC(),
	}
	e.mu.Unlock()
	decisions.WithLabelValues(d.Feature, string(action)).Inc()
	if e.led != nil {
		_ = e.led.Append("rollout.decision", d)
	}
}

// publish emits a state-change event; notification failures never block the
// transition.
func (e *Engine) publish(ctx context.Context, eventType string, rs *rolloutState, reason string) {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	payload := model.RolloutEvent{
		Feature:   rs.Feature.Name,
		State:     rs.State,
		Pct:       rs.Pct,
		Reason:    reason,
		Timestamp: e.clock.Now().UTC(),
	}
	e.mu.Unlock()
	if err := e.bus.Publish(ctx, eventbus.Event{Type: eventType, Source: "engine", Payload: payload}); err != nil {
		e.log.Warn("event publish failed", structlog.Fields{"event": eventType, "error": err.Error()})
	}
}

func (e *Engine) persist(ctx context.Context, rs *rolloutState) error {
	if e.kv == nil {
		return nil
	}
	e.mu.Lock()
	raw, err := json.Marshal(rs)
	name := rs.Feature.Name
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode rollout state: %w", err)
	}
	if err := e.kv.Put(ctx, store.PrefixRolloutState+name, raw); err != nil {
		return fmt.Errorf("persist rollout state: %w", err)
	}
	return nil
}
