// Package model defines the shared data model for the rollout engine:
// features, flags, experiments, monitoring and evaluation results, rollout
// state, and rollback bookkeeping. Every concept is defined exactly once here;
// components exchange these types rather than redeclaring their own.
package model

import "time"

// Feature is an identified unit of functionality under rollout.
// Identity (Name) is immutable; the target list may change.
type Feature struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TargetUsers []string  `json:"target_users,omitempty"`
	Metrics     []string  `json:"metrics"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeatureFlag gates exposure of one Feature. RolloutPct is monotonically
// non-decreasing except on rollback, and is mutated only through the
// DecisionEngine or an explicit operator call, never both concurrently.
type FeatureFlag struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	RolloutPct  int       `json:"rollout_pct"` // 0..100
	TargetUsers []string  `json:"target_users,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserSubset is an immutable snapshot of users selected into an experiment,
// with the selection criteria recorded for audit. Re-randomization creates a
// new subset; an existing one is never mutated.
type UserSubset struct {
	ID        string    `json:"id"`
	UserIDs   []string  `json:"user_ids"`
	Criteria  string    `json:"criteria"`
	CreatedAt time.Time `json:"created_at"`
}

// Variant is one treatment arm of an experiment. Weight is in [0,1] and all
// variant weights within one experiment sum to 1.0.
type Variant struct {
	Name    string         `json:"name"`
	Weight  float64        `json:"weight"`
	Config  map[string]any `json:"config,omitempty"`
	Control bool           `json:"control,omitempty"`
}

// UserVariantAssignment binds one user to one variant within one experiment.
// For a given (experiment, user) pair the assignment is stable for the
// lifetime of the experiment.
type UserVariantAssignment struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	Variant      string    `json:"variant"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft    ExperimentStatus = "draft"
	ExperimentRunning  ExperimentStatus = "running"
	ExperimentComplete ExperimentStatus = "complete"
)

// Experiment is an A/B test configuration paired with a feature rollout.
type Experiment struct {
	ID             string           `json:"id"`
	FeatureName    string           `json:"feature_name"`
	Variants       []Variant        `json:"variants"`
	Subset         UserSubset       `json:"subset"`
	Status         ExperimentStatus `json:"status"`
	TargetMetric   string           `json:"target_metric,omitempty"`
	MinimumSamples int              `json:"minimum_samples,omitempty"`
	WinnerVariant  string           `json:"winner_variant,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MetricKind fixes the aggregation method for a metric: rates and latencies
// average, counts sum, error spikes take the window maximum.
type MetricKind string

const (
	MetricRate      MetricKind = "rate"      // aggregated by mean
	MetricCount     MetricKind = "count"     // aggregated by sum
	MetricGauge     MetricKind = "gauge"     // aggregated by mean
	MetricErrorRate MetricKind = "error_rate" // aggregated by max
)

// Sample is a single recorded metric observation for a feature.
type Sample struct {
	Feature   string    `json:"feature"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"ts"`
}

// MonitoringResult is a timestamped aggregate of all samples for one feature
// over one collection window. Immutable once produced.
type MonitoringResult struct {
	Feature          string             `json:"feature"`
	WindowStart      time.Time          `json:"window_start"`
	WindowEnd        time.Time          `json:"window_end"`
	SampleCount      int                `json:"sample_count"`
	InsufficientData bool               `json:"insufficient_data"`
	LatencyMs        float64            `json:"latency_ms"`
	Throughput       float64            `json:"throughput"`
	ErrorRate        float64            `json:"error_rate"`
	Engagement       float64            `json:"engagement"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
}

// Recommendation is the evaluator's verdict for one monitoring window.
type Recommendation string

const (
	RecommendProceed  Recommendation = "proceed"
	RecommendRollback Recommendation = "rollback"
	RecommendContinue Recommendation = "continue_monitoring"
)

// EvaluationResult is a pure function of one MonitoringResult and the
// evaluator configuration: per-dimension scores in [0,1], an overall score,
// and a recommendation.
type EvaluationResult struct {
	Feature          string         `json:"feature"`
	PerformanceScore float64        `json:"performance_score"`
	ErrorScore       float64        `json:"error_score"`
	BehaviorScore    float64        `json:"behavior_score"`
	OverallScore     float64        `json:"overall_score"`
	Recommendation   Recommendation `json:"recommendation"`
	InsufficientData bool           `json:"insufficient_data"`
	EvaluatedAt      time.Time      `json:"evaluated_at"`
}

// RolloutState is the DecisionEngine's state for one rollout cycle.
type RolloutState string

const (
	StateDraft          RolloutState = "draft"
	StatePartialRollout RolloutState = "partial_rollout"
	StateMonitoring     RolloutState = "monitoring"
	StateExpanding      RolloutState = "expanding"
	StateFullRollout    RolloutState = "full_rollout"
	StateRolledBack     RolloutState = "rolled_back"
)

// Terminal reports whether the state ends the rollout cycle.
func (s RolloutState) Terminal() bool {
	return s == StateFullRollout || s == StateRolledBack
}

// CanTransition reports whether the state machine permits moving from s to
// next. Monitoring is re-entrant via Expanding.
func (s RolloutState) CanTransition(next RolloutState) bool {
	switch s {
	case StateDraft:
		return next == StatePartialRollout
	case StatePartialRollout:
		return next == StateMonitoring || next == StateExpanding || next == StateRolledBack
	case StateMonitoring:
		return next == StateExpanding || next == StateRolledBack
	case StateExpanding:
		return next == StateMonitoring || next == StateFullRollout || next == StateRolledBack
	default:
		return false
	}
}

// DecisionAction is what the engine chose to do for one evaluation cycle.
type DecisionAction string

const (
	ActionExpand   DecisionAction = "expand"
	ActionHold     DecisionAction = "hold"
	ActionRollback DecisionAction = "rollback"
)

// RolloutDecision is the audit record of one evaluation cycle.
type RolloutDecision struct {
	ID         string         `json:"id"`
	Feature    string         `json:"feature"`
	Action     DecisionAction `json:"action"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	FromState  RolloutState   `json:"from_state"`
	ToState    RolloutState   `json:"to_state"`
	Pct        int            `json:"pct"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// RollbackPoint is a named, timestamped reference to the last-known-good
// configuration of a feature. Superseded, never deleted, by a new point on
// each successful full rollout.
type RollbackPoint struct {
	ID        string      `json:"id"`
	Feature   string      `json:"feature"`
	Flag      FeatureFlag `json:"flag"`
	BuildID   string      `json:"build_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// RollbackValidation is the outcome of rollback precondition checks.
// Err carries the actionable failure when OK is false.
type RollbackValidation struct {
	OK    bool           `json:"ok"`
	Point *RollbackPoint `json:"point,omitempty"`
	Err   error          `json:"-"`
}

// RollbackResult reports an executed (or deduplicated) rollback.
type RollbackResult struct {
	Feature     string         `json:"feature"`
	Reason      string         `json:"reason"`
	RestoredTo  *RollbackPoint `json:"restored_to,omitempty"`
	AlreadyDone bool           `json:"already_done"`
	ExecutedAt  time.Time      `json:"executed_at"`
}

// DeploymentResult is returned by the external Deployer boundary.
type DeploymentResult struct {
	Success           bool   `json:"success"`
	DeployedUserCount int    `json:"deployed_user_count"`
	Detail            string `json:"detail,omitempty"`
}

// RolloutStatus is the operator-facing view of one rollout.
type RolloutStatus struct {
	Feature        string            `json:"feature"`
	State          RolloutState      `json:"state"`
	Pct            int               `json:"pct"`
	LastEvaluation *EvaluationResult `json:"last_evaluation,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
