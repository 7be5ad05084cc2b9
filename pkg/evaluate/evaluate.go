// Package evaluate converts a MonitoringResult into a composite health score
// and a recommendation. Evaluation is a pure function of the input and the
// configured weights: the same monitoring window always produces the same
// result.
package evaluate

import (
	"math"
	"time"

	"ramp/pkg/model"
)

// Config holds the scoring weights and thresholds. All of these are
// deployment inputs with the defaults below, not fixed business constants.
type Config struct {
	// Dimension weights; must sum to 1.0.
	PerformanceWeight float64
	ErrorWeight       float64
	BehaviorWeight    float64

	// Baselines the current window is judged against.
	BaselineLatencyMs  float64
	BaselineThroughput float64
	EngagementTarget   float64

	// ErrorCeiling is the hard error-rate ceiling: at or above it the error
	// score is capped at CapAtCeiling. ErrorExcellent is the rate at or
	// below which the score is at least ScoreAtExcellent.
	ErrorCeiling     float64
	ErrorExcellent   float64
	CapAtCeiling     float64
	ScoreAtExcellent float64

	// Recommendation cutoffs on the overall score.
	ProceedThreshold  float64
	RollbackThreshold float64
}

const weightTolerance = 1e-6

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		PerformanceWeight:  0.40,
		ErrorWeight:        0.35,
		BehaviorWeight:     0.25,
		BaselineLatencyMs:  200,
		BaselineThroughput: 100,
		EngagementTarget:   0.50,
		ErrorCeiling:       0.01,
		ErrorExcellent:     0.001,
		CapAtCeiling:       0.70,
		ScoreAtExcellent:   0.95,
		ProceedThreshold:   0.85,
		RollbackThreshold:  0.60,
	}
}

// Validate rejects weight sets that do not form a weighted average.
func (c Config) Validate() error {
	sum := c.PerformanceWeight + c.ErrorWeight + c.BehaviorWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return &model.ConfigError{Field: "weights", Value: sum, Msg: "dimension weights must sum to 1.0"}
	}
	if c.RollbackThreshold >= c.ProceedThreshold {
		return &model.ConfigError{Field: "thresholds", Value: c.RollbackThreshold, Msg: "rollback threshold must be below proceed threshold"}
	}
	return nil
}

// Evaluator scores monitoring windows.
type Evaluator struct {
	cfg Config
}

// New builds an evaluator, falling back to defaults for a zero config.
func New(cfg Config) (*Evaluator, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Evaluate scores one monitoring window. Insufficient data always yields
// continueMonitoring: missing evidence is never grounds for expansion or
// rollback.
func (e *Evaluator) Evaluate(mr model.MonitoringResult) model.EvaluationResult {
	perf := e.performanceScore(mr)
	errScore := e.errorScore(mr.ErrorRate)
	behavior := e.behaviorScore(mr.Engagement)
	overall := e.cfg.PerformanceWeight*perf + e.cfg.ErrorWeight*errScore + e.cfg.BehaviorWeight*behavior

	rec := model.RecommendContinue
	switch {
	case mr.InsufficientData:
		rec = model.RecommendContinue
	case overall >= e.cfg.ProceedThreshold:
		rec = model.RecommendProceed
	case overall <= e.cfg.RollbackThreshold:
		rec = model.RecommendRollback
	}

	return model.EvaluationResult{
		Feature:          mr.Feature,
		PerformanceScore: perf,
		ErrorScore:       errScore,
		BehaviorScore:    behavior,
		OverallScore:     overall,
		Recommendation:   rec,
		InsufficientData: mr.InsufficientData,
		EvaluatedAt:      time.Now().UTC(),
	}
}

// performanceScore penalizes latency and throughput regressions against the
// baselines. Meeting or beating baseline scores 1.0; each dimension decays
// linearly with the size of the regression.
func (e *Evaluator) performanceScore(mr model.MonitoringResult) float64 {
	var scores []float64
	if mr.LatencyMs > 0 && e.cfg.BaselineLatencyMs > 0 {
		scores = append(scores, clamp01(e.cfg.BaselineLatencyMs/mr.LatencyMs))
	}
	if mr.Throughput > 0 && e.cfg.BaselineThroughput > 0 {
		scores = append(scores, clamp01(mr.Throughput/e.cfg.BaselineThroughput))
	}
	if len(scores) == 0 {
		return 1.0 // no performance signal; do not penalize
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// errorScore maps the error rate onto [0,1] with a hard ceiling: a rate at
// or above ErrorCeiling is capped at CapAtCeiling and decays further as the
// rate grows; a rate at or below ErrorExcellent scores at least
// ScoreAtExcellent.
func (e *Evaluator) errorScore(rate float64) float64 {
	switch {
	case rate <= 0:
		return 1.0
	case rate <= e.cfg.ErrorExcellent:
		// interpolate 1.0 -> ScoreAtExcellent across [0, excellent]
		frac := rate / e.cfg.ErrorExcellent
		return 1.0 - frac*(1.0-e.cfg.ScoreAtExcellent)
	case rate < e.cfg.ErrorCeiling:
		// interpolate ScoreAtExcellent -> CapAtCeiling across (excellent, ceiling)
		frac := (rate - e.cfg.ErrorExcellent) / (e.cfg.ErrorCeiling - e.cfg.ErrorExcellent)
		return e.cfg.ScoreAtExcellent - frac*(e.cfg.ScoreAtExcellent-e.cfg.CapAtCeiling)
	default:
		// at or beyond the ceiling: cap, then decay with the overshoot
		return clamp01(e.cfg.CapAtCeiling * e.cfg.ErrorCeiling / rate)
	}
}

// behaviorScore rewards engagement at or above the target.
func (e *Evaluator) behaviorScore(engagement float64) float64 {
	if e.cfg.EngagementTarget <= 0 {
		return 1.0
	}
	return clamp01(engagement / e.cfg.EngagementTarget)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
