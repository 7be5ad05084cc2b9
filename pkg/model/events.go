package model

import "time"

// Event types published on the bus when the engine changes rollout state.
// Dashboards and notifiers subscribe to these instead of polling status.
const (
	EventRolloutStarted     = "rollout.started"
	EventRolloutExpanded    = "rollout.expanded"
	EventRolloutCompleted   = "rollout.completed"
	EventRolledBack         = "rollout.rolled_back"
	EventUnrecoverableState = "rollout.unrecoverable"
)

// RolloutEvent is the payload carried by all rollout.* events.
type RolloutEvent struct {
	Feature   string       `json:"feature"`
	State     RolloutState `json:"state"`
	Pct       int          `json:"pct"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"ts"`
}
