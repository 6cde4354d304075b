package model

import "time"

// Task status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Quality tier constants, ordered low < standard < high < premium.
const (
	TierLow      = "low"
	TierStandard = "standard"
	TierHigh     = "high"
	TierPremium  = "premium"
)

// tierRank orders quality tiers for comparison and downgrade walks.
var tierRank = map[string]int{
	TierLow:      0,
	TierStandard: 1,
	TierHigh:     2,
	TierPremium:  3,
}

// tierOrder lists tiers from lowest to highest.
var tierOrder = []string{TierLow, TierStandard, TierHigh, TierPremium}

// ValidTier reports whether s names a known quality tier.
func ValidTier(s string) bool {
	_, ok := tierRank[s]
	return ok
}

// TierBelow returns the next tier down from the given tier, or "" if the tier
// is the lowest (or unknown).
func TierBelow(tier string) string {
	rank, ok := tierRank[tier]
	if !ok || rank == 0 {
		return ""
	}
	return tierOrder[rank-1]
}

// validTransitions maps each status to the set of statuses it may transition to.
// Running may return to queued only via an explicit retry.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusQueued:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the status is a terminal state. Terminal tasks
// never change status again.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// Task represents one generation request tracked by the orchestrator.
type Task struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	QualityTier  string         `json:"quality_tier"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	BackendUsed  string         `json:"backend_used,omitempty"`
	Result       *TaskResult    `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	TimeoutS     *int           `json:"timeout_s,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
