package model

import "time"

// ProgressEvent is one normalized progress sample for a running task.
// Events are ephemeral: only the most recent value per task is retained.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	Fraction  float64   `json:"fraction"` // 0.0–1.0, non-decreasing within one attempt
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt"`
	EmittedAt time.Time `json:"emitted_at"`
}
