package model

// Artifact is one normalized output reference produced by a completed task.
type Artifact struct {
	// URI is the project-relative path (or remote URI when the artifact was
	// not materialized locally) of the output file.
	URI       string `json:"uri"`
	MediaType string `json:"media_type"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// TaskResult is the normalized result shape for a succeeded task.
type TaskResult struct {
	Artifacts       []Artifact `json:"artifacts"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion int        `json:"template_version"`
	Seed            *int64     `json:"seed,omitempty"`
	Backend         string     `json:"backend"`
	DurationMS      int        `json:"duration_ms"`
}
