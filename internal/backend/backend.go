package backend

import (
	"context"
	"net/http"

	"github.com/ashdyer/kiln/internal/model"
)

// Adapter is the uniform execution contract over the two backend protocol
// families. Each concrete adapter (node-graph submission, prediction polling)
// implements its own streaming or polling internally and reports progress
// through the job's callback.
type Adapter interface {
	// Execute runs one injected payload to completion and returns the raw
	// backend outputs. The context carries the task's wall-clock budget and
	// cancellation; adapters abort promptly when it ends.
	Execute(ctx context.Context, job Job) (*RawResult, error)

	// UploadAsset resolves a local file into a backend-native handle usable
	// inside a payload (file_reference parameter rules).
	UploadAsset(ctx context.Context, path string) (string, error)

	// Ping probes the backend for liveness. A nil return feeds the health
	// checker's healthy signal.
	Ping(ctx context.Context) error

	// Type reports the protocol family: "graph" or "prediction".
	Type() string
}

// Job describes one execution against a backend.
type Job struct {
	TaskID  string
	Payload []byte

	// OnProgress, when non-nil, is invoked as the backend reports progress.
	// fraction is 0.0–1.0; stage is a backend-native label such as the
	// executing node id.
	OnProgress func(fraction float64, stage string)
}

// OutputRef is one backend-native output descriptor prior to normalization.
type OutputRef struct {
	// Name identifies the output within the backend's result set: an output
	// node id for graph backends, an output index key for prediction backends.
	Name string
	// URL is where the artifact bytes can be fetched from.
	URL string
	// MediaType is the declared content type, when the backend reports one.
	MediaType string
}

// RawResult holds the outputs of a completed backend job.
type RawResult struct {
	Outputs []OutputRef
}

// ClassifyStatus maps an HTTP response status to the failure taxonomy:
// 5xx means the service is unhealthy (connection-class, retryable); anything
// else non-2xx means the backend examined the job and rejected it.
func ClassifyStatus(status int, message string) *model.TaskError {
	if status >= http.StatusInternalServerError {
		return model.Errf(model.KindConnection, "backend returned %d: %s", status, message)
	}
	return model.Errf(model.KindExecution, "backend rejected job with %d: %s", status, message)
}
