// Package predict implements the backend adapter for prediction-style API
// servers: an HTTP submit returning a prediction id, a status endpoint polled
// on a fixed interval, and a result payload fetched on completion.
package predict

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/model"
)

const predictionsPath = "/predictions"

// Terminal prediction statuses reported by the backend.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// Adapter executes payloads against one prediction backend instance.
type Adapter struct {
	baseURL      string
	client       *resty.Client
	pollInterval time.Duration
	cancelGrace  time.Duration
	logger       *slog.Logger
}

// New creates a prediction adapter for the given base URL. pollInterval
// bounds status-poll frequency; cancelGrace bounds the best-effort remote
// cancel fired when the context ends mid-poll.
func New(baseURL string, pollInterval, cancelGrace time.Duration, logger *slog.Logger) *Adapter {
	base := strings.TrimRight(baseURL, "/")
	return &Adapter{
		baseURL:      base,
		client:       resty.New().SetBaseURL(base),
		pollInterval: pollInterval,
		cancelGrace:  cancelGrace,
		logger:       logger,
	}
}

// Type reports the protocol family.
func (a *Adapter) Type() string { return "prediction" }

// Ping probes the backend's health endpoint.
func (a *Adapter) Ping(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return model.WrapErr(model.KindConnection, err, "ping")
	}
	if resp.IsError() {
		return backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	return nil
}

// prediction is the backend's job record, returned from submit and status.
type prediction struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Progress   *float64 `json:"progress,omitempty"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	Output     []string `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Execute submits the inputs, polls the status endpoint until a terminal
// status, synthesizing progress along the way, and returns the output set.
func (a *Adapter) Execute(ctx context.Context, job backend.Job) (*backend.RawResult, error) {
	pred, err := a.submit(ctx, job.Payload)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.cancelRemote(pred.ID)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		cur, err := a.poll(ctx, pred.ID)
		if err != nil {
			return nil, err
		}

		if job.OnProgress != nil {
			job.OnProgress(synthesizeFraction(cur, time.Since(started)), cur.Status)
		}

		switch cur.Status {
		case statusSucceeded:
			return outputsOf(cur)
		case statusFailed:
			return nil, model.Errf(model.KindExecution, "prediction %s failed: %s", cur.ID, cur.Error)
		case statusCanceled:
			return nil, model.Errf(model.KindExecution, "prediction %s was canceled remotely", cur.ID)
		}
	}
}

func (a *Adapter) submit(ctx context.Context, payload []byte) (*prediction, error) {
	var out prediction
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&out).
		Post(predictionsPath)
	if err != nil {
		return nil, model.WrapErr(model.KindConnection, err, "submit prediction")
	}
	if resp.IsError() {
		return nil, backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	if out.ID == "" {
		return nil, model.Errf(model.KindProtocol, "submit response missing id: %s", resp.String())
	}
	return &out, nil
}

func (a *Adapter) poll(ctx context.Context, id string) (*prediction, error) {
	var out prediction
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(predictionsPath + "/" + id)
	if err != nil {
		if ctx.Err() != nil {
			a.cancelRemote(id)
			return nil, ctx.Err()
		}
		return nil, model.WrapErr(model.KindConnection, err, "poll prediction")
	}
	if resp.IsError() {
		return nil, backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	if out.Status == "" {
		return nil, model.Errf(model.KindProtocol, "status response missing status: %s", resp.String())
	}
	return &out, nil
}

// cancelRemote fires a best-effort cancel for an abandoned prediction. The
// local task is already considered cancelled; a remote orphan is acceptable
// if the backend does not acknowledge within the grace window.
func (a *Adapter) cancelRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cancelGrace)
	defer cancel()

	if _, err := a.client.R().SetContext(ctx).Post(predictionsPath + "/" + id + "/cancel"); err != nil {
		a.logger.Warn("remote cancel not acknowledged, orphan left for backend cleanup",
			"prediction_id", id, "error", err)
	}
}

// synthesizeFraction derives a progress fraction from whatever the backend
// reports: an explicit fraction, an ETA, or nothing (in which case progress
// stays at zero until completion).
func synthesizeFraction(p *prediction, elapsed time.Duration) float64 {
	if p.Status == statusSucceeded {
		return 1
	}
	if p.Progress != nil {
		return min(max(*p.Progress, 0), 1)
	}
	if p.ETASeconds != nil && *p.ETASeconds > 0 {
		total := elapsed.Seconds() + *p.ETASeconds
		return min(elapsed.Seconds()/total, 0.99)
	}
	return 0
}

func outputsOf(p *prediction) (*backend.RawResult, error) {
	result := &backend.RawResult{}
	for i, u := range p.Output {
		result.Outputs = append(result.Outputs, backend.OutputRef{
			Name: fmt.Sprintf("output[%d]", i),
			URL:  u,
		})
	}
	return result, nil
}

// UploadAsset inlines a local file as a data URI. Prediction backends accept
// file inputs by value, so no server-side upload round trip is needed, and
// the encoding is deterministic for a given file.
func (a *Adapter) UploadAsset(_ context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", model.WrapErr(model.KindValidation, err, "read file reference")
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(raw)), nil
}
