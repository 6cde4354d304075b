// Package collect normalizes backend output descriptors into stable artifact
// references and materializes the artifact bytes under a caller-supplied
// directory. It owns no naming policy beyond one subdirectory per task.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/template"
)

// Collector downloads and normalizes task outputs.
type Collector struct {
	dir    string
	client *resty.Client
	logger *slog.Logger
}

// New creates a collector writing artifacts under dir.
func New(dir string, logger *slog.Logger) *Collector {
	return &Collector{
		dir:    dir,
		client: resty.New(),
		logger: logger,
	}
}

// Collect verifies that every output the template declares is present in the
// raw result, downloads the artifact bytes, and returns the normalized result
// shape. A missing expected output is an IncompleteResult error, never
// success.
func (c *Collector) Collect(ctx context.Context, taskID string, tpl *template.Template, raw *backend.RawResult, seed *int64, backendID string, duration time.Duration) (*model.TaskResult, error) {
	if raw == nil || len(raw.Outputs) == 0 {
		return nil, model.Errf(model.KindIncompleteResult, "backend reported success but produced no outputs")
	}
	for _, expected := range tpl.Outputs {
		if !hasOutput(raw.Outputs, expected) {
			return nil, model.Errf(model.KindIncompleteResult, "expected output %q missing from backend result", expected)
		}
	}

	taskDir := filepath.Join(c.dir, taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	artifacts := make([]model.Artifact, 0, len(raw.Outputs))
	used := make(map[string]bool, len(raw.Outputs))
	for i, out := range raw.Outputs {
		art, err := c.download(ctx, taskDir, taskID, i, out, used)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, art)
	}

	return &model.TaskResult{
		Artifacts:       artifacts,
		TemplateID:      tpl.TemplateID,
		TemplateVersion: tpl.Version,
		Seed:            seed,
		Backend:         backendID,
		DurationMS:      int(duration.Milliseconds()),
	}, nil
}

// download fetches one output and writes it under taskDir. Fetch failures are
// IncompleteResult: the backend claimed success, so an unreadable output is a
// bug signal rather than a transient condition. Outputs sharing a source file
// name are disambiguated with the output index so none overwrites another.
func (c *Collector) download(ctx context.Context, taskDir, taskID string, index int, out backend.OutputRef, used map[string]bool) (model.Artifact, error) {
	resp, err := c.client.R().SetContext(ctx).Get(out.URL)
	if err != nil {
		return model.Artifact{}, model.WrapErr(model.KindIncompleteResult, err, fmt.Sprintf("fetch output %q", out.Name))
	}
	if resp.IsError() {
		return model.Artifact{}, model.Errf(model.KindIncompleteResult, "fetch output %q: backend returned %d", out.Name, resp.StatusCode())
	}

	mediaType := out.MediaType
	if mediaType == "" {
		mediaType = strings.Split(resp.Header().Get("Content-Type"), ";")[0]
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	name := fileName(out, index, mediaType)
	if used[name] {
		name = fmt.Sprintf("%02d-%s", index, name)
	}
	used[name] = true
	if err := os.WriteFile(filepath.Join(taskDir, name), resp.Body(), 0o644); err != nil {
		return model.Artifact{}, fmt.Errorf("write artifact %q: %w", name, err)
	}

	return model.Artifact{
		URI:       filepath.ToSlash(filepath.Join(taskID, name)),
		MediaType: mediaType,
		SizeBytes: int64(len(resp.Body())),
	}, nil
}

// hasOutput reports whether an expected output name is present. Prediction
// outputs are indexed ("output[0]"), so a declared name also matches its
// indexed forms.
func hasOutput(outputs []backend.OutputRef, expected string) bool {
	for _, out := range outputs {
		if out.Name == expected || strings.HasPrefix(out.Name, expected+"[") {
			return true
		}
	}
	return false
}

// fileName derives a stable local file name for an output: the source file
// name when the URL carries one, otherwise an indexed name with an extension
// guessed from the media type.
func fileName(out backend.OutputRef, index int, mediaType string) string {
	if u, err := url.Parse(out.URL); err == nil {
		if fn := u.Query().Get("filename"); fn != "" {
			return path.Base(fn)
		}
		if base := path.Base(u.Path); base != "." && base != "/" && strings.Contains(base, ".") {
			return base
		}
	}

	ext := ".bin"
	switch mediaType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	case "video/mp4":
		ext = ".mp4"
	}
	return fmt.Sprintf("output-%02d%s", index, ext)
}
