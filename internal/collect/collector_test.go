package collect

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/template"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func outputTemplate(outputs ...string) *template.Template {
	return &template.Template{
		Manifest: template.Manifest{
			TemplateID:  "portrait-standard",
			Version:     3,
			BackendType: template.BackendGraph,
			Outputs:     outputs,
		},
	}
}

func TestCollectDownloadsArtifacts(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir, discardLogger())

	seed := int64(42)
	raw := &backend.RawResult{Outputs: []backend.OutputRef{
		{Name: "final_image", URL: srv.URL + "/view?filename=final.png&type=output"},
	}}

	result, err := c.Collect(context.Background(), "task-1", outputTemplate("final_image"), raw, &seed, "graph-a", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if len(result.Artifacts) != 1 {
		t.Fatalf("Artifacts = %d, want 1", len(result.Artifacts))
	}
	art := result.Artifacts[0]
	if art.URI != "task-1/final.png" {
		t.Errorf("URI = %q, want task-1/final.png", art.URI)
	}
	if art.MediaType != "image/png" {
		t.Errorf("MediaType = %q, want image/png", art.MediaType)
	}
	if art.SizeBytes != int64(len(png)) {
		t.Errorf("SizeBytes = %d, want %d", art.SizeBytes, len(png))
	}

	data, err := os.ReadFile(filepath.Join(dir, "task-1", "final.png"))
	if err != nil {
		t.Fatalf("artifact file not written: %v", err)
	}
	if string(data) != string(png) {
		t.Error("artifact bytes do not match the download")
	}

	if result.TemplateID != "portrait-standard" || result.TemplateVersion != 3 {
		t.Errorf("template identity = %s/%d", result.TemplateID, result.TemplateVersion)
	}
	if result.Seed == nil || *result.Seed != 42 {
		t.Errorf("Seed = %v, want 42", result.Seed)
	}
	if result.Backend != "graph-a" || result.DurationMS != 1500 {
		t.Errorf("backend/duration = %s/%d", result.Backend, result.DurationMS)
	}
}

func TestCollectMissingExpectedOutput(t *testing.T) {
	c := New(t.TempDir(), discardLogger())

	raw := &backend.RawResult{Outputs: []backend.OutputRef{
		{Name: "preview", URL: "http://irrelevant"},
	}}

	_, err := c.Collect(context.Background(), "task-1", outputTemplate("final_image"), raw, nil, "graph-a", time.Second)
	if err == nil {
		t.Fatal("Collect() should fail when a declared output is missing")
	}
	if !model.IsKind(err, model.KindIncompleteResult) {
		t.Errorf("error kind = %q, want incomplete_result", model.KindOf(err))
	}
}

func TestCollectEmptyResult(t *testing.T) {
	c := New(t.TempDir(), discardLogger())

	for _, raw := range []*backend.RawResult{nil, {}} {
		_, err := c.Collect(context.Background(), "task-1", outputTemplate("final_image"), raw, nil, "graph-a", time.Second)
		if !model.IsKind(err, model.KindIncompleteResult) {
			t.Errorf("empty result: error kind = %q, want incomplete_result", model.KindOf(err))
		}
	}
}

func TestCollectIndexedOutputsMatchDeclaredName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := New(t.TempDir(), discardLogger())
	raw := &backend.RawResult{Outputs: []backend.OutputRef{
		{Name: "output[0]", URL: srv.URL + "/a"},
		{Name: "output[1]", URL: srv.URL + "/b"},
	}}

	result, err := c.Collect(context.Background(), "task-1", outputTemplate("output"), raw, nil, "predict-a", time.Second)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(result.Artifacts) != 2 {
		t.Errorf("Artifacts = %d, want 2", len(result.Artifacts))
	}
	// URLs carry no usable file name, so names are indexed with a guessed extension.
	if result.Artifacts[0].URI != "task-1/output-00.webp" {
		t.Errorf("URI = %q, want task-1/output-00.webp", result.Artifacts[0].URI)
	}
}

func TestCollectDuplicateFileNamesDoNotOverwrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		// Bytes differ per output so an overwrite is detectable.
		w.Write([]byte(r.URL.Query().Get("subfolder")))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir, discardLogger())
	raw := &backend.RawResult{Outputs: []backend.OutputRef{
		{Name: "left", URL: srv.URL + "/view?filename=final.png&subfolder=left"},
		{Name: "right", URL: srv.URL + "/view?filename=final.png&subfolder=right"},
	}}

	result, err := c.Collect(context.Background(), "task-1", outputTemplate("left", "right"), raw, nil, "graph-a", time.Second)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(result.Artifacts) != 2 {
		t.Fatalf("Artifacts = %d, want 2", len(result.Artifacts))
	}
	if result.Artifacts[0].URI != "task-1/final.png" {
		t.Errorf("URI = %q, want task-1/final.png", result.Artifacts[0].URI)
	}
	if result.Artifacts[1].URI != "task-1/01-final.png" {
		t.Errorf("URI = %q, want task-1/01-final.png", result.Artifacts[1].URI)
	}

	for i, want := range []string{"left", "right"} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(result.Artifacts[i].URI)))
		if err != nil {
			t.Fatalf("artifact %d not written: %v", i, err)
		}
		if string(data) != want {
			t.Errorf("artifact %d bytes = %q, want %q", i, data, want)
		}
	}
}

func TestCollectFetchFailureIsIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(t.TempDir(), discardLogger())
	raw := &backend.RawResult{Outputs: []backend.OutputRef{
		{Name: "final_image", URL: srv.URL + "/missing.png"},
	}}

	_, err := c.Collect(context.Background(), "task-1", outputTemplate("final_image"), raw, nil, "graph-a", time.Second)
	if !model.IsKind(err, model.KindIncompleteResult) {
		t.Errorf("error kind = %q, want incomplete_result", model.KindOf(err))
	}
}
