// Package graph implements the backend adapter for node-graph execution
// servers: an HTTP submit returning a prompt id, a WebSocket stream of
// node-execution events keyed by client id, and an HTTP history fetch for the
// produced outputs.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/model"
)

const (
	promptPath  = "/prompt"
	historyPath = "/history"
	uploadPath  = "/upload/image"
	viewPath    = "/view"
	wsPath      = "/ws"

	dialTimeout = 10 * time.Second
)

// Adapter executes payloads against one graph backend instance.
type Adapter struct {
	baseURL string
	client  *resty.Client
	logger  *slog.Logger
}

// New creates a graph adapter for the given base URL.
func New(baseURL string, logger *slog.Logger) *Adapter {
	base := strings.TrimRight(baseURL, "/")
	return &Adapter{
		baseURL: base,
		client:  resty.New().SetBaseURL(base),
		logger:  logger,
	}
}

// Type reports the protocol family.
func (a *Adapter) Type() string { return "graph" }

// Ping probes the backend's stats endpoint.
func (a *Adapter) Ping(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Get("/system_stats")
	if err != nil {
		return model.WrapErr(model.KindConnection, err, "ping")
	}
	if resp.IsError() {
		return backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	return nil
}

// submitRequest is the body for POST /prompt.
type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// wsEnvelope is the outer shape of every streamed event.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    float64 `json:"value"`
	Max      float64 `json:"max"`
	PromptID string  `json:"prompt_id"`
}

type executingData struct {
	Node     *string `json:"node"` // null signals graph completion
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	PromptID         string `json:"prompt_id"`
}

// historyEntry is one completed prompt in the history response.
type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
}

type nodeOutput struct {
	Images []imageRef `json:"images"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Execute submits the graph, relays streamed node events as progress, and
// fetches the result set once the stream reports completion.
func (a *Adapter) Execute(ctx context.Context, job backend.Job) (*backend.RawResult, error) {
	clientID := model.NewID()

	conn, err := a.dialStream(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	promptID, err := a.submit(ctx, job.Payload, clientID)
	if err != nil {
		return nil, err
	}

	if err := a.consumeStream(ctx, conn, promptID, job.OnProgress); err != nil {
		return nil, err
	}

	return a.fetchResult(ctx, promptID)
}

// dialStream opens the progress WebSocket keyed by client id. The http base
// URL is rewritten to the ws scheme.
func (a *Adapter) dialStream(ctx context.Context, clientID string) (*websocket.Conn, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, model.WrapErr(model.KindConnection, err, "parse backend url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = wsPath
	u.RawQuery = "clientId=" + clientID

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, model.WrapErr(model.KindConnection, err, "dial progress stream")
	}
	return conn, nil
}

func (a *Adapter) submit(ctx context.Context, payload []byte, clientID string) (string, error) {
	var out submitResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(submitRequest{Prompt: payload, ClientID: clientID}).
		SetResult(&out).
		Post(promptPath)
	if err != nil {
		return "", model.WrapErr(model.KindConnection, err, "submit graph")
	}
	if resp.IsError() {
		return "", backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	if out.PromptID == "" {
		return "", model.Errf(model.KindProtocol, "submit response missing prompt_id: %s", resp.String())
	}
	return out.PromptID, nil
}

// consumeStream reads events until the backend reports graph completion for
// promptID. The connection is closed from a watcher goroutine when ctx ends,
// which unblocks the reader.
func (a *Adapter) consumeStream(ctx context.Context, conn *websocket.Conn, promptID string, onProgress func(float64, string)) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	var lastFraction float64
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.WrapErr(model.KindConnection, err, "progress stream dropped")
		}

		switch env.Type {
		case "progress":
			var d progressData
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return model.WrapErr(model.KindProtocol, err, "malformed progress event")
			}
			if d.PromptID != promptID || d.Max <= 0 {
				continue
			}
			lastFraction = d.Value / d.Max
			if onProgress != nil {
				onProgress(lastFraction, "sampling")
			}
		case "executing":
			var d executingData
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return model.WrapErr(model.KindProtocol, err, "malformed executing event")
			}
			if d.PromptID != promptID {
				continue
			}
			if d.Node == nil {
				return nil // graph complete
			}
			if onProgress != nil {
				onProgress(lastFraction, "node "+*d.Node)
			}
		case "execution_error":
			var d executionErrorData
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return model.WrapErr(model.KindProtocol, err, "malformed execution_error event")
			}
			if d.PromptID != promptID {
				continue
			}
			return model.Errf(model.KindExecution, "node %s (%s) failed: %s", d.NodeID, d.NodeType, d.ExceptionMessage)
		default:
			// Status, queue, and other chatter is ignored.
		}
	}
}

// fetchResult retrieves the completed prompt's outputs from the history
// endpoint and maps output node images to fetchable artifact references.
func (a *Adapter) fetchResult(ctx context.Context, promptID string) (*backend.RawResult, error) {
	var history map[string]historyEntry
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&history).
		Get(historyPath + "/" + promptID)
	if err != nil {
		return nil, model.WrapErr(model.KindConnection, err, "fetch history")
	}
	if resp.IsError() {
		return nil, backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, model.Errf(model.KindProtocol, "history response missing prompt %s", promptID)
	}

	result := &backend.RawResult{}
	for node, out := range entry.Outputs {
		for _, img := range out.Images {
			q := url.Values{}
			q.Set("filename", img.Filename)
			q.Set("subfolder", img.Subfolder)
			q.Set("type", img.Type)
			result.Outputs = append(result.Outputs, backend.OutputRef{
				Name: node,
				URL:  fmt.Sprintf("%s%s?%s", a.baseURL, viewPath, q.Encode()),
			})
		}
	}
	return result, nil
}

// UploadAsset posts a local file to the backend's image upload endpoint and
// returns the server-side name usable inside graph payloads.
func (a *Adapter) UploadAsset(ctx context.Context, path string) (string, error) {
	var out struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetFile("image", path).
		SetResult(&out).
		Post(uploadPath)
	if err != nil {
		return "", model.WrapErr(model.KindConnection, err, "upload asset")
	}
	if resp.IsError() {
		return "", backend.ClassifyStatus(resp.StatusCode(), resp.String())
	}
	if out.Name == "" {
		return "", model.Errf(model.KindProtocol, "upload response missing name: %s", resp.String())
	}
	if out.Subfolder != "" {
		return out.Subfolder + "/" + out.Name, nil
	}
	return out.Name, nil
}
