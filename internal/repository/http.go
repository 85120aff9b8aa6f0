package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kgraph/backend/internal/graph"
)

// HTTPRepository executes queries against a graph engine sidecar over HTTP.
// The sidecar owns the embedded database files; one logical repository maps
// to one graph id on the engine.
type HTTPRepository struct {
	baseURL string
	graphID string
	client  *http.Client
}

// NewHTTPRepository creates a repository bound to one graph on the engine.
func NewHTTPRepository(baseURL, graphID string, client *http.Client) *HTTPRepository {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPRepository{baseURL: baseURL, graphID: graphID, client: client}
}

type engineRequest struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type engineResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Error   string   `json:"error,omitempty"`
}

func (h *HTTPRepository) ExecuteQuery(ctx context.Context, cypherQuery string, params map[string]any) (*Result, error) {
	body, err := json.Marshal(engineRequest{Query: cypherQuery, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	url := h.baseURL + "/graphs/" + h.graphID + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, &NotFoundError{GraphID: h.graphID}
	}

	var er engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode engine response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if er.Error != "" {
			return nil, fmt.Errorf("engine error (%d): %s", resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	return &Result{Columns: er.Columns, Rows: er.Rows}, nil
}

// HTTPResolver hands out HTTPRepository instances per graph, caching one
// repository per graph id. Access mode and tier are enforced upstream; the
// engine itself is read-write.
type HTTPResolver struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	repos map[string]*HTTPRepository
}

// NewHTTPResolver creates a resolver for the engine at baseURL.
func NewHTTPResolver(baseURL string, client *http.Client) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  client,
		repos:   make(map[string]*HTTPRepository),
	}
}

// Resolve returns the repository for the graph. Subgraph ids resolve to the
// parent's database; existence is verified lazily by the first query.
func (r *HTTPResolver) Resolve(_ context.Context, id graph.ID, _ AccessMode, _ string) (Repository, error) {
	target := id.Parent
	if target == "" {
		target = id.Raw
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[target]; ok {
		return repo, nil
	}
	repo := NewHTTPRepository(r.baseURL, target, r.client)
	r.repos[target] = repo
	return repo, nil
}
