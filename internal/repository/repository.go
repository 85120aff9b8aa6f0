// Package repository defines the graph-engine collaborator contract. The
// gateway never talks to a storage engine directly: it resolves a graph id
// to a Repository and executes Cypher through it. The engine dialect is
// Cypher with the catalog extensions CALL SHOW_TABLES() and
// CALL TABLE_INFO(name).
package repository

import (
	"context"
	"fmt"

	"github.com/kgraph/backend/internal/graph"
	"github.com/kgraph/backend/internal/streaming"
)

// Result is a fully buffered query result.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RowCount returns the number of rows in the result.
func (r *Result) RowCount() int { return len(r.Rows) }

// Repository executes queries against one graph.
type Repository interface {
	ExecuteQuery(ctx context.Context, cypherQuery string, params map[string]any) (*Result, error)
}

// Streamer is implemented by engines with native streaming support. The
// gateway falls back to buffered pagination when the repository does not
// implement it.
type Streamer interface {
	ExecuteQueryStreaming(ctx context.Context, cypherQuery string, params map[string]any, chunkSize int) (streaming.Rows, error)
}

// AccessMode distinguishes read and write resolution.
type AccessMode string

const (
	AccessRead  AccessMode = "read"
	AccessWrite AccessMode = "write"
)

// Resolver maps a parsed graph id to its repository.
type Resolver interface {
	Resolve(ctx context.Context, id graph.ID, access AccessMode, tier string) (Repository, error)
}

// NotFoundError reports an unresolvable graph id.
type NotFoundError struct {
	GraphID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("graph %s not found", e.GraphID)
}

// OpenRows adapts a repository to the streaming row interface, preferring
// native streaming and paginating a buffered result otherwise.
func OpenRows(ctx context.Context, repo Repository, cypherQuery string, params map[string]any, chunkSize int) (streaming.Rows, error) {
	if s, ok := repo.(Streamer); ok {
		return s.ExecuteQueryStreaming(ctx, cypherQuery, params, chunkSize)
	}
	result, err := repo.ExecuteQuery(ctx, cypherQuery, params)
	if err != nil {
		return nil, err
	}
	return streaming.NewSliceRows(result.Columns, result.Rows), nil
}
