package repository

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/kgraph/backend/internal/graph"
)

// QueryFunc executes one query. It is the pluggable engine surface used by
// the in-memory repository.
type QueryFunc func(ctx context.Context, cypherQuery string, params map[string]any) (*Result, error)

// Table is a named node or relationship table in the in-memory catalog.
type Table struct {
	Name       string
	Kind       string // NODE or REL
	Properties []Property
}

var tableInfoRe = regexp.MustCompile(`(?i)CALL\s+TABLE_INFO\s*\(\s*'([^']+)'\s*\)`)

// Memory is a Repository backed by a catalog and a query function. The
// catalog answers SHOW_TABLES and TABLE_INFO; everything else goes to the
// query function.
type Memory struct {
	tables []Table
	query  QueryFunc
}

// NewMemory creates an in-memory repository.
func NewMemory(tables []Table, query QueryFunc) *Memory {
	return &Memory{tables: tables, query: query}
}

func (m *Memory) ExecuteQuery(ctx context.Context, cypherQuery string, params map[string]any) (*Result, error) {
	upper := strings.ToUpper(cypherQuery)
	if strings.Contains(upper, "SHOW_TABLES") {
		result := &Result{Columns: []string{"name", "type"}}
		for _, t := range m.tables {
			result.Rows = append(result.Rows, []any{t.Name, t.Kind})
		}
		return result, nil
	}
	if match := tableInfoRe.FindStringSubmatch(cypherQuery); match != nil {
		result := &Result{Columns: []string{"name", "type"}}
		for _, t := range m.tables {
			if t.Name != match[1] {
				continue
			}
			for _, p := range t.Properties {
				result.Rows = append(result.Rows, []any{p.Name, p.Type})
			}
		}
		return result, nil
	}
	if m.query == nil {
		return &Result{}, nil
	}
	return m.query(ctx, cypherQuery, params)
}

// StaticResolver maps graph ids to repositories. Subgraphs resolve through
// their parent. A fallback factory, when set, serves unknown ids.
type StaticResolver struct {
	mu       sync.RWMutex
	repos    map[string]Repository
	fallback func(id graph.ID) Repository
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{repos: make(map[string]Repository)}
}

// Register binds a repository to a graph id.
func (r *StaticResolver) Register(graphID string, repo Repository) {
	r.mu.Lock()
	r.repos[graphID] = repo
	r.mu.Unlock()
}

// SetFallback installs a factory for unregistered graph ids.
func (r *StaticResolver) SetFallback(f func(id graph.ID) Repository) {
	r.mu.Lock()
	r.fallback = f
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(_ context.Context, id graph.ID, _ AccessMode, _ string) (Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if repo, ok := r.repos[id.Raw]; ok {
		return repo, nil
	}
	if repo, ok := r.repos[id.Parent]; ok {
		return repo, nil
	}
	if r.fallback != nil {
		return r.fallback(id), nil
	}
	return nil, &NotFoundError{GraphID: id.Raw}
}
