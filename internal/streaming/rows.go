// Package streaming renders query results as NDJSON or SSE streams with a
// shared chunking discipline. Repositories that cannot stream natively are
// adapted by running the full query and paginating the buffered result.
package streaming

import "io"

// Rows is the row source both emitters consume. Next returns io.EOF when
// the stream is exhausted.
type Rows interface {
	Columns() []string
	Next() ([]any, error)
	Close() error
}

// SliceRows adapts a fully buffered result to the Rows interface. It is
// the pagination fallback for repositories without native streaming.
type SliceRows struct {
	columns []string
	rows    [][]any
	pos     int
}

// NewSliceRows wraps a buffered result set.
func NewSliceRows(columns []string, rows [][]any) *SliceRows {
	return &SliceRows{columns: columns, rows: rows}
}

func (s *SliceRows) Columns() []string { return s.columns }

func (s *SliceRows) Next() ([]any, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *SliceRows) Close() error { return nil }

// Chunk-size bounds. Values outside [MinChunkSize, MaxChunkSize] are
// clamped.
const (
	MinChunkSize = 10
	MaxChunkSize = 10000
)

// ChunkPolicy carries the per-tier default chunk sizes. Construct from
// configuration or with DefaultChunkPolicy.
type ChunkPolicy struct {
	Standard   int
	Enterprise int
	Premium    int
}

// DefaultChunkPolicy returns the production tier defaults.
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{Standard: 1000, Enterprise: 2000, Premium: 5000}
}

// TierSize returns the default chunk size for a subscription tier.
// Unknown tiers get the standard default.
func (p ChunkPolicy) TierSize(tier string) int {
	switch tier {
	case "enterprise":
		return p.Enterprise
	case "premium":
		return p.Premium
	default:
		return p.Standard
	}
}

// Clamp bounds a requested chunk size to the allowed range. A non-positive
// request falls back to the tier default.
func (p ChunkPolicy) Clamp(requested int, tier string) int {
	if requested <= 0 {
		return p.TierSize(tier)
	}
	if requested < MinChunkSize {
		return MinChunkSize
	}
	if requested > MaxChunkSize {
		return MaxChunkSize
	}
	return requested
}
