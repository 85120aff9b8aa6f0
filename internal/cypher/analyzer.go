// Package cypher provides static heuristics over raw Cypher text: result
// size estimation for strategy selection, rejection of disallowed surface
// patterns, and the Neo4j-to-engine introspection rewrite.
//
// This is deliberately a case-insensitive pattern matcher, not a parser.
// Strategy thresholds were derived against these exact keyword sets; a real
// parser would need all of them re-derived.
package cypher

import (
	"regexp"
	"strconv"
	"strings"
)

// SizeEstimate classifies the expected result cardinality.
type SizeEstimate string

const (
	SizeSmall  SizeEstimate = "small"  // ≤ 100 rows
	SizeMedium SizeEstimate = "medium" // ≤ 1000 rows
	SizeLarge  SizeEstimate = "large"
)

// Analysis is the pure, deterministic output of Analyze.
type Analysis struct {
	EstimatedSize        SizeEstimate `json:"estimated_size"`
	HasLimit             bool         `json:"has_limit"`
	LimitValue           int          `json:"limit_value,omitempty"`
	HasAggregation       bool         `json:"has_aggregation"`
	HasMatch             bool         `json:"has_match"`
	HasWhere             bool         `json:"has_where"`
	HasOrderBy           bool         `json:"has_order_by"`
	HasShortestPath      bool         `json:"has_shortest_path"`
	HasAllPaths          bool         `json:"has_all_paths"`
	HasCartesianRisk     bool         `json:"has_cartesian_risk"`
	PotentiallyExpensive bool         `json:"potentially_expensive"`
	IsCountOnly          bool         `json:"is_count_only"`
	RequiresStreaming    bool         `json:"requires_streaming"`
	SupportsProgress     bool         `json:"supports_progress"`
}

var (
	limitLiteralRe = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	limitParamRe   = regexp.MustCompile(`(?i)\bLIMIT\s+\$\w+`)
	aggregationRe  = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MAX|MIN|COLLECT)\s*\(`)
	countRe        = regexp.MustCompile(`(?i)\bCOUNT\s*\(`)
	shortestPathRe = regexp.MustCompile(`(?i)\bSHORTEST_?PATH\b|\bSHORTESTPATH\s*\(`)
	allPathsRe     = regexp.MustCompile(`(?i)\bALL_?PATHS\b|\ballShortestPaths\s*\(`)
	matchRe        = regexp.MustCompile(`(?i)\bMATCH\b`)
	whereRe        = regexp.MustCompile(`(?i)\bWHERE\b`)
	orderByRe      = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	groupByRe      = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
)

// Analyze inspects a Cypher query and returns size and shape heuristics.
// Output depends only on the query text.
func Analyze(query string) Analysis {
	a := Analysis{
		HasMatch:        matchRe.MatchString(query),
		HasWhere:        whereRe.MatchString(query),
		HasOrderBy:      orderByRe.MatchString(query),
		HasAggregation:  aggregationRe.MatchString(query),
		HasShortestPath: shortestPathRe.MatchString(query),
		HasAllPaths:     allPathsRe.MatchString(query),
	}

	hasCount := countRe.MatchString(query)
	hasGroupBy := groupByRe.MatchString(query)
	a.IsCountOnly = hasCount && !hasGroupBy

	// Multiple MATCH clauses combined with comma patterns risk a Cartesian
	// product.
	a.HasCartesianRisk = len(matchRe.FindAllStringIndex(query, -1)) > 1 &&
		strings.Contains(query, ",")

	if m := limitLiteralRe.FindStringSubmatch(query); m != nil {
		a.HasLimit = true
		if n, err := strconv.Atoi(m[1]); err == nil {
			a.LimitValue = n
		}
		switch {
		case a.LimitValue <= 100:
			a.EstimatedSize = SizeSmall
		case a.LimitValue <= 1000:
			a.EstimatedSize = SizeMedium
		default:
			a.EstimatedSize = SizeLarge
		}
	} else if limitParamRe.MatchString(query) {
		a.HasLimit = true
		a.EstimatedSize = SizeMedium
	} else if a.IsCountOnly {
		// Single aggregation row.
		a.EstimatedSize = SizeSmall
	} else {
		a.EstimatedSize = SizeLarge
	}

	a.PotentiallyExpensive = a.HasAllPaths || a.HasCartesianRisk ||
		(a.EstimatedSize == SizeLarge && !a.HasWhere)
	a.RequiresStreaming = a.EstimatedSize == SizeLarge && !a.HasAggregation
	a.SupportsProgress = a.HasMatch && !a.HasAggregation

	return a
}
