// Package strategy maps query analysis, client capability, and system load
// onto one of the closed set of execution strategies.
package strategy

import (
	"github.com/kgraph/backend/internal/clients"
	"github.com/kgraph/backend/internal/cypher"
)

// Strategy is the execution shape chosen for a request.
type Strategy string

const (
	JSONImmediate    Strategy = "JSON_IMMEDIATE"
	JSONComplete     Strategy = "JSON_COMPLETE"
	SSEStreaming     Strategy = "SSE_STREAMING"
	NDJSONStreaming  Strategy = "NDJSON_STREAMING"
	SSEProgress      Strategy = "SSE_PROGRESS"
	SSEQueueStream   Strategy = "SSE_QUEUE_STREAM"
	TraditionalQueue Strategy = "TRADITIONAL_QUEUE"
	QueueSimple      Strategy = "QUEUE_SIMPLE"
	Cached           Strategy = "CACHED"
	SyncTesting      Strategy = "SYNC_TESTING"
)

// Mode is an explicit client override of the automatic selection.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeStream Mode = "stream"
)

// SystemState is the queue snapshot the selector consults.
type SystemState struct {
	QueueSize      int
	RunningQueries int
	MaxConcurrent  int
}

// UnderPressure reports whether new work should be queued rather than run
// inline.
func (s SystemState) UnderPressure() bool {
	return s.QueueSize > 0 || s.RunningQueries >= s.MaxConcurrent
}

// Decision carries the chosen strategy plus the reason and any advisory
// warnings surfaced to the client.
type Decision struct {
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
	Warnings []string `json:"warnings,omitempty"`
}

// Select applies the selection rules in order; the first match wins.
func Select(a cypher.Analysis, c clients.Capabilities, sys SystemState, mode Mode, isWrite bool) Decision {
	switch mode {
	case ModeSync:
		return Decision{Strategy: SyncTesting, Reason: "mode override: sync"}
	case ModeAsync:
		return Decision{Strategy: TraditionalQueue, Reason: "mode override: async"}
	case ModeStream:
		if c.SupportsSSE {
			return Decision{Strategy: SSEStreaming, Reason: "mode override: stream"}
		}
		d := Decision{Strategy: NDJSONStreaming, Reason: "mode override: stream"}
		if !c.SupportsNDJSON {
			d.Warnings = append(d.Warnings, "client advertises no streaming support; responding with NDJSON")
		}
		return d
	}

	if c.IsInteractiveTool {
		return Decision{Strategy: SyncTesting, Reason: "interactive client"}
	}

	if sys.UnderPressure() {
		switch {
		case isWrite:
			return Decision{Strategy: TraditionalQueue, Reason: "system busy, write operation"}
		case c.SupportsSSE && !c.PreferAsync:
			return Decision{Strategy: SSEQueueStream, Reason: "system busy, SSE capable"}
		default:
			return Decision{Strategy: TraditionalQueue, Reason: "system busy"}
		}
	}

	// Writes never stream. Small writes still go through the complete JSON
	// path so the caller gets a single confirmation payload.
	if isWrite {
		return Decision{Strategy: JSONComplete, Reason: "write operation"}
	}

	switch a.EstimatedSize {
	case cypher.SizeSmall:
		return Decision{Strategy: JSONImmediate, Reason: "small result set"}
	case cypher.SizeMedium:
		if c.PreferStream {
			return Decision{Strategy: streamByCapability(c), Reason: "medium result, stream preferred"}
		}
		return Decision{Strategy: JSONComplete, Reason: "medium result set"}
	default:
		if c.SupportsSSE || c.SupportsNDJSON {
			return Decision{Strategy: streamByCapability(c), Reason: "large result set"}
		}
		if a.HasLimit && a.LimitValue > 0 && a.LimitValue <= 1000 {
			return Decision{Strategy: JSONComplete, Reason: "large class but bounded by LIMIT"}
		}
		return Decision{
			Strategy: NDJSONStreaming,
			Reason:   "large unbounded result",
			Warnings: []string{"client advertises no streaming support; large result sent as NDJSON"},
		}
	}
}

func streamByCapability(c clients.Capabilities) Strategy {
	if c.SupportsSSE {
		return SSEStreaming
	}
	return NDJSONStreaming
}
