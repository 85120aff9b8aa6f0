// Package timeouts derives the cascaded endpoint/queue/execution timeouts
// used across the query pipeline. The invariant is endpoint > queue >
// execution, with 30-second safety buffers between layers so an inner layer
// always times out before the one wrapping it.
package timeouts

import "time"

// Class describes how the request will be executed, which caps the
// execution timeout.
type Class int

const (
	ClassInteractive Class = iota // sync testing-tool requests
	ClassStreaming                // NDJSON / SSE streaming
	ClassQueued                   // background queue execution
)

const (
	buffer         = 30 * time.Second
	floor          = 30 * time.Second
	capInteractive = 30 * time.Second
	capStreaming   = 300 * time.Second
	capQueued      = 600 * time.Second
)

// Set holds the three cascaded timeouts for one request.
type Set struct {
	Endpoint  time.Duration
	Queue     time.Duration
	Execution time.Duration
}

// Resolve computes the timeout set for a requested execution timeout and
// class. A zero or negative request falls back to the class cap.
func Resolve(requested time.Duration, class Class) Set {
	max := capQueued
	switch class {
	case ClassInteractive:
		max = capInteractive
	case ClassStreaming:
		max = capStreaming
	}

	exec := requested
	if exec <= 0 || exec > max {
		exec = max
	}
	if exec < floor {
		exec = floor
	}

	queue := exec + buffer
	if queue < floor {
		queue = floor
	}

	return Set{
		Endpoint:  queue + buffer,
		Queue:     queue,
		Execution: exec,
	}
}
