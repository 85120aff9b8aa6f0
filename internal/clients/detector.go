// Package clients derives client capabilities and preferences from request
// headers. The gateway uses these to pick an execution strategy: testing
// tools get synchronous JSON, SSE-capable clients get streams, and so on.
package clients

import (
	"net/http"
	"strconv"
	"strings"
)

// Capabilities describes what the caller can consume and what it asked for.
type Capabilities struct {
	SupportsSSE       bool `json:"supports_sse"`
	SupportsNDJSON    bool `json:"supports_ndjson"`
	IsBrowser         bool `json:"is_browser"`
	IsTestingTool     bool `json:"is_testing_tool"`
	IsInteractiveTool bool `json:"is_interactive_tool"`
	PreferStream      bool `json:"prefer_stream"`
	PreferAsync       bool `json:"prefer_async"`
	PreferWaitSeconds int  `json:"prefer_wait_seconds,omitempty"`
}

var testingTools = []string{"postman", "insomnia", "swagger", "openapi", "curl", "httpie"}

var browsers = []string{"mozilla", "chrome", "safari", "firefox", "edge"}

// Detect parses Accept, User-Agent, Prefer, and Referer headers into
// capability flags.
func Detect(h http.Header) Capabilities {
	var c Capabilities

	accept := strings.ToLower(h.Get("Accept"))
	c.SupportsSSE = strings.Contains(accept, "text/event-stream")
	c.SupportsNDJSON = strings.Contains(accept, "application/x-ndjson") ||
		strings.Contains(accept, "application/stream+json")

	ua := strings.ToLower(h.Get("User-Agent"))
	for _, tool := range testingTools {
		if strings.Contains(ua, tool) {
			c.IsTestingTool = true
			break
		}
	}
	if !c.IsTestingTool {
		for _, b := range browsers {
			if strings.Contains(ua, b) {
				c.IsBrowser = true
				break
			}
		}
	}

	for _, part := range strings.Split(h.Get("Prefer"), ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		switch {
		case part == "respond-async":
			c.PreferAsync = true
		case part == "stream":
			c.PreferStream = true
		case strings.HasPrefix(part, "wait="):
			if n, err := strconv.Atoi(strings.TrimPrefix(part, "wait=")); err == nil && n >= 0 {
				c.PreferWaitSeconds = n
			}
		}
	}

	referer := strings.ToLower(h.Get("Referer"))
	c.IsInteractiveTool = c.IsTestingTool ||
		(c.IsBrowser && strings.Contains(referer, "swagger"))

	return c
}
