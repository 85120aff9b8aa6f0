// Package api is the HTTP-facing query gateway. It ties the breaker,
// analyzer, admission-controlled queue, credit service, and streaming
// layers together for each request.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kgraph/backend/internal/circuitbreaker"
	"github.com/kgraph/backend/internal/credits"
	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/monitoring"
	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/queue"
	"github.com/kgraph/backend/internal/repository"
	"github.com/kgraph/backend/internal/streaming"
)

// Options carries the request-independent gateway tunables.
type Options struct {
	Version         string
	DefaultPriority int
	PremiumBoost    int
	DefaultTimeout  time.Duration
	SSEKeepalive    time.Duration
	Chunks          streaming.ChunkPolicy
	// DisableSSE forces queue and NDJSON strategies; the operations stream
	// endpoint refuses connections.
	DisableSSE bool
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Version:         "dev",
		DefaultPriority: 5,
		PremiumBoost:    3,
		DefaultTimeout:  60 * time.Second,
		SSEKeepalive:    20 * time.Second,
		Chunks:          streaming.DefaultChunkPolicy(),
	}
}

// Gateway orchestrates the query pipeline per request.
type Gateway struct {
	opts     Options
	breaker  *circuitbreaker.Manager
	credits  *credits.Service
	queue    *queue.Queue
	bus      *operations.Bus
	resolver repository.Resolver
	limiter  *middleware.RateLimiter
	metrics  *monitoring.Metrics
	streamer *streaming.QueueStreamer
	now      func() time.Time
}

// New wires a gateway. All collaborators are required except limiter and
// metrics, which may be nil.
func New(opts Options,
	breaker *circuitbreaker.Manager,
	creditSvc *credits.Service,
	q *queue.Queue,
	bus *operations.Bus,
	resolver repository.Resolver,
	limiter *middleware.RateLimiter,
	metrics *monitoring.Metrics,
) *Gateway {
	if opts.DefaultPriority <= 0 {
		opts.DefaultPriority = 5
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.SSEKeepalive <= 0 {
		opts.SSEKeepalive = 20 * time.Second
	}
	if opts.Chunks == (streaming.ChunkPolicy{}) {
		opts.Chunks = streaming.DefaultChunkPolicy()
	}
	if bus != nil {
		q.SetEventSink(busMirror{bus: bus})
	}
	return &Gateway{
		opts:     opts,
		breaker:  breaker,
		credits:  creditSvc,
		queue:    q,
		bus:      bus,
		resolver: resolver,
		limiter:  limiter,
		metrics:  metrics,
		streamer: streaming.NewQueueStreamer(q, bus),
		now:      time.Now,
	}
}

// busMirror publishes queue lifecycle transitions to the operation bus so
// /v1/operations/{id}/stream observes queued work through to its terminal
// event. Queue callbacks carry no request context.
type busMirror struct{ bus *operations.Bus }

func (m busMirror) QueryStarted(queryID string) {
	m.bus.Emit(context.Background(), "op_"+queryID, operations.EventStarted,
		map[string]any{"query_id": queryID})
}

func (m busMirror) QueryFinished(queryID string, status queue.Status, errorMessage string) {
	eventType := operations.EventCompleted
	payload := map[string]any{"query_id": queryID, "status": string(status)}
	if status != queue.StatusCompleted {
		eventType = operations.EventFailed
		if errorMessage != "" {
			payload["error"] = errorMessage
		}
	}
	m.bus.Emit(context.Background(), "op_"+queryID, eventType, payload)
}

// Router builds the HTTP routing table. The status endpoint stays outside
// the auth wrapper; everything else requires a bearer token.
func (g *Gateway) Router(validator middleware.TokenValidator) *mux.Router {
	r := mux.NewRouter()
	r.Use(g.instrument)

	r.HandleFunc("/v1/status", g.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(middleware.Auth(validator))

	authed.HandleFunc("/graphs/{graph_id}/query", g.handleQuery).Methods(http.MethodPost)
	authed.HandleFunc("/operations/{operation_id}/stream", g.handleOperationStream).Methods(http.MethodGet)

	authed.HandleFunc("/graphs/{graph_id}/credits/summary", g.handleCreditSummary).Methods(http.MethodGet)
	authed.HandleFunc("/graphs/{graph_id}/credits/transactions", g.handleCreditTransactions).Methods(http.MethodGet)
	authed.HandleFunc("/graphs/{graph_id}/credits/balance/check", g.handleBalanceCheck).Methods(http.MethodGet)
	authed.HandleFunc("/graphs/{graph_id}/credits/storage/limits", g.handleStorageLimits).Methods(http.MethodGet)

	authed.HandleFunc("/graphs/{graph_id}/schema/info", g.handleSchemaInfo).Methods(http.MethodGet)
	authed.HandleFunc("/graphs/{graph_id}/schema/validate", g.handleSchemaValidate).Methods(http.MethodPost)

	authed.HandleFunc("/queue/stats", g.handleQueueStats).Methods(http.MethodGet)
	authed.HandleFunc("/queries/{query_id}", g.handleQueryStatus).Methods(http.MethodGet)
	authed.HandleFunc("/queries/{query_id}", g.handleQueryCancel).Methods(http.MethodDelete)

	return r
}

// statusRecorder captures the response code for request metrics. WriteHeader
// may never be called on streaming paths, so the zero value reads as 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := g.now()
		next.ServeHTTP(rec, r)
		g.metrics.RequestTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(rec.status)).Inc()
		g.metrics.RequestDuration.WithLabelValues(endpoint).Observe(g.now().Sub(start).Seconds())
	})
}

// priorityFor derives queue priority from the user tier.
func (g *Gateway) priorityFor(user *middleware.User) int {
	switch user.Tier {
	case "premium", "enterprise":
		return g.opts.DefaultPriority + g.opts.PremiumBoost
	default:
		return g.opts.DefaultPriority
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": g.now().UTC().Format(time.RFC3339),
		"details": map[string]string{
			"service": "graph-query-gateway",
			"version": g.opts.Version,
		},
	})
}

func (g *Gateway) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.queue.Stats())
}
