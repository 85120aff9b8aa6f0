package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/kgraph/backend/internal/circuitbreaker"
	"github.com/kgraph/backend/internal/clients"
	"github.com/kgraph/backend/internal/credits"
	"github.com/kgraph/backend/internal/cypher"
	"github.com/kgraph/backend/internal/graph"
	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/queue"
	"github.com/kgraph/backend/internal/repository"
	"github.com/kgraph/backend/internal/strategy"
	"github.com/kgraph/backend/internal/streaming"
	"github.com/kgraph/backend/internal/timeouts"
)

const queryOperation = "cypher_query"

// interactiveTruncateRows bounds synchronous results for testing tools
// running unbounded queries.
const interactiveTruncateRows = 100

type queryRequest struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout,omitempty"`
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no user in request", nil)
		return
	}

	rawGID := mux.Vars(r)["graph_id"]
	gid, err := graph.ParseID(rawGID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_graph_id", err.Error(), nil)
		return
	}

	if err := g.breaker.Check(gid.Raw, queryOperation); err != nil {
		var open *circuitbreaker.CircuitOpenError
		if errors.As(err, &open) {
			writeCircuitOpen(w, open)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must carry a non-empty query", nil)
		return
	}
	if req.Timeout < 0 || req.Timeout > 300 {
		writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be within [1, 300] seconds", nil)
		return
	}

	translated := cypher.TranslateNeo4j(req.Query)

	class := cypher.Classify(translated)
	switch {
	case class.IsBulk:
		writeError(w, http.StatusBadRequest, "bulk_not_allowed",
			"bulk operations are not accepted on the query endpoint", nil)
		return
	case class.IsSchemaDDL:
		writeError(w, http.StatusBadRequest, "schema_ddl_not_allowed",
			"schema changes are not accepted on the query endpoint", nil)
		return
	case class.IsWrite:
		writeError(w, http.StatusForbidden, "write_not_allowed",
			"write queries must go through the staging ingest pipeline", nil)
		return
	case class.IsAdmin:
		writeError(w, http.StatusForbidden, "admin_not_allowed",
			"administrative operations are not accepted on the query endpoint", nil)
		return
	}

	if gid.IsShared && g.limiter != nil && !g.limiter.Allow(user.ID+":"+gid.Raw) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			"shared repository rate limit exceeded", map[string]any{"retry_after_seconds": 60})
		return
	}

	repo, err := g.resolver.Resolve(r.Context(), gid, repository.AccessRead, user.Tier)
	if err != nil {
		var nf *repository.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "graph_not_found", nf.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "resolver_error", err.Error(), nil)
		return
	}

	requestID := uuid.NewString()
	result, err := g.credits.ConsumeCredits(r.Context(), credits.ConsumeRequest{
		GraphID:        gid.Raw,
		OpType:         credits.OpQuery,
		UserID:         user.ID,
		IdempotencyKey: "query_" + requestID,
		RequestID:      requestID,
		Description:    "cypher query",
	})
	if err != nil {
		if errors.Is(err, credits.ErrNoPool) {
			writeError(w, http.StatusPaymentRequired, "no_credit_pool",
				"no credit pool exists for this graph", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "credit_error", err.Error(), nil)
		return
	}
	if g.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "insufficient"
		}
		g.metrics.CreditConsumptions.WithLabelValues(string(credits.OpQuery), outcome).Inc()
		if result.Success {
			g.metrics.CreditsConsumed.WithLabelValues(string(credits.OpQuery)).
				Add(result.Consumed.InexactFloat64())
		}
	}
	if !result.Success {
		if result.Reason == "access_denied" {
			writeError(w, http.StatusForbidden, "access_denied",
				"no subscription for this shared repository", nil)
			return
		}
		writeError(w, http.StatusPaymentRequired, "insufficient_credits",
			"insufficient credits for this operation", map[string]any{
				"required":  result.Required,
				"available": result.Available,
				"operation": string(credits.OpQuery),
			})
		return
	}

	analysis := cypher.Analyze(translated)
	client := clients.Detect(r.Header)
	if g.opts.DisableSSE {
		client.SupportsSSE = false
	}
	stats := g.queue.Stats()
	sys := strategy.SystemState{
		QueueSize:      stats.QueueSize,
		RunningQueries: stats.Running,
		MaxConcurrent:  stats.MaxConcurrent,
	}

	mode := strategy.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = strategy.ModeAuto
	}
	decision := strategy.Select(analysis, client, sys, mode, false)
	if g.metrics != nil {
		g.metrics.StrategySelected.WithLabelValues(string(decision.Strategy)).Inc()
	}
	slog.Info("query strategy selected",
		"graph_id", gid.Raw, "user_id", user.ID,
		"strategy", decision.Strategy, "reason", decision.Reason,
		"size", analysis.EstimatedSize, "request_id", requestID)

	chunkSize := 0
	if cs := r.URL.Query().Get("chunk_size"); cs != "" {
		chunkSize, _ = strconv.Atoi(cs)
	}
	chunkSize = g.opts.Chunks.Clamp(chunkSize, user.Tier)

	ts := timeouts.Resolve(time.Duration(req.Timeout)*time.Second, timeoutClass(decision.Strategy, client))

	ctx := reqContext{
		gateway:   g,
		user:      user,
		gid:       gid,
		repo:      repo,
		cypher:    translated,
		params:    req.Parameters,
		analysis:  analysis,
		client:    client,
		decision:  decision,
		timeouts:  ts,
		chunkSize: chunkSize,
		requestID: requestID,
	}

	switch decision.Strategy {
	case strategy.NDJSONStreaming:
		ctx.streamNDJSON(w, r)
	case strategy.SSEStreaming, strategy.SSEProgress:
		ctx.streamSSE(w, r)
	case strategy.SSEQueueStream:
		ctx.streamSSEWithQueue(w, r)
	case strategy.TraditionalQueue, strategy.QueueSimple:
		ctx.enqueue(w, r)
	default:
		ctx.executeJSON(w, r)
	}
}

func timeoutClass(s strategy.Strategy, client clients.Capabilities) timeouts.Class {
	switch s {
	case strategy.SyncTesting:
		return timeouts.ClassInteractive
	case strategy.SSEStreaming, strategy.NDJSONStreaming, strategy.SSEProgress:
		return timeouts.ClassStreaming
	case strategy.SSEQueueStream, strategy.TraditionalQueue, strategy.QueueSimple:
		return timeouts.ClassQueued
	}
	if client.IsInteractiveTool {
		return timeouts.ClassInteractive
	}
	return timeouts.ClassStreaming
}

// reqContext carries one request's resolved pipeline state through the
// strategy dispatch.
type reqContext struct {
	gateway   *Gateway
	user      *middleware.User
	gid       graph.ID
	repo      repository.Repository
	cypher    string
	params    map[string]any
	analysis  cypher.Analysis
	client    clients.Capabilities
	decision  strategy.Decision
	timeouts  timeouts.Set
	chunkSize int
	requestID string
}

func (rc *reqContext) executeJSON(w http.ResponseWriter, r *http.Request) {
	g := rc.gateway
	start := g.now()

	execCtx, cancel := context.WithTimeout(r.Context(), rc.timeouts.Execution)
	defer cancel()

	result, err := rc.repo.ExecuteQuery(execCtx, rc.cypher, rc.params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			if rc.client.IsInteractiveTool {
				writeJSON(w, http.StatusRequestTimeout,
					interactiveTimeoutBody(int(rc.timeouts.Execution.Seconds())))
				return
			}
			// Non-interactive synchronous paths degrade to the queue.
			rc.enqueue(w, r)
			return
		}
		g.breaker.RecordFailure(rc.gid.Raw, queryOperation)
		writeError(w, http.StatusInternalServerError, "repository_error",
			"query execution failed", nil)
		return
	}
	g.breaker.RecordSuccess(rc.gid.Raw, queryOperation)

	body := map[string]any{
		"columns":           result.Columns,
		"rows":              result.Rows,
		"row_count":         result.RowCount(),
		"execution_time_ms": g.now().Sub(start).Milliseconds(),
		"strategy":          rc.decision.Strategy,
		"graph_id":          rc.gid.Raw,
	}
	if len(rc.decision.Warnings) > 0 {
		body["warnings"] = rc.decision.Warnings
	}

	if rc.client.IsInteractiveTool && !rc.analysis.HasLimit && result.RowCount() > interactiveTruncateRows {
		body["rows"] = result.Rows[:interactiveTruncateRows]
		body["row_count"] = interactiveTruncateRows
		body["truncated"] = true
		body["total_rows"] = result.RowCount()
		body["suggestion"] = truncationSuggestion()
	}

	writeJSON(w, http.StatusOK, body)
}

func (rc *reqContext) streamNDJSON(w http.ResponseWriter, r *http.Request) {
	g := rc.gateway
	start := g.now()

	execCtx, cancel := context.WithTimeout(r.Context(), rc.timeouts.Execution)
	defer cancel()

	rows, err := repository.OpenRows(execCtx, rc.repo, rc.cypher, rc.params, rc.chunkSize)
	if err != nil {
		g.breaker.RecordFailure(rc.gid.Raw, queryOperation)
		writeError(w, http.StatusInternalServerError, "repository_error",
			"query execution failed", nil)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	emitter := streaming.NewNDJSONEmitter(w, rc.chunkSize, rc.gid.Raw)
	if err := emitter.Stream(rows, start); err != nil {
		// The response is already committed; log and record only.
		g.breaker.RecordFailure(rc.gid.Raw, queryOperation)
		slog.Warn("ndjson stream aborted", "graph_id", rc.gid.Raw, "error", err)
		return
	}
	g.breaker.RecordSuccess(rc.gid.Raw, queryOperation)
}

func (rc *reqContext) streamSSE(w http.ResponseWriter, r *http.Request) {
	g := rc.gateway
	start := g.now()

	execCtx, cancel := context.WithTimeout(r.Context(), rc.timeouts.Execution)
	defer cancel()

	rows, err := repository.OpenRows(execCtx, rc.repo, rc.cypher, rc.params, rc.chunkSize)
	if err != nil {
		g.breaker.RecordFailure(rc.gid.Raw, queryOperation)
		writeError(w, http.StatusInternalServerError, "repository_error",
			"query execution failed", nil)
		return
	}

	setSSEHeaders(w)
	emitter := streaming.NewSSEEmitter(w, rc.chunkSize, rc.gid.Raw)
	if err := emitter.Stream(rows, start); err != nil {
		g.breaker.RecordFailure(rc.gid.Raw, queryOperation)
		slog.Warn("sse stream aborted", "graph_id", rc.gid.Raw, "error", err)
		return
	}
	g.breaker.RecordSuccess(rc.gid.Raw, queryOperation)
}

func (rc *reqContext) streamSSEWithQueue(w http.ResponseWriter, r *http.Request) {
	g := rc.gateway

	queryID, err := g.queue.Submit(rc.cypher, rc.params, rc.gid.Raw, rc.user.ID,
		decimal.Zero, g.priorityFor(rc.user))
	if err != nil {
		if !writeQueueRejection(w, err) {
			writeError(w, http.StatusInternalServerError, "queue_error", err.Error(), nil)
		}
		return
	}

	operationID := "op_" + queryID
	setSSEHeaders(w)
	emitter := streaming.NewSSEEmitter(w, rc.chunkSize, rc.gid.Raw)
	if err := g.streamer.Stream(r.Context(), emitter, queryID, operationID); err != nil {
		slog.Debug("queue stream ended", "query_id", queryID, "error", err)
	}
}

func (rc *reqContext) enqueue(w http.ResponseWriter, r *http.Request) {
	g := rc.gateway

	queryID, err := g.queue.Submit(rc.cypher, rc.params, rc.gid.Raw, rc.user.ID,
		decimal.Zero, g.priorityFor(rc.user))
	if err != nil {
		if !writeQueueRejection(w, err) {
			writeError(w, http.StatusInternalServerError, "queue_error", err.Error(), nil)
		}
		return
	}

	operationID := "op_" + queryID
	info, _ := g.queue.GetStatus(queryID)
	position, wait := 0, 0.0
	if info != nil {
		position, wait = info.QueuePosition, info.EstimatedWait
	}
	g.bus.Emit(r.Context(), operationID, operations.EventQueued, map[string]any{
		"query_id": queryID,
		"position": position,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":                 "queued",
		"query_id":               queryID,
		"operation_id":           operationID,
		"queue_position":         position,
		"estimated_wait_seconds": wait,
		"message":                "query queued; monitor via the operations stream",
		"_links": map[string]string{
			"self":    "/v1/queries/" + queryID,
			"monitor": "/v1/operations/" + operationID + "/stream",
		},
	})
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// maxStatusWaitSeconds caps how long a Prefer: wait=<n> poll may hold the
// connection.
const maxStatusWaitSeconds = 60

func (g *Gateway) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	queryID := mux.Vars(r)["query_id"]

	var (
		info *queue.StatusInfo
		ok   bool
	)
	if wait := clients.Detect(r.Header).PreferWaitSeconds; wait > 0 {
		if wait > maxStatusWaitSeconds {
			wait = maxStatusWaitSeconds
		}
		info, ok = g.queue.WaitForResult(queryID, wait)
	} else {
		info, ok = g.queue.GetStatus(queryID)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "query_not_found", "unknown query id", nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleQueryCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no user in request", nil)
		return
	}
	queryID := mux.Vars(r)["query_id"]
	if err := g.queue.Cancel(queryID, user.ID); err != nil {
		writeError(w, http.StatusConflict, "cancel_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "query_id": queryID})
}
