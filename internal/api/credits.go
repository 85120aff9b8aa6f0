package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/kgraph/backend/internal/credits"
	"github.com/kgraph/backend/internal/graph"
	"github.com/kgraph/backend/internal/middleware"
)

func (g *Gateway) parseGraphID(w http.ResponseWriter, r *http.Request) (graph.ID, bool) {
	gid, err := graph.ParseID(mux.Vars(r)["graph_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_graph_id", err.Error(), nil)
		return graph.ID{}, false
	}
	return gid, true
}

func writeCreditError(w http.ResponseWriter, err error) {
	if errors.Is(err, credits.ErrNoPool) {
		writeError(w, http.StatusPaymentRequired, "no_credit_pool",
			"no credit pool exists for this graph", nil)
		return
	}
	writeError(w, http.StatusInternalServerError, "credit_error", err.Error(), nil)
}

func (g *Gateway) handleCreditSummary(w http.ResponseWriter, r *http.Request) {
	gid, ok := g.parseGraphID(w, r)
	if !ok {
		return
	}
	summary, err := g.credits.Summary(r.Context(), gid.Raw)
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (g *Gateway) handleCreditTransactions(w http.ResponseWriter, r *http.Request) {
	gid, ok := g.parseGraphID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := credits.TransactionFilter{
		Type:      credits.TransactionType(q.Get("transaction_type")),
		Operation: q.Get("operation_type"),
	}
	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "start_date must be RFC3339", nil)
			return
		}
		filter.StartDate = t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "end_date must be RFC3339", nil)
			return
		}
		filter.EndDate = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	txs, err := g.credits.Transactions(r.Context(), gid.Raw, filter)
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph_id":     gid.Raw,
		"transactions": txs,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

func (g *Gateway) handleBalanceCheck(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no user in request", nil)
		return
	}
	gid, ok := g.parseGraphID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opType := credits.OperationType(q.Get("operation_type"))
	if opType == "" {
		opType = credits.OpQuery
	}
	baseCost := decimal.Zero
	if v := q.Get("base_cost"); v != "" {
		c, err := decimal.NewFromString(v)
		if err != nil || c.IsNegative() {
			writeError(w, http.StatusBadRequest, "invalid_base_cost",
				"base_cost must be a non-negative decimal", nil)
			return
		}
		baseCost = c
	}

	check, err := g.credits.CheckBalance(r.Context(), gid.Raw, baseCost, user.ID, opType)
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (g *Gateway) handleStorageLimits(w http.ResponseWriter, r *http.Request) {
	gid, ok := g.parseGraphID(w, r)
	if !ok {
		return
	}
	pool, err := g.credits.StorageLimits(r.Context(), gid.Raw)
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph_id":            gid.Raw,
		"graph_tier":          pool.GraphTier,
		"storage_limit_gb":    pool.EffectiveStorageLimitGB(),
		"storage_override_gb": pool.StorageOverrideGB,
	})
}
