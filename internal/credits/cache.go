package credits

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgraph/backend/internal/kv"
)

// Cache key prefixes. Callers always pass the parent graph id, so a
// subgraph and its parent share one cache entry.
const (
	balanceKeyPrefix = "graph_credit:"
	summaryKeyPrefix = "credit_summary:"
)

// Cache is the write-through balance/summary cache over the KV store.
// Every method tolerates KV unavailability: reads degrade to misses, writes
// to no-ops. Nothing here ever surfaces an error to request handlers.
type Cache struct {
	store kv.Store

	balanceTTL time.Duration
	summaryTTL time.Duration
}

// NewCache creates a credit cache with the standard TTLs: balances are
// short-lived, summaries medium.
func NewCache(store kv.Store) *Cache {
	return &Cache{
		store:      store,
		balanceTTL: 30 * time.Second,
		summaryTTL: 5 * time.Minute,
	}
}

// GetBalance returns the cached balance for a parent graph, if present.
func (c *Cache) GetBalance(ctx context.Context, parentGraphID string) (decimal.Decimal, bool) {
	raw, err := c.store.Get(ctx, balanceKeyPrefix+parentGraphID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Debug("credit cache read failed", "graph", parentGraphID, "error", err)
		}
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// SetBalance stores the post-mutation balance for a parent graph.
func (c *Cache) SetBalance(ctx context.Context, parentGraphID string, balance decimal.Decimal) {
	if err := c.store.Set(ctx, balanceKeyPrefix+parentGraphID, []byte(balance.String()), c.balanceTTL); err != nil {
		slog.Debug("credit cache write failed", "graph", parentGraphID, "error", err)
	}
}

// RefreshBalance stores the post-mutation balance and drops the now-stale
// summary. Success paths call this after any pool mutation; failure paths
// use InvalidateBalance so the next read is authoritative.
func (c *Cache) RefreshBalance(ctx context.Context, parentGraphID string, newBalance decimal.Decimal) {
	if err := c.store.Delete(ctx, summaryKeyPrefix+parentGraphID); err != nil {
		slog.Debug("credit summary invalidate failed", "graph", parentGraphID, "error", err)
	}
	c.SetBalance(ctx, parentGraphID, newBalance)
}

// InvalidateBalance drops the cached balance and summary for a graph. Called
// on any consumption failure so the next read is authoritative.
func (c *Cache) InvalidateBalance(ctx context.Context, parentGraphID string) {
	if err := c.store.Delete(ctx,
		balanceKeyPrefix+parentGraphID,
		summaryKeyPrefix+parentGraphID,
	); err != nil {
		slog.Debug("credit cache invalidate failed", "graph", parentGraphID, "error", err)
	}
}

// GetSummary returns the cached credit summary, if present.
func (c *Cache) GetSummary(ctx context.Context, parentGraphID string) (*Summary, bool) {
	raw, err := c.store.Get(ctx, summaryKeyPrefix+parentGraphID)
	if err != nil {
		return nil, false
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

// SetSummary caches a credit summary.
func (c *Cache) SetSummary(ctx context.Context, parentGraphID string, s *Summary) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, summaryKeyPrefix+parentGraphID, raw, c.summaryTTL); err != nil {
		slog.Debug("credit summary cache write failed", "graph", parentGraphID, "error", err)
	}
}
