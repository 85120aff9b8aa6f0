package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgraph/backend/internal/graph"
)

// SubscriptionChecker answers whether a user may access a shared repository.
// The real implementation lives with the external user-management service;
// the gateway only consumes this interface.
type SubscriptionChecker interface {
	HasRepositoryAccess(ctx context.Context, userID, repository string) bool
}

// Service is the central credit accounting component. Every request routes
// through here: subgraphs resolve to their parent pool, shared repositories
// to the per-user repository pool.
type Service struct {
	store Store
	cache *Cache
	costs *CostTable
	subs  SubscriptionChecker
	now   func() time.Time
}

// NewService wires the credit service.
func NewService(store Store, cache *Cache, costs *CostTable, subs SubscriptionChecker) *Service {
	if costs == nil {
		costs = DefaultCostTable()
	}
	return &Service{store: store, cache: cache, costs: costs, subs: subs, now: time.Now}
}

// Costs exposes the cost table (for ai_tokens pricing etc).
func (s *Service) Costs() *CostTable { return s.costs }

// CheckBalance is the pre-flight check for an operation against a graph.
// For shared repositories it validates subscription access and the per-user
// repository pool; for user graphs it compares the (cached) parent pool
// balance against the requirement.
func (s *Service) CheckBalance(ctx context.Context, graphID string, required decimal.Decimal, userID string, opType OperationType) (*BalanceCheck, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}

	if id.IsShared {
		return s.checkSharedBalance(ctx, id.Parent, required, userID, opType)
	}

	available, ok := s.cache.GetBalance(ctx, id.Parent)
	if !ok {
		pool, err := s.store.GetPool(ctx, id.Parent)
		if err != nil {
			return nil, err
		}
		available = pool.CurrentBalance
		s.cache.SetBalance(ctx, id.Parent, available)
	}

	return &BalanceCheck{
		HasAccess:     true,
		HasSufficient: available.GreaterThanOrEqual(required),
		Required:      required,
		Available:     available,
		RepoType:      "user",
	}, nil
}

func (s *Service) checkSharedBalance(ctx context.Context, repo string, required decimal.Decimal, userID string, opType OperationType) (*BalanceCheck, error) {
	if s.subs == nil || !s.subs.HasRepositoryAccess(ctx, userID, repo) {
		return &BalanceCheck{
			HasAccess: false,
			RepoType:  "shared",
			Reason:    fmt.Sprintf("no subscription for repository %q", repo),
		}, nil
	}

	cost, included, dynamic, known := s.costs.RepoCost(repo, opType)
	if !known {
		return &BalanceCheck{
			HasAccess: false,
			RepoType:  "shared",
			Reason:    fmt.Sprintf("operation %q not available on repository %q", opType, repo),
		}, nil
	}
	if included {
		// Included operations are rate-limited only; no balance needed.
		return &BalanceCheck{
			HasAccess:     true,
			HasSufficient: true,
			Required:      decimal.Zero,
			RepoType:      "shared",
		}, nil
	}
	if !dynamic {
		required = cost
	}

	pool, err := s.store.GetRepositoryPool(ctx, userID, repo)
	if err != nil {
		return nil, err
	}
	return &BalanceCheck{
		HasAccess:     true,
		HasSufficient: pool.CurrentBalance.GreaterThanOrEqual(required),
		Required:      required,
		Available:     pool.CurrentBalance,
		RepoType:      "shared",
	}, nil
}

// ConsumeCredits atomically consumes credits for an operation. Cached
// operations and zero-cost operations short-circuit to success. The
// database's conditional update serializes concurrent consumers; the
// transaction's idempotency key makes retries safe.
func (s *Service) ConsumeCredits(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Cached {
		return &ConsumeResult{Success: true, Consumed: decimal.Zero, Reason: "cached"}, nil
	}

	id, err := graph.ParseID(req.GraphID)
	if err != nil {
		return nil, err
	}

	if id.IsShared {
		return s.consumeSharedRepositoryCredits(ctx, id.Parent, req)
	}

	cost := req.BaseCost
	if cost.IsZero() {
		base, dynamic := s.costs.BaseCost(req.OpType)
		if !dynamic {
			cost = base
		}
	}
	if cost.IsZero() {
		return &ConsumeResult{Success: true, Consumed: decimal.Zero, Reason: "included"}, nil
	}

	// Idempotent replay: a transaction with this key means the decrement
	// already happened on a previous attempt.
	if req.IdempotencyKey != "" {
		if existing, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey); err == nil {
			return &ConsumeResult{
				Success:       true,
				Consumed:      existing.Amount.Neg(),
				TransactionID: existing.ID,
				Reason:        "already applied",
			}, nil
		}
	}

	pool, err := s.store.GetPool(ctx, id.Parent)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}

	change, err := s.store.ConsumePool(ctx, pool.ID, cost)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}
	if !change.Applied {
		// Conditional update matched no rows: insufficient balance.
		// Re-read so the caller sees the current number.
		s.cache.InvalidateBalance(ctx, id.Parent)
		fresh, rerr := s.store.GetPool(ctx, id.Parent)
		available := decimal.Zero
		if rerr == nil {
			available = fresh.CurrentBalance
		}
		return &ConsumeResult{
			Success:   false,
			Required:  cost,
			Available: available,
			Reason:    "insufficient credits",
		}, nil
	}

	tx := &Transaction{
		PoolID:         pool.ID,
		GraphID:        id.Parent,
		UserID:         req.UserID,
		Type:           TxConsumption,
		Amount:         cost.Neg(),
		Description:    req.Description,
		Metadata:       withOperationType(req.Metadata, req.OpType),
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      req.RequestID,
		OperationID:    req.OperationID,
	}
	stored, applied, err := s.store.InsertTransaction(ctx, tx)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}
	if !applied {
		// Lost an idempotency race after decrementing: compensate the
		// double charge and report the original application.
		if _, cerr := s.store.AdjustPool(ctx, pool.ID, cost, false); cerr != nil {
			slog.Error("failed to compensate duplicate consumption",
				"pool", pool.ID, "cost", cost, "error", cerr)
		}
		s.cache.InvalidateBalance(ctx, id.Parent)
		return &ConsumeResult{
			Success:       true,
			Consumed:      stored.Amount.Neg(),
			TransactionID: stored.ID,
			Reason:        "already applied",
		}, nil
	}

	s.cache.RefreshBalance(ctx, id.Parent, change.NewBalance)

	return &ConsumeResult{
		Success:       true,
		Consumed:      cost,
		OldBalance:    change.OldBalance,
		NewBalance:    change.NewBalance,
		TransactionID: stored.ID,
	}, nil
}

func (s *Service) consumeSharedRepositoryCredits(ctx context.Context, repo string, req ConsumeRequest) (*ConsumeResult, error) {
	if s.subs == nil || !s.subs.HasRepositoryAccess(ctx, req.UserID, repo) {
		return &ConsumeResult{Success: false, Reason: "access denied"}, nil
	}

	cost, included, dynamic, known := s.costs.RepoCost(repo, req.OpType)
	if !known {
		return &ConsumeResult{Success: false, Reason: "operation not available"}, nil
	}
	if included {
		return &ConsumeResult{Success: true, Consumed: decimal.Zero, Reason: "included"}, nil
	}
	if dynamic {
		cost = req.BaseCost
	}
	if cost.IsZero() {
		return &ConsumeResult{Success: true, Consumed: decimal.Zero, Reason: "included"}, nil
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey); err == nil {
			return &ConsumeResult{
				Success:       true,
				Consumed:      existing.Amount.Neg(),
				TransactionID: existing.ID,
				Reason:        "already applied",
			}, nil
		}
	}

	change, err := s.store.ConsumeRepositoryPool(ctx, req.UserID, repo, cost)
	if err != nil {
		return nil, err
	}
	if !change.Applied {
		pool, rerr := s.store.GetRepositoryPool(ctx, req.UserID, repo)
		available := decimal.Zero
		if rerr == nil {
			available = pool.CurrentBalance
		}
		return &ConsumeResult{
			Success:   false,
			Required:  cost,
			Available: available,
			Reason:    "insufficient repository credits",
		}, nil
	}

	pool, err := s.store.GetRepositoryPool(ctx, req.UserID, repo)
	poolID := ""
	if err == nil {
		poolID = pool.ID
	}
	tx := &Transaction{
		PoolID:         poolID,
		GraphID:        repo,
		UserID:         req.UserID,
		Type:           TxConsumption,
		Amount:         cost.Neg(),
		Description:    req.Description,
		Metadata:       withOperationType(req.Metadata, req.OpType),
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      req.RequestID,
		OperationID:    req.OperationID,
	}
	stored, _, err := s.store.InsertTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &ConsumeResult{
		Success:       true,
		Consumed:      cost,
		OldBalance:    change.OldBalance,
		NewBalance:    change.NewBalance,
		TransactionID: stored.ID,
	}, nil
}

// ConsumeAITokens charges for AI token usage:
// (input/1000)*priceIn + (output/1000)*priceOut, floored at the configured
// minimum charge.
func (s *Service) ConsumeAITokens(ctx context.Context, graphID, userID, model string, inputTokens, outputTokens int64, idempotencyKey string) (*ConsumeResult, error) {
	cost := s.costs.TokenCost(inputTokens, outputTokens)
	return s.ConsumeCredits(ctx, ConsumeRequest{
		GraphID:        graphID,
		OpType:         OpAITokens,
		BaseCost:       cost,
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Description:    fmt.Sprintf("AI token usage (%s)", model),
		Metadata: map[string]interface{}{
			"model":         model,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	})
}

// ConsumeStorageOverage charges for storage above the tier's included GB.
// Driven by a daily job, not the request path. Overage may push the balance
// negative.
func (s *Service) ConsumeStorageOverage(ctx context.Context, graphID string, usedGB decimal.Decimal, day time.Time) (*ConsumeResult, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, id.Parent)
	if err != nil {
		return nil, err
	}

	overage := usedGB.Sub(pool.EffectiveStorageLimitGB())
	if overage.LessThanOrEqual(decimal.Zero) {
		return &ConsumeResult{Success: true, Consumed: decimal.Zero, Reason: "within storage limit"}, nil
	}

	perGB, _ := s.costs.BaseCost(OpStoragePerGBDay)
	cost := overage.Mul(perGB)

	key := fmt.Sprintf("storage_%s_%s", id.Parent, day.UTC().Format("2006-01-02"))
	if existing, err := s.store.GetTransactionByKey(ctx, key); err == nil {
		return &ConsumeResult{Success: true, Consumed: existing.Amount.Neg(),
			TransactionID: existing.ID, Reason: "already applied"}, nil
	}

	change, err := s.store.AdjustPool(ctx, pool.ID, cost.Neg(), true)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}

	tx := &Transaction{
		PoolID:         pool.ID,
		GraphID:        id.Parent,
		Type:           TxConsumption,
		Amount:         cost.Neg(),
		Description:    fmt.Sprintf("storage overage %s GB", overage.StringFixed(2)),
		IdempotencyKey: key,
		Metadata: map[string]interface{}{
			"operation_type":  string(OpStoragePerGBDay),
			"overage_gb":      overage.String(),
			"allows_negative": true,
		},
	}
	stored, _, err := s.store.InsertTransaction(ctx, tx)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}

	s.cache.RefreshBalance(ctx, id.Parent, change.NewBalance)

	return &ConsumeResult{
		Success:       true,
		Consumed:      cost,
		OldBalance:    change.OldBalance,
		NewBalance:    change.NewBalance,
		TransactionID: stored.ID,
	}, nil
}

// Refund credits a previously charged amount back to the pool.
func (s *Service) Refund(ctx context.Context, graphID string, amount decimal.Decimal, description, idempotencyKey string) (*ConsumeResult, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, id.Parent)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if existing, err := s.store.GetTransactionByKey(ctx, idempotencyKey); err == nil {
			return &ConsumeResult{Success: true, TransactionID: existing.ID, Reason: "already applied"}, nil
		}
	}

	change, err := s.store.AdjustPool(ctx, pool.ID, amount, false)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}

	tx := &Transaction{
		PoolID:         pool.ID,
		GraphID:        id.Parent,
		Type:           TxRefund,
		Amount:         amount,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	}
	stored, _, err := s.store.InsertTransaction(ctx, tx)
	if err != nil {
		s.cache.InvalidateBalance(ctx, id.Parent)
		return nil, err
	}

	s.cache.RefreshBalance(ctx, id.Parent, change.NewBalance)

	return &ConsumeResult{
		Success:       true,
		OldBalance:    change.OldBalance,
		NewBalance:    change.NewBalance,
		TransactionID: stored.ID,
	}, nil
}

// AllocateMonthlyCredits tops up the pool with its monthly allocation. The
// transaction key monthly_allocation_<graph>_<YYYY-MM> makes the call
// idempotent within a calendar month. The recorded amount is the effective
// (capped) credit, not the nominal allocation.
func (s *Service) AllocateMonthlyCredits(ctx context.Context, graphID string) (*ConsumeResult, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, id.Parent)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if !pool.LastAllocationAt.IsZero() && now.Sub(pool.LastAllocationAt) < 30*24*time.Hour {
		return &ConsumeResult{Success: true, Reason: "allocation not due"}, nil
	}

	key := fmt.Sprintf("monthly_allocation_%s_%s", id.Parent, now.Format("2006-01"))
	if existing, err := s.store.GetTransactionByKey(ctx, key); err == nil {
		return &ConsumeResult{Success: true, TransactionID: existing.ID, Reason: "already applied"}, nil
	}

	change, err := s.store.AllocateMonthly(ctx, pool.ID, pool.MonthlyAllocation, now)
	if err != nil {
		return nil, err
	}

	effective := change.NewBalance.Sub(pool.CurrentBalance)
	tx := &Transaction{
		PoolID:         pool.ID,
		GraphID:        id.Parent,
		Type:           TxAllocation,
		Amount:         effective,
		Description:    "monthly allocation",
		IdempotencyKey: key,
		Metadata: map[string]interface{}{
			"nominal_allocation": pool.MonthlyAllocation.String(),
		},
	}
	stored, _, err := s.store.InsertTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.cache.RefreshBalance(ctx, id.Parent, change.NewBalance)

	return &ConsumeResult{
		Success:       true,
		NewBalance:    change.NewBalance,
		TransactionID: stored.ID,
	}, nil
}

// Summary returns the credit summary for a graph, cache-first. Consumption
// this month is derived from the ledger, which is authoritative when
// freshness matters.
func (s *Service) Summary(ctx context.Context, graphID string) (*Summary, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.GetSummary(ctx, id.Parent); ok {
		return cached, nil
	}

	pool, err := s.store.GetPool(ctx, id.Parent)
	if err != nil {
		return nil, err
	}
	monthStart := time.Date(s.now().UTC().Year(), s.now().UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	consumed, err := s.store.SumConsumptionSince(ctx, pool.ID, monthStart)
	if err != nil {
		consumed = decimal.Zero
	}

	sum := &Summary{
		GraphID:           id.Parent,
		GraphTier:         pool.GraphTier,
		MonthlyAllocation: pool.MonthlyAllocation,
		CurrentBalance:    pool.CurrentBalance,
		ConsumedThisMonth: consumed,
		LastAllocationAt:  pool.LastAllocationAt,
	}
	s.cache.SetSummary(ctx, id.Parent, sum)
	return sum, nil
}

// Transactions lists ledger entries for a graph.
func (s *Service) Transactions(ctx context.Context, graphID string, f TransactionFilter) ([]Transaction, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, id.Parent, f)
}

// StorageLimits reports storage usage limits for a graph.
func (s *Service) StorageLimits(ctx context.Context, graphID string) (*Pool, error) {
	id, err := graph.ParseID(graphID)
	if err != nil {
		return nil, err
	}
	return s.store.GetPool(ctx, id.Parent)
}

func withOperationType(m map[string]interface{}, op OperationType) map[string]interface{} {
	if m == nil {
		m = make(map[string]interface{}, 1)
	}
	if _, ok := m["operation_type"]; !ok {
		m["operation_type"] = string(op)
	}
	return m
}

// SetClock overrides the time source. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
