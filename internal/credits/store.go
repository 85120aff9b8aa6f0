package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Store errors. ErrNoPool maps to HTTP 402 at the gateway.
var (
	ErrNoPool        = errors.New("credits: no credit pool")
	ErrNoTransaction = errors.New("credits: transaction not found")
)

// BalanceChange reports the before/after balances of an atomic mutation.
// Applied is false when the conditional update matched no rows (insufficient
// balance).
type BalanceChange struct {
	OldBalance decimal.Decimal
	NewBalance decimal.Decimal
	Applied    bool
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Type      TransactionType
	Operation string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
	Offset    int
}

// Store is the persistence contract for credit pools and the transaction
// ledger. The SQL implementation serializes consumption with a conditional
// UPDATE; no in-process locking is needed.
type Store interface {
	GetPool(ctx context.Context, parentGraphID string) (*Pool, error)
	ConsumePool(ctx context.Context, poolID string, cost decimal.Decimal) (*BalanceChange, error)
	AdjustPool(ctx context.Context, poolID string, delta decimal.Decimal, allowNegative bool) (*BalanceChange, error)
	AllocateMonthly(ctx context.Context, poolID string, amount decimal.Decimal, at time.Time) (*BalanceChange, error)

	GetRepositoryPool(ctx context.Context, userID, repository string) (*RepositoryPool, error)
	ConsumeRepositoryPool(ctx context.Context, userID, repository string, cost decimal.Decimal) (*BalanceChange, error)

	// InsertTransaction appends a ledger record. When the idempotency key
	// already exists the existing record is returned with applied=false.
	InsertTransaction(ctx context.Context, tx *Transaction) (stored *Transaction, applied bool, err error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	ListTransactions(ctx context.Context, parentGraphID string, f TransactionFilter) ([]Transaction, error)
	SumConsumptionSince(ctx context.Context, poolID string, since time.Time) (decimal.Decimal, error)
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *SQLStore) GetPool(ctx context.Context, parentGraphID string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, graph_id, monthly_allocation, current_balance, graph_tier,
		       storage_limit_gb, storage_override_gb, last_allocation_at
		FROM graph_credits WHERE graph_id = $1`, parentGraphID)

	var p Pool
	var override sql.NullString
	var monthly, balance, storageLimit string
	if err := row.Scan(&p.ID, &p.GraphID, &monthly, &balance, &p.GraphTier,
		&storageLimit, &override, &p.LastAllocationAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPool
		}
		return nil, fmt.Errorf("get pool %s: %w", parentGraphID, err)
	}

	var err error
	if p.MonthlyAllocation, err = decimal.NewFromString(monthly); err != nil {
		return nil, fmt.Errorf("pool %s monthly_allocation: %w", parentGraphID, err)
	}
	if p.CurrentBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("pool %s current_balance: %w", parentGraphID, err)
	}
	if p.StorageLimitGB, err = decimal.NewFromString(storageLimit); err != nil {
		return nil, fmt.Errorf("pool %s storage_limit_gb: %w", parentGraphID, err)
	}
	if override.Valid {
		d, err := decimal.NewFromString(override.String)
		if err != nil {
			return nil, fmt.Errorf("pool %s storage_override_gb: %w", parentGraphID, err)
		}
		p.StorageOverrideGB = &d
	}
	return &p, nil
}

// ConsumePool is the atomic compare-and-decrement. The WHERE clause rejects
// the update when the balance is insufficient, so concurrent consumers are
// serialized by the database.
func (s *SQLStore) ConsumePool(ctx context.Context, poolID string, cost decimal.Decimal) (*BalanceChange, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE graph_credits
		SET current_balance = current_balance - $1
		WHERE id = $2 AND current_balance >= $1
		RETURNING current_balance + $1, current_balance`,
		cost.String(), poolID)

	var oldStr, newStr string
	if err := row.Scan(&oldStr, &newStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &BalanceChange{Applied: false}, nil
		}
		return nil, fmt.Errorf("consume pool %s: %w", poolID, err)
	}
	return scanChange(oldStr, newStr)
}

// AdjustPool adds delta to the balance, capping at MaxBalance. Negative
// results are rejected unless allowNegative (storage overage) is set.
func (s *SQLStore) AdjustPool(ctx context.Context, poolID string, delta decimal.Decimal, allowNegative bool) (*BalanceChange, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE graph_credits g
		SET current_balance = LEAST(g.current_balance + $1, $2::numeric)
		FROM (SELECT id, current_balance AS old_balance
		      FROM graph_credits WHERE id = $3 FOR UPDATE) prev
		WHERE g.id = prev.id`+negGuard(allowNegative)+`
		RETURNING prev.old_balance, g.current_balance`,
		delta.String(), MaxBalance.String(), poolID)

	var oldStr, newStr string
	if err := row.Scan(&oldStr, &newStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &BalanceChange{Applied: false}, nil
		}
		return nil, fmt.Errorf("adjust pool %s: %w", poolID, err)
	}
	return scanChange(oldStr, newStr)
}

func negGuard(allowNegative bool) string {
	if allowNegative {
		return ""
	}
	return " AND prev.old_balance + $1 >= 0"
}

// AllocateMonthly adds the monthly allocation capped at MaxBalance and
// stamps last_allocation_at in the same statement.
func (s *SQLStore) AllocateMonthly(ctx context.Context, poolID string, amount decimal.Decimal, at time.Time) (*BalanceChange, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE graph_credits
		SET current_balance = LEAST(current_balance + $1, $2::numeric),
		    last_allocation_at = $3
		WHERE id = $4
		RETURNING current_balance`, amount.String(), MaxBalance.String(), at, poolID)

	var newStr string
	if err := row.Scan(&newStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPool
		}
		return nil, fmt.Errorf("allocate pool %s: %w", poolID, err)
	}
	newBal, err := decimal.NewFromString(newStr)
	if err != nil {
		return nil, fmt.Errorf("allocate pool %s: %w", poolID, err)
	}
	return &BalanceChange{NewBalance: newBal, Applied: true}, nil
}

func (s *SQLStore) GetRepositoryPool(ctx context.Context, userID, repository string) (*RepositoryPool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, repository, current_balance, monthly_limit
		FROM repository_credits WHERE user_id = $1 AND repository = $2`,
		userID, repository)

	var p RepositoryPool
	var balance, limit string
	if err := row.Scan(&p.ID, &p.UserID, &p.Repository, &balance, &limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPool
		}
		return nil, fmt.Errorf("get repository pool %s/%s: %w", userID, repository, err)
	}
	var err error
	if p.CurrentBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("repository pool balance: %w", err)
	}
	if p.MonthlyLimit, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("repository pool limit: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) ConsumeRepositoryPool(ctx context.Context, userID, repository string, cost decimal.Decimal) (*BalanceChange, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE repository_credits
		SET current_balance = current_balance - $1
		WHERE user_id = $2 AND repository = $3 AND current_balance >= $1
		RETURNING current_balance + $1, current_balance`,
		cost.String(), userID, repository)

	var oldStr, newStr string
	if err := row.Scan(&oldStr, &newStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &BalanceChange{Applied: false}, nil
		}
		return nil, fmt.Errorf("consume repository pool %s/%s: %w", userID, repository, err)
	}
	return scanChange(oldStr, newStr)
}

func scanChange(oldStr, newStr string) (*BalanceChange, error) {
	oldBal, err := decimal.NewFromString(oldStr)
	if err != nil {
		return nil, fmt.Errorf("balance change old: %w", err)
	}
	newBal, err := decimal.NewFromString(newStr)
	if err != nil {
		return nil, fmt.Errorf("balance change new: %w", err)
	}
	return &BalanceChange{OldBalance: oldBal, NewBalance: newBal, Applied: true}, nil
}

func (s *SQLStore) InsertTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if tx.ID == "" {
		tx.ID = "ct_" + uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return nil, false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_transactions
		  (id, pool_id, graph_id, user_id, type, amount, description, metadata,
		   idempotency_key, request_id, operation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tx.ID, tx.PoolID, tx.GraphID, nullable(tx.UserID), string(tx.Type),
		tx.Amount.String(), tx.Description, meta,
		nullable(tx.IdempotencyKey), nullable(tx.RequestID), nullable(tx.OperationID),
		tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && tx.IdempotencyKey != "" {
			existing, gerr := s.GetTransactionByKey(ctx, tx.IdempotencyKey)
			if gerr != nil {
				return nil, false, fmt.Errorf("idempotency conflict lookup: %w", gerr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, true, nil
}

func (s *SQLStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pool_id, graph_id, COALESCE(user_id,''), type, amount,
		       description, metadata, COALESCE(idempotency_key,''),
		       COALESCE(request_id,''), COALESCE(operation_id,''), created_at
		FROM credit_transactions WHERE idempotency_key = $1`, idempotencyKey)
	return scanTransaction(row)
}

func (s *SQLStore) ListTransactions(ctx context.Context, parentGraphID string, f TransactionFilter) ([]Transaction, error) {
	query := `
		SELECT id, pool_id, graph_id, COALESCE(user_id,''), type, amount,
		       description, metadata, COALESCE(idempotency_key,''),
		       COALESCE(request_id,''), COALESCE(operation_id,''), created_at
		FROM credit_transactions WHERE graph_id = $1`
	args := []interface{}{parentGraphID}

	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Operation != "" {
		args = append(args, f.Operation)
		query += fmt.Sprintf(" AND metadata->>'operation_type' = $%d", len(args))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *SQLStore) SumConsumptionSince(ctx context.Context, poolID string, since time.Time) (decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM credit_transactions
		WHERE pool_id = $1 AND type = $2 AND created_at >= $3`,
		poolID, string(TxConsumption), since)

	var sum string
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum consumption: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum consumption: %w", err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var amount string
	var meta []byte
	if err := row.Scan(&tx.ID, &tx.PoolID, &tx.GraphID, &tx.UserID, &tx.Type,
		&amount, &tx.Description, &meta, &tx.IdempotencyKey,
		&tx.RequestID, &tx.OperationID, &tx.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTransaction
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction amount: %w", err)
	}
	if len(meta) > 0 {
		if err := unmarshalMetadata(meta, &tx.Metadata); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
