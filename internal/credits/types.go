// Package credits implements credit accounting for user graphs and shared
// repositories: balance checks, atomic consumption, refunds, monthly
// allocation, and the write-through balance cache.
//
// All amounts are decimal (shopspring/decimal); binary floats are never used
// for money.
package credits

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates the credit ledger entry kinds.
type TransactionType string

const (
	TxAllocation  TransactionType = "allocation"
	TxConsumption TransactionType = "consumption"
	TxBonus       TransactionType = "bonus"
	TxRefund      TransactionType = "refund"
	TxExpiration  TransactionType = "expiration"
)

// MaxBalance caps every credit pool balance.
var MaxBalance = decimal.RequireFromString("99999999.99")

// Pool is a per-parent-graph credit pool. Balances may go negative only
// through storage-overage consumption.
type Pool struct {
	ID                string           `json:"id"`
	GraphID           string           `json:"graph_id"`
	MonthlyAllocation decimal.Decimal  `json:"monthly_allocation"`
	CurrentBalance    decimal.Decimal  `json:"current_balance"`
	GraphTier         string           `json:"graph_tier"`
	StorageLimitGB    decimal.Decimal  `json:"storage_limit_gb"`
	StorageOverrideGB *decimal.Decimal `json:"storage_override_gb,omitempty"`
	LastAllocationAt  time.Time        `json:"last_allocation_at"`
}

// EffectiveStorageLimitGB returns the override when set, otherwise the tier
// limit.
func (p *Pool) EffectiveStorageLimitGB() decimal.Decimal {
	if p.StorageOverrideGB != nil {
		return *p.StorageOverrideGB
	}
	return p.StorageLimitGB
}

// RepositoryPool is the per-(user, shared repository) balance.
type RepositoryPool struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Repository     string          `json:"repository"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	MonthlyLimit   decimal.Decimal `json:"monthly_limit"`
}

// Transaction is an immutable, append-only ledger record. Negative amounts
// are consumption.
type Transaction struct {
	ID             string                 `json:"id"`
	PoolID         string                 `json:"pool_id"`
	GraphID        string                 `json:"graph_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Type           TransactionType        `json:"type"`
	Amount         decimal.Decimal        `json:"amount"`
	Description    string                 `json:"description,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	OperationID    string                 `json:"operation_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Summary is the response shape for the credit summary endpoint.
type Summary struct {
	GraphID           string          `json:"graph_id"`
	GraphTier         string          `json:"graph_tier"`
	MonthlyAllocation decimal.Decimal `json:"monthly_allocation"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	ConsumedThisMonth decimal.Decimal `json:"consumed_this_month"`
	LastAllocationAt  time.Time       `json:"last_allocation_at"`
}

// BalanceCheck is the result of a pre-flight balance check.
type BalanceCheck struct {
	HasAccess     bool            `json:"has_access"`
	HasSufficient bool            `json:"has_sufficient"`
	Required      decimal.Decimal `json:"required"`
	Available     decimal.Decimal `json:"available"`
	RepoType      string          `json:"repo_type"` // "shared" or "user"
	Reason        string          `json:"reason,omitempty"`
}

// ConsumeRequest describes a single consumption attempt.
type ConsumeRequest struct {
	GraphID        string
	OpType         OperationType
	BaseCost       decimal.Decimal
	Metadata       map[string]interface{}
	Cached         bool
	UserID         string
	IdempotencyKey string
	RequestID      string
	OperationID    string
	Description    string
}

// ConsumeResult reports the outcome of a consumption attempt. Business
// failures are reported here, not as errors.
type ConsumeResult struct {
	Success       bool            `json:"success"`
	Consumed      decimal.Decimal `json:"consumed"`
	Required      decimal.Decimal `json:"required,omitempty"`
	Available     decimal.Decimal `json:"available,omitempty"`
	OldBalance    decimal.Decimal `json:"old_balance,omitempty"`
	NewBalance    decimal.Decimal `json:"new_balance,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}
