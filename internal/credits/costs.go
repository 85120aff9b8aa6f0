package credits

import "github.com/shopspring/decimal"

// OperationType enumerates billable (and included) gateway operations.
type OperationType string

const (
	OpAPICall         OperationType = "api_call"
	OpQuery           OperationType = "query"
	OpImport          OperationType = "import"
	OpBackup          OperationType = "backup"
	OpAnalytics       OperationType = "analytics"
	OpSync            OperationType = "sync"
	OpMCPCall         OperationType = "mcp_call"
	OpAgentCall       OperationType = "agent_call"
	OpAIAnalysis      OperationType = "ai_analysis"
	OpAITokens        OperationType = "ai_tokens"
	OpStoragePerGBDay OperationType = "storage_per_gb_day"
)

// AIPricing holds per-1k-token prices and the minimum charge floor for
// dynamic ai_tokens consumption.
type AIPricing struct {
	PricePerKInput  decimal.Decimal
	PricePerKOutput decimal.Decimal
	MinimumCharge   decimal.Decimal
}

// CostTable maps operations to base credit costs. Database operations are
// intentionally included (cost 0); AI-adjacent operations carry real costs.
// mcp_call is configurable rather than hard-coded: it was historically
// non-zero and may become so again.
type CostTable struct {
	base    map[OperationType]decimal.Decimal
	dynamic map[OperationType]bool
	repos   map[string]map[OperationType]decimal.Decimal
	ai      AIPricing
}

// DefaultCostTable returns the standard cost configuration.
func DefaultCostTable() *CostTable {
	zero := decimal.Zero
	return &CostTable{
		base: map[OperationType]decimal.Decimal{
			OpAPICall:         zero,
			OpQuery:           zero,
			OpImport:          zero,
			OpBackup:          zero,
			OpAnalytics:       zero,
			OpSync:            zero,
			OpMCPCall:         zero,
			OpAgentCall:       decimal.NewFromInt(100),
			OpAIAnalysis:      decimal.NewFromInt(100),
			OpStoragePerGBDay: decimal.NewFromInt(10),
		},
		dynamic: map[OperationType]bool{
			OpAITokens: true,
		},
		repos: map[string]map[OperationType]decimal.Decimal{
			// 0 means included (rate-limited only).
			"sec":        {OpQuery: zero, OpAnalytics: zero, OpAgentCall: decimal.NewFromInt(100)},
			"industry":   {OpQuery: zero, OpAnalytics: zero},
			"economic":   {OpQuery: zero, OpAnalytics: zero},
			"market":     {OpQuery: zero, OpAnalytics: zero},
			"esg":        {OpQuery: zero, OpAnalytics: zero},
			"regulatory": {OpQuery: zero, OpAnalytics: zero},
		},
		ai: AIPricing{
			PricePerKInput:  decimal.RequireFromString("0.01"),
			PricePerKOutput: decimal.RequireFromString("0.05"),
			MinimumCharge:   decimal.RequireFromString("0.01"),
		},
	}
}

// SetMCPCallCost overrides the configurable mcp_call cost.
func (t *CostTable) SetMCPCallCost(cost decimal.Decimal) {
	t.base[OpMCPCall] = cost
}

// SetAIPricing overrides the ai_tokens pricing.
func (t *CostTable) SetAIPricing(p AIPricing) { t.ai = p }

// AIPricing returns the current ai_tokens pricing.
func (t *CostTable) AIPricing() AIPricing { return t.ai }

// BaseCost returns the base cost for an operation and whether the operation
// is dynamically priced (no fixed base cost).
func (t *CostTable) BaseCost(op OperationType) (cost decimal.Decimal, dynamic bool) {
	if t.dynamic[op] {
		return decimal.Zero, true
	}
	return t.base[op], false
}

// RepoCost looks up the per-repository cost for an operation. included means
// the operation costs nothing (rate-limited only); known is false when the
// repository has no entry for the operation.
func (t *CostTable) RepoCost(repo string, op OperationType) (cost decimal.Decimal, included, dynamic, known bool) {
	if op == OpAITokens {
		return decimal.Zero, false, true, true
	}
	m, ok := t.repos[repo]
	if !ok {
		return decimal.Zero, false, false, false
	}
	c, ok := m[op]
	if !ok {
		return decimal.Zero, false, false, false
	}
	return c, c.IsZero(), false, true
}

// TokenCost computes the ai_tokens charge for a token count pair, rounded up
// to the configured minimum.
func (t *CostTable) TokenCost(inputTokens, outputTokens int64) decimal.Decimal {
	k := decimal.NewFromInt(1000)
	raw := decimal.NewFromInt(inputTokens).Div(k).Mul(t.ai.PricePerKInput).
		Add(decimal.NewFromInt(outputTokens).Div(k).Mul(t.ai.PricePerKOutput))
	if raw.LessThan(t.ai.MinimumCharge) {
		return t.ai.MinimumCharge
	}
	return raw
}
