package costs

import (
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/limits/storage"
)

// Service kinds recorded on cost entries.
const (
	ServiceAI    = "ai"
	ServiceVoice = "voice"
	ServiceSMS   = "sms"
)

// DefaultProvider is the pricing key used when a provider has no entry.
const DefaultProvider = "default"

// TokenUsage contains token counts reported by a model provider.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int

	// CachedTokens is the part of PromptTokens served from the provider's
	// prompt cache.
	CachedTokens int
}

// CostEstimate is a priced AI call in USD.
type CostEstimate struct {
	PromptCost     decimal.Decimal
	CompletionCost decimal.Decimal
	TotalCost      decimal.Decimal

	Model    string
	Provider string

	// Tokens is prompt plus completion tokens, used as the entry quantity.
	Tokens int
}

// ModelPricing contains per-1K-token prices for one model.
type ModelPricing struct {
	Model    string
	Provider string

	PromptPer1K       decimal.Decimal
	CompletionPer1K   decimal.Decimal
	CachedPromptPer1K decimal.Decimal
}

// SMSEstimate is a priced message.
type SMSEstimate struct {
	Provider string
	Segments int

	// Unicode is set when the body needs UCS-2 encoding.
	Unicode bool
	Cost    decimal.Decimal
}

// Query filters cost entries for aggregation. From is inclusive and To is
// exclusive; zero values are unbounded.
type Query struct {
	TenantID    string
	ServiceKind string
	Channel     string
	From        time.Time
	To          time.Time
}

// Summary aggregates cost entries.
type Summary struct {
	TenantID  string              `json:"tenant_id,omitempty"`
	From      time.Time           `json:"from,omitempty"`
	To        time.Time           `json:"to,omitempty"`
	Totals    []storage.CostTotal `json:"totals"`
	Count     int64               `json:"count"`
	TotalCost decimal.Decimal     `json:"total_cost"`
}

// Reconciliation compares a tenant's ledger spend with its cost entries for
// the current period.
type Reconciliation struct {
	TenantID    string          `json:"tenant_id"`
	PeriodStart time.Time       `json:"period_start"`
	LedgerSpend decimal.Decimal `json:"ledger_spend"`
	EntryTotal  decimal.Decimal `json:"entry_total"`
	EntryCount  int64           `json:"entry_count"`

	// Drift is LedgerSpend - EntryTotal and is zero for a consistent ledger.
	Drift decimal.Decimal `json:"drift"`
}

// Balanced reports whether the ledger matches its entries.
func (r *Reconciliation) Balanced() bool {
	return r.Drift.IsZero()
}
