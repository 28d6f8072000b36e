package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse represents a holder balance for API queries.
// Balance is the raw wad integer; BalanceDecimal is the same value
// shifted by 18 places for human consumption.
type BalanceResponse struct {
	Account        string          `json:"account"`
	Asset          string          `json:"asset"`
	Balance        string          `json:"balance"`
	BalanceDecimal decimal.Decimal `json:"balance_decimal"`
	AsOfSequence   int64           `json:"as_of_sequence"` // last projected event sequence
}

// SupplyResponse reports circulating supply for an asset, split into the
// live portion and the part parked at the sink address.
type SupplyResponse struct {
	Asset        string          `json:"asset"`
	TotalSupply  string          `json:"total_supply"`
	SinkBalance  string          `json:"sink_balance"`
	TotalDecimal decimal.Decimal `json:"total_decimal"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// SettlementResponse represents a completed redemption for API queries.
type SettlementResponse struct {
	RequestID      uuid.UUID       `json:"request_id"`
	Sequence       int64           `json:"sequence"`
	OptionID       int64           `json:"option_id"`
	Caller         string          `json:"caller"`
	Recipient      string          `json:"recipient"`
	Amount         string          `json:"amount"`
	PaymentAmount  string          `json:"payment_amount"`
	AmountDecimal  decimal.Decimal `json:"amount_decimal"`
	PaymentDecimal decimal.Decimal `json:"payment_decimal"`
	SettledAt      int64           `json:"settled_at"` // unix ms
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	AssetID     uint16 `json:"asset_id"`
	Amount      string `json:"amount"`
	JournalType int32  `json:"journal_type"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
