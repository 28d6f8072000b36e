package projection

import (
	"github.com/google/uuid"
)

// SettlementHistoryEntry represents one completed redemption.
type SettlementHistoryEntry struct {
	RequestID     uuid.UUID
	OptionID      int64
	Caller        string
	Recipient     string
	Amount        string
	PaymentAmount string
	Sequence      int64
	Timestamp     int64
}

// SettlementHistoryProjection maintains an in-memory queryable
// settlement history, used by tests and by the query service's
// hot-path cache before falling back to Postgres.
type SettlementHistoryProjection struct {
	entries []SettlementHistoryEntry
}

func NewSettlementHistoryProjection() *SettlementHistoryProjection {
	return &SettlementHistoryProjection{
		entries: make([]SettlementHistoryEntry, 0),
	}
}

// AddEntry records a settlement
func (p *SettlementHistoryProjection) AddEntry(entry SettlementHistoryEntry) {
	p.entries = append(p.entries, entry)
}

// QueryByCaller returns settlement history for a caller, newest first
func (p *SettlementHistoryProjection) QueryByCaller(caller string, limit int) []SettlementHistoryEntry {
	result := make([]SettlementHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Caller == caller {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// QueryByOption returns settlement history for an option, newest first
func (p *SettlementHistoryProjection) QueryByOption(optionID int64, limit int) []SettlementHistoryEntry {
	result := make([]SettlementHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].OptionID == optionID {
			result = append(result, p.entries[i])
		}
	}

	return result
}
