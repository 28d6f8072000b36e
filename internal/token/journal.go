package token

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType tags the purpose of an entry.
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeExerciseSink
	JournalTypePayment
	JournalTypeMint
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeExerciseSink:
		return "exercise_sink"
	case JournalTypePayment:
		return "payment"
	case JournalTypeMint:
		return "mint"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal is a single balanced movement: Amount leaves From and arrives
// at To.
type Journal struct {
	JournalID uuid.UUID
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	From      AccountKey
	To        AccountKey
	AssetID   AssetID
	Amount    *big.Int
	Type      JournalType
	Timestamp int64
}

// Batch groups the journals of one settlement so they commit or roll back
// together.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate checks the batch is well-formed. Balance sufficiency is checked
// at apply time against live balances.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.From == j.To {
			return fmt.Errorf("journal %s moves funds to its own account", j.JournalID)
		}
		if j.From.AssetID != j.AssetID || j.To.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}
	return nil
}
