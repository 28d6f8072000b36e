package event

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SettlementRecord is the outbound record published for each completed
// redemption. It is a core output, not an input event.
type SettlementRecord struct {
	RequestID     uuid.UUID      `json:"request_id"`
	Sequence      int64          `json:"sequence"`
	OptionID      uint64         `json:"option_id"`
	Caller        common.Address `json:"caller"`
	Recipient     common.Address `json:"recipient"`
	Amount        *big.Int       `json:"amount"`
	PaymentAmount *big.Int       `json:"payment_amount"`
	SettledAt     time.Time      `json:"settled_at"`
}
