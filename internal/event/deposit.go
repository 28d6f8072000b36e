package event

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DepositConfirmed credits a holder with tokens issued by the external
// mint authority (bridge or emission schedule).
// Idempotency key: deposit_id.
type DepositConfirmed struct {
	DepositID uuid.UUID // Idempotency key
	Account   common.Address
	Asset     string   // asset symbol, resolved by the engine
	Amount    *big.Int // wad

	DepositSequence  int64
	DepositTimestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) Ref() *string {
	return nil
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.DepositSequence
}

func (d *DepositConfirmed) EventTimestamp() time.Time {
	return d.DepositTimestamp
}
