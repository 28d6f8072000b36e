// Package strategy holds the pluggable redemption settlement variants
// dispatched by the exercise coordinator.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotAdmin rejects administrative calls from anyone but the
	// configured administrator.
	ErrNotAdmin = errors.New("strategy: caller is not the administrator")

	// ErrNotCoordinator rejects redeem calls that did not come through
	// the exercise coordinator. Strategies check this themselves,
	// independent of the coordinator's own gating.
	ErrNotCoordinator = errors.New("strategy: caller is not the exercise coordinator")

	// ErrSlippage means the computed payment exceeds the caller's ceiling.
	ErrSlippage = errors.New("strategy: payment exceeds max payment amount")
)

// PriceSource yields a wad-scaled price for one unit of the underlying.
type PriceSource interface {
	Price(now time.Time) (*big.Int, error)
}

// Request carries one redemption into a strategy. Invoker is the identity
// performing the dispatch; strategies only accept their coordinator.
type Request struct {
	Invoker   common.Address
	Caller    common.Address
	Recipient common.Address
	Amount    *big.Int
	Params    []byte
	Now       time.Time
}

// Settlement is the record a strategy produces for a completed redemption.
type Settlement struct {
	Caller        common.Address `json:"caller"`
	Recipient     common.Address `json:"recipient"`
	Amount        *big.Int       `json:"amount"`
	PaymentAmount *big.Int       `json:"payment_amount"`
}

// Encode renders the settlement as the opaque result blob callers receive.
func (s *Settlement) Encode() []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		// All fields are plain values; marshal cannot fail.
		panic(fmt.Sprintf("strategy: encode settlement: %v", err))
	}
	return raw
}

// DecodeSettlement parses a result blob back into a settlement record.
// An empty blob (the zero-amount short-circuit) decodes to nil.
func DecodeSettlement(raw []byte) (*Settlement, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("strategy: decode settlement: %w", err)
	}
	return &s, nil
}

// RedeemParams is the decoded shape of the opaque per-call parameters.
type RedeemParams struct {
	MaxPaymentAmount *big.Int `json:"max_payment_amount"`
}

// DecodeRedeemParams parses the opaque parameter blob. The max payment
// ceiling is required and must be non-negative.
func DecodeRedeemParams(raw []byte) (*RedeemParams, error) {
	var p RedeemParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("strategy: decode redeem params: %w", err)
	}
	if p.MaxPaymentAmount == nil || p.MaxPaymentAmount.Sign() < 0 {
		return nil, errors.New("strategy: max payment amount must be a non-negative integer")
	}
	return &p, nil
}

// EncodeRedeemParams is the inverse of DecodeRedeemParams, used by callers
// building a redemption request.
func EncodeRedeemParams(maxPayment *big.Int) []byte {
	raw, _ := json.Marshal(RedeemParams{MaxPaymentAmount: maxPayment})
	return raw
}

// Strategy settles one redemption whose option tokens the coordinator has
// already staged into tx. Implementations stage their own movements into
// the same tx so the whole call commits or rolls back as one unit, and
// return an opaque settlement blob.
type Strategy interface {
	Redeem(req Request, tx *token.Tx) ([]byte, error)
}
