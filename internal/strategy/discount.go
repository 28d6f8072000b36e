package strategy

import (
	"errors"
	"fmt"
	"sync"

	"OptionLedger/internal/fixedpoint"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// DiscountExercise settles redemptions at the oracle's (discounted) price:
// the caller pays amount x price of the payment asset to the treasury and
// the recipient is minted the same amount of the underlying.
type DiscountExercise struct {
	mu sync.RWMutex

	admin       common.Address
	coordinator common.Address

	oracle     PriceSource
	treasury   common.Address
	payAsset   token.AssetID
	underAsset token.AssetID
}

// NewDiscountExercise wires a discount strategy. The oracle and treasury
// can both be re-pointed later by the administrator.
func NewDiscountExercise(admin, coordinator common.Address, oracle PriceSource, treasury common.Address, payAsset, underAsset token.AssetID) (*DiscountExercise, error) {
	if oracle == nil {
		return nil, errors.New("strategy: price source is required")
	}
	if treasury == (common.Address{}) {
		return nil, errors.New("strategy: treasury address is required")
	}
	return &DiscountExercise{
		admin:       admin,
		coordinator: coordinator,
		oracle:      oracle,
		treasury:    treasury,
		payAsset:    payAsset,
		underAsset:  underAsset,
	}, nil
}

// SetOracle swaps the price source. Administrator only.
func (d *DiscountExercise) SetOracle(caller common.Address, oracle PriceSource) error {
	if caller != d.admin {
		return ErrNotAdmin
	}
	if oracle == nil {
		return errors.New("strategy: price source is required")
	}
	d.mu.Lock()
	d.oracle = oracle
	d.mu.Unlock()
	return nil
}

// SetTreasury re-points the payment destination. Administrator only.
func (d *DiscountExercise) SetTreasury(caller, treasury common.Address) error {
	if caller != d.admin {
		return ErrNotAdmin
	}
	if treasury == (common.Address{}) {
		return errors.New("strategy: treasury address is required")
	}
	d.mu.Lock()
	d.treasury = treasury
	d.mu.Unlock()
	return nil
}

// Treasury reports the current payment destination.
func (d *DiscountExercise) Treasury() common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.treasury
}

// Redeem prices the redemption, checks the caller's slippage ceiling,
// stages the payment transfer and the underlying mint, and returns the
// encoded settlement.
func (d *DiscountExercise) Redeem(req Request, tx *token.Tx) ([]byte, error) {
	if req.Invoker != d.coordinator {
		return nil, ErrNotCoordinator
	}

	params, err := DecodeRedeemParams(req.Params)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	oracle, treasury := d.oracle, d.treasury
	d.mu.RUnlock()

	price, err := oracle.Price(req.Now)
	if err != nil {
		return nil, err
	}

	// Rounds up: the protocol never under-charges on a fractional wad.
	payment := fixedpoint.MulWadUp(req.Amount, price)
	if payment.Cmp(params.MaxPaymentAmount) > 0 {
		return nil, fmt.Errorf("%w: payment %s, ceiling %s", ErrSlippage, payment, params.MaxPaymentAmount)
	}

	if payment.Sign() > 0 {
		if err := tx.Transfer(d.payAsset, req.Caller, treasury, payment, token.JournalTypePayment); err != nil {
			return nil, err
		}
	}
	if err := tx.Mint(d.underAsset, req.Recipient, req.Amount); err != nil {
		return nil, err
	}

	record := &Settlement{
		Caller:        req.Caller,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		PaymentAmount: payment,
	}
	return record.Encode(), nil
}
