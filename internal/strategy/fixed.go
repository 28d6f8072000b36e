package strategy

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"OptionLedger/internal/fixedpoint"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// FixedPriceExercise settles redemptions at a fixed wad price instead of
// an oracle quote. Same authorization and slippage contract as the
// discount variant.
type FixedPriceExercise struct {
	mu sync.RWMutex

	admin       common.Address
	coordinator common.Address

	price      *big.Int
	treasury   common.Address
	payAsset   token.AssetID
	underAsset token.AssetID
}

// NewFixedPriceExercise wires a fixed-price strategy. Price is wad-scaled
// payment asset per unit of underlying.
func NewFixedPriceExercise(admin, coordinator common.Address, price *big.Int, treasury common.Address, payAsset, underAsset token.AssetID) (*FixedPriceExercise, error) {
	if price == nil || price.Sign() < 0 {
		return nil, errors.New("strategy: price must be a non-negative wad")
	}
	if treasury == (common.Address{}) {
		return nil, errors.New("strategy: treasury address is required")
	}
	return &FixedPriceExercise{
		admin:       admin,
		coordinator: coordinator,
		price:       new(big.Int).Set(price),
		treasury:    treasury,
		payAsset:    payAsset,
		underAsset:  underAsset,
	}, nil
}

// SetPrice replaces the fixed price. Administrator only.
func (f *FixedPriceExercise) SetPrice(caller common.Address, price *big.Int) error {
	if caller != f.admin {
		return ErrNotAdmin
	}
	if price == nil || price.Sign() < 0 {
		return errors.New("strategy: price must be a non-negative wad")
	}
	f.mu.Lock()
	f.price = new(big.Int).Set(price)
	f.mu.Unlock()
	return nil
}

// SetTreasury re-points the payment destination. Administrator only.
func (f *FixedPriceExercise) SetTreasury(caller, treasury common.Address) error {
	if caller != f.admin {
		return ErrNotAdmin
	}
	if treasury == (common.Address{}) {
		return errors.New("strategy: treasury address is required")
	}
	f.mu.Lock()
	f.treasury = treasury
	f.mu.Unlock()
	return nil
}

// Price reports the current fixed price.
func (f *FixedPriceExercise) Price() *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price)
}

// Redeem charges amount x fixed price (rounded up) to the treasury and
// mints the underlying to the recipient.
func (f *FixedPriceExercise) Redeem(req Request, tx *token.Tx) ([]byte, error) {
	if req.Invoker != f.coordinator {
		return nil, ErrNotCoordinator
	}

	params, err := DecodeRedeemParams(req.Params)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	price := new(big.Int).Set(f.price)
	treasury := f.treasury
	f.mu.RUnlock()

	payment := fixedpoint.MulWadUp(req.Amount, price)
	if payment.Cmp(params.MaxPaymentAmount) > 0 {
		return nil, fmt.Errorf("%w: payment %s, ceiling %s", ErrSlippage, payment, params.MaxPaymentAmount)
	}

	if payment.Sign() > 0 {
		if err := tx.Transfer(f.payAsset, req.Caller, treasury, payment, token.JournalTypePayment); err != nil {
			return nil, err
		}
	}
	if err := tx.Mint(f.underAsset, req.Recipient, req.Amount); err != nil {
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
