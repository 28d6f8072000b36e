package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInsufficientBalance rejects a debit a holder cannot cover.
var ErrInsufficientBalance = errors.New("token: insufficient balance")

// Book is the in-memory balance store. Writes arrive serialised from the
// settlement core; the query side reads concurrently, hence the RWMutex.
type Book struct {
	mu       sync.RWMutex
	balances map[AccountKey]*big.Int
}

// NewBook constructs an empty book.
func NewBook() *Book {
	return &Book{balances: make(map[AccountKey]*big.Int)}
}

// BalanceOf returns a holder's balance of an asset.
func (b *Book) BalanceOf(asset AssetID, addr common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLocked(HolderKey(addr, asset))
}

// BalanceOfKey reads the balance of an arbitrary account key, including
// issuance accounts (which can be negative).
func (b *Book) BalanceOfKey(key AccountKey) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLocked(key)
}

// TotalSupply returns the outstanding supply of an asset. The book is
// zero-sum per asset, so supply is the negated issuance balance.
func (b *Book) TotalSupply(asset AssetID) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	issued := b.balanceLocked(IssuanceKey(asset))
	return new(big.Int).Neg(issued)
}

func (b *Book) balanceLocked(key AccountKey) *big.Int {
	if bal, ok := b.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Apply commits a batch atomically: every journal is checked against the
// running view before anything is written, so a failing leg leaves the
// book untouched.
func (b *Book) Apply(batch *Batch) error {
	if batch == nil {
		return errors.New("token: nil batch")
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Dry run over an overlay of touched accounts.
	overlay := make(map[AccountKey]*big.Int)
	view := func(key AccountKey) *big.Int {
		if v, ok := overlay[key]; ok {
			return v
		}
		v := b.balanceLocked(key)
		overlay[key] = v
		return v
	}
	for _, j := range batch.Journals {
		from := view(j.From)
		from.Sub(from, j.Amount)
		// Issuance may go negative without bound; holders may not.
		if j.From.Scope == ScopeHolder && from.Sign() < 0 {
			return fmt.Errorf("%w: %s needs %s more of %s",
				ErrInsufficientBalance, j.From.Address.Hex(), new(big.Int).Neg(from), assetName(j.AssetID))
		}
		to := view(j.To)
		to.Add(to, j.Amount)
	}

	for key, bal := range overlay {
		if bal.Sign() == 0 {
			delete(b.balances, key)
			continue
		}
		b.balances[key] = bal
	}
	return nil
}

// Snapshot returns a copy of all balances for state hashing and snapshots.
func (b *Book) Snapshot() map[AccountKey]*big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[AccountKey]*big.Int, len(b.balances))
	for k, v := range b.balances {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// Restore installs balances from a snapshot, replacing current state.
func (b *Book) Restore(balances map[AccountKey]*big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[AccountKey]*big.Int, len(balances))
	for k, v := range balances {
		if v == nil || v.Sign() == 0 {
			continue
		}
		b.balances[k] = new(big.Int).Set(v)
	}
}

func assetName(id AssetID) string {
	name, _ := GetAssetName(id)
	return name
}

// Tx stages journals for one settlement. Nothing touches the book until
// the batch is applied; discarding the Tx is the rollback.
type Tx struct {
	book     *Book
	batch    *Batch
	overlay  map[AccountKey]*big.Int
	sequence int64
}

// Begin opens a staged transaction tied to an event reference.
func (b *Book) Begin(eventRef string, sequence, timestamp int64) *Tx {
	return &Tx{
		book: b,
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
		overlay:  make(map[AccountKey]*big.Int),
		sequence: sequence,
	}
}

func (tx *Tx) viewBalance(key AccountKey) *big.Int {
	if v, ok := tx.overlay[key]; ok {
		return v
	}
	tx.book.mu.RLock()
	v := tx.book.balanceLocked(key)
	tx.book.mu.RUnlock()
	tx.overlay[key] = v
	return v
}

// Transfer stages a holder-to-holder movement, checking the staged view
// covers the debit.
func (tx *Tx) Transfer(asset AssetID, from, to common.Address, amount *big.Int, kind JournalType) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("token: transfer amount must be positive")
	}
	fromKey := HolderKey(from, asset)
	bal := tx.viewBalance(fromKey)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), bal, assetName(asset), amount)
	}
	if from == to {
		// Self-transfers net to zero: checked for cover, never staged.
		// A payer who is also the payee (e.g. the treasury redeeming its
		// own options) must still hold the amount.
		return nil
	}
	tx.stage(fromKey, HolderKey(to, asset), asset, amount, kind)
	return nil
}

// Mint stages issuance of new supply to a holder.
func (tx *Tx) Mint(asset AssetID, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("token: mint amount must be positive")
	}
	tx.stage(IssuanceKey(asset), HolderKey(to, asset), asset, amount, JournalTypeMint)
	return nil
}

func (tx *Tx) stage(from, to AccountKey, asset AssetID, amount *big.Int, kind JournalType) {
	fromBal := tx.viewBalance(from)
	fromBal.Sub(fromBal, amount)
	toBal := tx.viewBalance(to)
	toBal.Add(toBal, amount)

	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID: uuid.New(),
		BatchID:   tx.batch.BatchID,
		EventRef:  tx.batch.EventRef,
		Sequence:  tx.sequence,
		From:      from,
		To:        to,
		AssetID:   asset,
		Amount:    new(big.Int).Set(amount),
		Type:      kind,
		Timestamp: tx.batch.Timestamp,
	})
}

// Batch exposes the staged journals; empty when nothing was staged.
func (tx *Tx) Batch() *Batch {
	return tx.batch
}

// Commit applies the staged batch to the book. The core is the single
// writer, so the staged view cannot have gone stale between staging and
// commit.
func (tx *Tx) Commit() error {
	if len(tx.batch.Journals) == 0 {
		return nil
	}
	return tx.book.Apply(tx.batch)
}
