// Package exercise coordinates redemption of option tokens: it collects
// the exercised tokens into the sink, dispatches to the registered
// settlement strategy, and commits the whole movement atomically.
package exercise

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"OptionLedger/internal/strategy"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotOption means the option id was never registered.
	ErrNotOption = errors.New("exercise: unknown option")

	// ErrOptionInactive means the option exists but is deactivated.
	ErrOptionInactive = errors.New("exercise: option is not active")

	// ErrPastDeadline rejects calls submitted after their deadline.
	ErrPastDeadline = errors.New("exercise: deadline has passed")
)

// entry is one slot in the option arena. Slots are never removed, only
// deactivated, so historical ids stay resolvable.
type entry struct {
	strategy strategy.Strategy
	active   bool
}

// Call is one exercise request. EventRef and Sequence tag the journal
// batch the settlement commits under.
type Call struct {
	Caller    common.Address
	Recipient common.Address
	Amount    *big.Int
	OptionID  uint64
	Params    []byte
	Now       time.Time
	EventRef  string
	Sequence  int64
}

// Coordinator owns the option registry and the exercise flow.
type Coordinator struct {
	mu sync.RWMutex

	admin       common.Address
	self        common.Address
	book        *token.Book
	optionAsset token.AssetID
	options     []entry
}

// New builds a coordinator over the given book. self is the identity
// strategies see as their invoker.
func New(admin, self common.Address, book *token.Book, optionAsset token.AssetID) *Coordinator {
	return &Coordinator{
		admin:       admin,
		self:        self,
		book:        book,
		optionAsset: optionAsset,
	}
}

// Self reports the identity this coordinator dispatches under.
func (c *Coordinator) Self() common.Address {
	return c.self
}

// RegisterOption appends a strategy to the arena and returns its stable
// id. The option starts active. Administrator only.
func (c *Coordinator) RegisterOption(caller common.Address, s strategy.Strategy) (uint64, error) {
	if caller != c.admin {
		return 0, strategy.ErrNotAdmin
	}
	if s == nil {
		return 0, errors.New("exercise: strategy is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = append(c.options, entry{strategy: s, active: true})
	return uint64(len(c.options) - 1), nil
}

// SetOptionActive flips an option's activation flag. Deactivated options
// keep their id and can be re-activated later. Administrator only.
func (c *Coordinator) SetOptionActive(caller common.Address, id uint64, active bool) error {
	if caller != c.admin {
		return strategy.ErrNotAdmin
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= uint64(len(c.options)) {
		return fmt.Errorf("%w: id %d", ErrNotOption, id)
	}
	c.options[id].active = active
	return nil
}

// OptionCount reports how many options have ever been registered.
func (c *Coordinator) OptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.options)
}

// OptionActive reports the activation flag for a registered option.
func (c *Coordinator) OptionActive(id uint64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id >= uint64(len(c.options)) {
		return false, fmt.Errorf("%w: id %d", ErrNotOption, id)
	}
	return c.options[id].active, nil
}

// Outcome is the result of one exercise call. Settlement is the
// strategy's opaque blob (empty on the zero-amount short-circuit);
// Batch holds the committed journals (nil when nothing moved).
type Outcome struct {
	Settlement []byte
	Batch      *token.Batch
}

// Exercise redeems call.Amount option tokens through the option's
// strategy. A zero amount short-circuits to an empty result with no
// movement; callers must not try to decode that result.
func (c *Coordinator) Exercise(call Call) (*Outcome, error) {
	return c.exercise(call, nil)
}

// ExerciseWithDeadline is Exercise with an entry-time deadline check.
// The deadline is advisory data, checked once, never an active timer.
func (c *Coordinator) ExerciseWithDeadline(call Call, deadline time.Time) (*Outcome, error) {
	return c.exercise(call, &deadline)
}

func (c *Coordinator) exercise(call Call, deadline *time.Time) (*Outcome, error) {
	if deadline != nil && call.Now.After(*deadline) {
		return nil, fmt.Errorf("%w: deadline %s, now %s",
			ErrPastDeadline, deadline.UTC().Format(time.RFC3339), call.Now.UTC().Format(time.RFC3339))
	}
	if call.Amount == nil || call.Amount.Sign() == 0 {
		return &Outcome{}, nil
	}
	if call.Amount.Sign() < 0 {
		return nil, errors.New("exercise: amount must be non-negative")
	}

	c.mu.RLock()
	var strat strategy.Strategy
	if call.OptionID < uint64(len(c.options)) {
		ent := c.options[call.OptionID]
		if ent.active {
			strat = ent.strategy
		}
	}
	known := call.OptionID < uint64(len(c.options))
	c.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: id %d", ErrNotOption, call.OptionID)
	}
	if strat == nil {
		return nil, fmt.Errorf("%w: id %d", ErrOptionInactive, call.OptionID)
	}

	// Everything below stages into one batch: if the strategy fails the
	// sink transfer is discarded with it.
	tx := c.book.Begin(call.EventRef, call.Sequence, call.Now.Unix())

	// A transfer, not a burn: the emission schedule reads total supply
	// and must not see it shrink on redemption.
	if err := tx.Transfer(c.optionAsset, call.Caller, token.SinkAddress, call.Amount, token.JournalTypeExerciseSink); err != nil {
		return nil, err
	}

	result, err := strat.Redeem(strategy.Request{
		Invoker:   c.self,
		Caller:    call.Caller,
		Recipient: call.Recipient,
		Amount:    call.Amount,
		Params:    call.Params,
		Now:       call.Now,
	}, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Outcome{Settlement: result, Batch: tx.Batch()}, nil
}
