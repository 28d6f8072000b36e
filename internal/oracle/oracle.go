// Package oracle derives a bounded, manipulation-resistant strike price
// from a TWAP feed. Two engines share the same parameter set and
// post-processing: Oracle consumes raw cumulative accumulators,
// WindowOracle consumes a feed that answers windowed-average queries
// directly.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"OptionLedger/internal/feed"
	"OptionLedger/internal/fixedpoint"
)

var (
	// ErrStablePairUnsupported is returned at construction: the TWAP math
	// here assumes constant-weight geometric pricing.
	ErrStablePairUnsupported = errors.New("oracle: stable-swap pairs unsupported")

	// ErrOracleNotReady indicates the feed cannot serve the requested
	// window yet. Retriable once the feed's history rolls forward.
	ErrOracleNotReady = errors.New("oracle: feed window not ready")

	// ErrOverflow indicates a computed per-second rate exceeded the safe
	// cast width. Points at misconfiguration, not a transient condition.
	ErrOverflow = errors.New("oracle: rate exceeds safe width")
)

// Params are the administrator-owned oracle tunables. MultiplierBps is a
// fraction over 10000; MinPrice is a wad floor for the derived price;
// QuoteInB selects which side of the pair the price is quoted in.
type Params struct {
	MultiplierBps  uint16
	Window         time.Duration
	LookbackOffset time.Duration
	MinPrice       *big.Int
	QuoteInB       bool
}

// Validate checks the tunables before they are installed.
func (p Params) Validate() error {
	if p.MultiplierBps > 10_000 {
		return fmt.Errorf("oracle: multiplier %d exceeds 10000 bps", p.MultiplierBps)
	}
	if p.Window <= 0 {
		return errors.New("oracle: window must be positive")
	}
	if p.LookbackOffset < 0 {
		return errors.New("oracle: lookback offset must not be negative")
	}
	if p.MinPrice != nil && p.MinPrice.Sign() < 0 {
		return errors.New("oracle: min price must not be negative")
	}
	return nil
}

func (p Params) clone() Params {
	out := p
	if p.MinPrice != nil {
		out.MinPrice = new(big.Int).Set(p.MinPrice)
	} else {
		out.MinPrice = big.NewInt(0)
	}
	return out
}

// finish applies the discount multiplier (rounding up) and the price
// floor. Shared by both engines so the post-processing cannot diverge.
func (p Params) finish(raw *big.Int) *big.Int {
	scaled := fixedpoint.MulBpsUp(raw, p.MultiplierBps)
	return fixedpoint.Max(scaled, p.MinPrice)
}

// Oracle prices against a CumulativeFeed. Parameter updates are swapped
// atomically under the mutex: no price read ever observes a half-written
// update.
type Oracle struct {
	mu     sync.RWMutex
	source feed.CumulativeFeed
	params Params
}

// New constructs an oracle over the supplied feed. Stable-swap pools are
// rejected outright.
func New(source feed.CumulativeFeed, params Params) (*Oracle, error) {
	if source == nil {
		return nil, errors.New("oracle: feed required")
	}
	if source.IsStablePair() {
		return nil, ErrStablePairUnsupported
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Oracle{source: source, params: params.clone()}, nil
}

// Params returns a copy of the current tunables.
func (o *Oracle) Params() Params {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.params.clone()
}

// SetParams overwrites all tunables in one step.
func (o *Oracle) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.params = params.clone()
	o.mu.Unlock()
	return nil
}

// Price derives the current strike price, wad-scaled. Read-only.
func (o *Oracle) Price(now time.Time) (*big.Int, error) {
	o.mu.RLock()
	params := o.params
	source := o.source
	o.mu.RUnlock()

	cumA, cumB, ts := source.CurrentCumulatives(now)

	count := source.ObservationCount()
	if count == 0 {
		return nil, ErrOracleNotReady
	}
	obs, _ := source.ObservationAt(count - 1)
	elapsed := ts.Sub(obs.Timestamp)

	// A query in the same block as (or right after) the newest checkpoint
	// would average over a trivially manipulable interval; step back one
	// checkpoint instead.
	if elapsed < params.Window {
		if count < 2 {
			return nil, ErrOracleNotReady
		}
		obs, _ = source.ObservationAt(count - 2)
		elapsed = ts.Sub(obs.Timestamp)
	}
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 {
		return nil, ErrOracleNotReady
	}

	rateA, err := perSecondRate(cumA, obs.CumulativeA, seconds)
	if err != nil {
		return nil, err
	}
	rateB, err := perSecondRate(cumB, obs.CumulativeB, seconds)
	if err != nil {
		return nil, err
	}
	if rateA.Sign() == 0 || rateB.Sign() == 0 {
		return nil, ErrOracleNotReady
	}

	var raw *big.Int
	if params.QuoteInB {
		raw = fixedpoint.DivWadDown(rateB, rateA)
	} else {
		raw = fixedpoint.DivWadDown(rateA, rateB)
	}
	return params.finish(raw), nil
}

// perSecondRate computes (current-observed)/seconds rounded down and
// narrows it to the bounded width that keeps the later wad multiply from
// wrapping.
func perSecondRate(current, observed *big.Int, seconds int64) (*big.Int, error) {
	delta := new(big.Int).Sub(current, observed)
	if delta.Sign() < 0 {
		return nil, ErrOverflow
	}
	rate := delta.Quo(delta, big.NewInt(seconds))
	if err := fixedpoint.CheckUint192(rate); err != nil {
		return nil, ErrOverflow
	}
	return rate, nil
}

// WindowOracle prices against a WindowFeed: one bounded query, identical
// multiplier and floor post-processing.
type WindowOracle struct {
	mu     sync.RWMutex
	source feed.WindowFeed
	params Params
}

// NewWindow constructs the windowed-query variant.
func NewWindow(source feed.WindowFeed, params Params) (*WindowOracle, error) {
	if source == nil {
		return nil, errors.New("oracle: feed required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &WindowOracle{source: source, params: params.clone()}, nil
}

// Params returns a copy of the current tunables.
func (o *WindowOracle) Params() Params {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.params.clone()
}

// SetParams overwrites all tunables in one step.
func (o *WindowOracle) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.params = params.clone()
	o.mu.Unlock()
	return nil
}

// Price issues a single bounded-window query and post-processes it.
func (o *WindowOracle) Price(now time.Time) (*big.Int, error) {
	o.mu.RLock()
	params := o.params
	source := o.source
	o.mu.RUnlock()

	if params.Window+params.LookbackOffset > source.LargestSafeQueryWindow(now) {
		return nil, ErrOracleNotReady
	}
	raw, err := source.TimeWeightedAverage(params.Window, params.LookbackOffset, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleNotReady, err)
	}
	if raw.Sign() == 0 {
		return nil, ErrOracleNotReady
	}
	if !params.QuoteInB {
		raw = fixedpoint.DivWadDown(fixedpoint.Wad, raw)
	}
	return params.finish(raw), nil
}
