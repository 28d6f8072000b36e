package feed

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

const (
	// DefaultObservationCap bounds the checkpoint ring buffer.
	DefaultObservationCap = 256

	// DefaultObservationPeriod is the minimum spacing between checkpoints.
	DefaultObservationPeriod = 30 * time.Second
)

// ErrNoReserves indicates the pair has not received a reserve sync yet.
var ErrNoReserves = errors.New("feed: pair has no reserves")

// Pair tracks a two-asset constant-product pool through reserve syncs and
// maintains reserve-seconds accumulators for TWAP queries. It implements
// both CumulativeFeed and WindowFeed.
//
// Writes arrive serialised from the core; reads may come concurrently from
// the query side, hence the RWMutex.
type Pair struct {
	mu sync.RWMutex

	assetA string
	assetB string
	stable bool

	reserveA *big.Int
	reserveB *big.Int

	cumulativeA *big.Int
	cumulativeB *big.Int
	lastSync    time.Time

	observations []Observation
	obsCap       int
	obsPeriod    time.Duration
}

// NewPair constructs an empty pair accumulator.
func NewPair(assetA, assetB string, stable bool) *Pair {
	return &Pair{
		assetA:      assetA,
		assetB:      assetB,
		stable:      stable,
		reserveA:    big.NewInt(0),
		reserveB:    big.NewInt(0),
		cumulativeA: big.NewInt(0),
		cumulativeB: big.NewInt(0),
		obsCap:      DefaultObservationCap,
		obsPeriod:   DefaultObservationPeriod,
	}
}

// SetObservationPeriod overrides the checkpoint cadence.
func (p *Pair) SetObservationPeriod(period time.Duration) {
	if p == nil || period <= 0 {
		return
	}
	p.mu.Lock()
	p.obsPeriod = period
	p.mu.Unlock()
}

// Assets returns the pair's asset symbols.
func (p *Pair) Assets() (string, string) {
	return p.assetA, p.assetB
}

// IsStablePair implements CumulativeFeed.
func (p *Pair) IsStablePair() bool {
	return p.stable
}

// Sync advances the accumulators to ts using the reserves held since the
// previous sync, then installs the new reserves. Timestamps that do not
// move forward advance nothing: a sync in the same instant as a read
// cannot shift an already-covered window.
func (p *Pair) Sync(reserveA, reserveB *big.Int, ts time.Time) error {
	if reserveA == nil || reserveB == nil || reserveA.Sign() <= 0 || reserveB.Sign() <= 0 {
		return errors.New("feed: reserves must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastSync.IsZero() {
		p.lastSync = ts
		p.reserveA = new(big.Int).Set(reserveA)
		p.reserveB = new(big.Int).Set(reserveB)
		p.record(ts)
		return nil
	}

	p.advanceTo(ts)
	p.reserveA = new(big.Int).Set(reserveA)
	p.reserveB = new(big.Int).Set(reserveB)

	if len(p.observations) == 0 || ts.Sub(p.observations[len(p.observations)-1].Timestamp) >= p.obsPeriod {
		p.record(ts)
	}
	return nil
}

// advanceTo accrues reserve-seconds up to ts. Must hold the write lock.
func (p *Pair) advanceTo(ts time.Time) {
	elapsed := int64(ts.Sub(p.lastSync) / time.Second)
	if elapsed <= 0 {
		return
	}
	dt := big.NewInt(elapsed)
	p.cumulativeA.Add(p.cumulativeA, new(big.Int).Mul(p.reserveA, dt))
	p.cumulativeB.Add(p.cumulativeB, new(big.Int).Mul(p.reserveB, dt))
	p.lastSync = ts
}

// record appends a checkpoint, evicting the oldest past the cap. Must hold
// the write lock.
func (p *Pair) record(ts time.Time) {
	obs := Observation{
		Timestamp:   ts,
		CumulativeA: new(big.Int).Set(p.cumulativeA),
		CumulativeB: new(big.Int).Set(p.cumulativeB),
	}
	p.observations = append(p.observations, obs)
	if len(p.observations) > p.obsCap {
		copy(p.observations, p.observations[1:])
		p.observations = p.observations[:len(p.observations)-1]
	}
}

// CurrentCumulatives implements CumulativeFeed. The accumulators are
// extrapolated to now with the currently held reserves, without mutating
// stored state.
func (p *Pair) CurrentCumulatives(now time.Time) (*big.Int, *big.Int, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cumA := new(big.Int).Set(p.cumulativeA)
	cumB := new(big.Int).Set(p.cumulativeB)
	ts := p.lastSync
	if elapsed := int64(now.Sub(p.lastSync) / time.Second); elapsed > 0 && !p.lastSync.IsZero() {
		dt := big.NewInt(elapsed)
		cumA.Add(cumA, new(big.Int).Mul(p.reserveA, dt))
		cumB.Add(cumB, new(big.Int).Mul(p.reserveB, dt))
		ts = now
	}
	return cumA, cumB, ts
}

// ObservationAt implements CumulativeFeed.
func (p *Pair) ObservationAt(i int) (Observation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.observations) {
		return Observation{}, false
	}
	obs := p.observations[i]
	return Observation{
		Timestamp:   obs.Timestamp,
		CumulativeA: new(big.Int).Set(obs.CumulativeA),
		CumulativeB: new(big.Int).Set(obs.CumulativeB),
	}, true
}

// ObservationCount implements CumulativeFeed.
func (p *Pair) ObservationCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.observations)
}

// LargestSafeQueryWindow implements WindowFeed: the span back to the
// oldest stored checkpoint.
func (p *Pair) LargestSafeQueryWindow(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.observations) == 0 {
		return 0
	}
	span := now.Sub(p.observations[0].Timestamp)
	if span < 0 {
		return 0
	}
	return span
}

// TimeWeightedAverage implements WindowFeed: average wad price of asset A
// in units of asset B over [now-ago-window, now-ago]. The endpoints are
// served from the accumulators by linear interpolation between the
// surrounding checkpoints.
func (p *Pair) TimeWeightedAverage(window, ago time.Duration, now time.Time) (*big.Int, error) {
	if window <= 0 {
		return nil, errors.New("feed: window must be positive")
	}
	end := now.Add(-ago)
	start := end.Add(-window)

	cumAStart, cumBStart, err := p.cumulativesAt(start, now)
	if err != nil {
		return nil, err
	}
	cumAEnd, cumBEnd, err := p.cumulativesAt(end, now)
	if err != nil {
		return nil, err
	}

	deltaA := new(big.Int).Sub(cumAEnd, cumAStart)
	deltaB := new(big.Int).Sub(cumBEnd, cumBStart)
	if deltaA.Sign() <= 0 {
		return nil, ErrNoReserves
	}
	// price(A in B) = avg(reserveB) / avg(reserveA); the window length
	// cancels, so the ratio of deltas suffices.
	numerator := new(big.Int).Mul(deltaB, wadScale)
	return numerator.Quo(numerator, deltaA), nil
}

var wadScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// cumulativesAt interpolates both accumulators at ts.
func (p *Pair) cumulativesAt(ts, now time.Time) (*big.Int, *big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.lastSync.IsZero() || len(p.observations) == 0 {
		return nil, nil, ErrNoReserves
	}
	oldest := p.observations[0]
	if ts.Before(oldest.Timestamp) {
		return nil, nil, ErrNoReserves
	}
	// Beyond the last sync the reserves are flat: extrapolate.
	if !ts.Before(p.lastSync) {
		elapsed := int64(ts.Sub(p.lastSync) / time.Second)
		dt := big.NewInt(elapsed)
		cumA := new(big.Int).Add(p.cumulativeA, new(big.Int).Mul(p.reserveA, dt))
		cumB := new(big.Int).Add(p.cumulativeB, new(big.Int).Mul(p.reserveB, dt))
		return cumA, cumB, nil
	}
	// Find the checkpoints surrounding ts and interpolate linearly.
	for i := len(p.observations) - 1; i >= 0; i-- {
		obs := p.observations[i]
		if obs.Timestamp.After(ts) {
			continue
		}
		var nextTs time.Time
		var nextA, nextB *big.Int
		if i+1 < len(p.observations) {
			next := p.observations[i+1]
			nextTs, nextA, nextB = next.Timestamp, next.CumulativeA, next.CumulativeB
		} else {
			nextTs, nextA, nextB = p.lastSync, p.cumulativeA, p.cumulativeB
		}
		span := int64(nextTs.Sub(obs.Timestamp) / time.Second)
		if span <= 0 {
			return new(big.Int).Set(obs.CumulativeA), new(big.Int).Set(obs.CumulativeB), nil
		}
		offset := big.NewInt(int64(ts.Sub(obs.Timestamp) / time.Second))
		cumA := interpolate(obs.CumulativeA, nextA, offset, big.NewInt(span))
		cumB := interpolate(obs.CumulativeB, nextB, offset, big.NewInt(span))
		return cumA, cumB, nil
	}
	return nil, nil, ErrNoReserves
}

func interpolate(from, to, offset, span *big.Int) *big.Int {
	delta := new(big.Int).Sub(to, from)
	delta.Mul(delta, offset)
	delta.Quo(delta, span)
	return delta.Add(delta, from)
}
