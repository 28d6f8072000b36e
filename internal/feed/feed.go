// Package feed models the TWAP data source consumed by the price oracle.
// The oracle only ever reads from a feed; writes happen on the ingestion
// path when pair reserve syncs arrive.
package feed

import (
	"math/big"
	"time"
)

// Observation is a stored accumulator checkpoint.
type Observation struct {
	Timestamp   time.Time
	CumulativeA *big.Int // reserve-seconds of asset A
	CumulativeB *big.Int // reserve-seconds of asset B
}

// CumulativeFeed exposes raw cumulative accumulators plus a bounded history
// of checkpoints, in the manner of a constant-product pair oracle.
type CumulativeFeed interface {
	// CurrentCumulatives returns both accumulators extrapolated to now.
	CurrentCumulatives(now time.Time) (cumA, cumB *big.Int, ts time.Time)

	// ObservationAt returns the i-th stored checkpoint (0 = oldest).
	ObservationAt(i int) (Observation, bool)

	// ObservationCount returns the number of stored checkpoints.
	ObservationCount() int

	// IsStablePair reports whether the underlying pool uses stable-swap
	// pricing. Stable pools are rejected at oracle construction.
	IsStablePair() bool
}

// WindowFeed is the alternative feed shape: the pool answers a bounded
// windowed-average query directly instead of exposing raw accumulators.
type WindowFeed interface {
	// TimeWeightedAverage returns the average wad price of asset A in
	// units of asset B over [now-ago-window, now-ago].
	TimeWeightedAverage(window, ago time.Duration, now time.Time) (*big.Int, error)

	// LargestSafeQueryWindow returns the longest span the feed can
	// currently serve.
	LargestSafeQueryWindow(now time.Time) time.Duration
}
