package event

import (
	"fmt"
	"math/big"
	"time"
)

// PairSync carries one reserve observation from the price feed relay.
// Idempotency key: <pair>:sync:<sequence>.
type PairSync struct {
	PairID        string
	ReserveA      *big.Int // wad
	ReserveB      *big.Int // wad
	SyncSequence  int64    // Monotonic per pair
	SyncTimestamp time.Time
}

func (p *PairSync) IdempotencyKey() string {
	return fmt.Sprintf("%s:sync:%d", p.PairID, p.SyncSequence)
}

func (p *PairSync) EventType() EventType {
	return EventTypePairSync
}

func (p *PairSync) Ref() *string {
	ref := "pair:" + p.PairID
	return &ref
}

func (p *PairSync) SourceSequence() int64 {
	return p.SyncSequence
}

func (p *PairSync) EventTimestamp() time.Time {
	return p.SyncTimestamp
}
