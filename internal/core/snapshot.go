package core

import (
	"context"
	"math/big"

	"OptionLedger/internal/token"
)

// SnapshotState is the engine's in-memory state at a point in time:
// the book balances, the hash chain tip, per-partition sequence
// cursors, and recent idempotency keys for LRU warming.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Balances        map[token.AccountKey]*big.Int
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// snapshotKeyLimit bounds how many LRU keys a snapshot carries.
const snapshotKeyLimit = 10_000

// Snapshot captures the engine state. The capture runs on the engine
// goroutine so it observes a consistent view between events.
func (c *Engine) Snapshot(ctx context.Context) (*SnapshotState, error) {
	req := snapshotReq{reply: make(chan *SnapshotState, 1)}
	select {
	case c.snapshots <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Engine) captureSnapshot() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.book.Snapshot(),
		SequenceState:   c.seqValidator.Export(),
		IdempotencyKeys: c.idempotency.RecentKeys(snapshotKeyLimit),
	}
}

// RestoreFromSnapshot loads a snapshot into the engine. Startup wiring
// only, before Run.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.Restore(snap.StateHash)
	c.book.Restore(snap.Balances)
	for partition, seq := range snap.SequenceState {
		c.seqValidator.SetExpectedSequence(partition, seq)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
}

// Sequence returns the next sequence the engine will assign. Startup
// and shutdown reporting only; racy while Run is active.
func (c *Engine) Sequence() int64 {
	return c.sequence
}

// StateHash returns the current hash chain tip. Startup verification
// only; racy while Run is active.
func (c *Engine) StateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
