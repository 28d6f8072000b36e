package core_test

import (
	"context"
	"testing"
	"time"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/feed"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/token"

	"github.com/google/uuid"
)

// bareEngine builds an engine with the harness wiring but no events
// applied, so snapshot restore starts from a clean hash chain.
func bareEngine(t *testing.T) *core.Engine {
	t.Helper()
	eng := core.NewEngine(core.Config{
		Admin:           admin,
		CoordinatorAddr: coordAddr,
		OptionAsset:     token.AssetOption,
		PaymentAsset:    token.AssetPayment,
		UnderlyingAsset: token.AssetUnderlying,
	})
	pair := feed.NewPair("UND", "PAY", false)
	pair.SetObservationPeriod(time.Minute)
	eng.RegisterPair("UND-PAY", pair)
	o, err := oracle.New(pair, oracle.Params{
		MultiplierBps: 5000,
		Window:        5 * time.Minute,
		QuoteInB:      true,
	})
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	eng.RegisterOracle("twap", o)
	return eng
}

func TestSnapshot_CapturesLiveState(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "UND", wad(50))
	h.deposit(holder, "PAY", wad(500))
	h.registerDiscount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)

	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	wantSeq := h.engine.Sequence() - 1
	if snap.Sequence != wantSeq {
		t.Errorf("snapshot sequence: got %d, want %d", snap.Sequence, wantSeq)
	}
	if snap.StateHash != h.engine.StateHash() {
		t.Error("snapshot hash does not match chain tip")
	}

	key := token.HolderKey(holder, token.AssetUnderlying)
	bal, ok := snap.Balances[key]
	if !ok || bal.Cmp(wad(50)) != 0 {
		t.Errorf("snapshot balance for %s: got %v, want %s", key.AccountPath(), bal, wad(50))
	}
	if len(snap.IdempotencyKeys) == 0 {
		t.Error("snapshot carries no idempotency keys")
	}
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "UND", wad(50))
	h.deposit(holder, "PAY", wad(500))
	optionID := h.registerDiscount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)

	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	cancel()

	restored := bareEngine(t)
	restored.RestoreFromSnapshot(snap)

	if restored.Sequence() != snap.Sequence+1 {
		t.Errorf("restored sequence: got %d, want %d", restored.Sequence(), snap.Sequence+1)
	}
	if restored.StateHash() != snap.StateHash {
		t.Error("restored hash chain tip does not match snapshot")
	}
	if got := restored.Book().BalanceOf(token.AssetUnderlying, holder); got.Cmp(wad(50)) != 0 {
		t.Errorf("restored balance: got %s, want %s", got, wad(50))
	}

	// Sequence cursors survive: the next global event must carry the
	// next source sequence, and a gap is rejected.
	evt := &event.OptionStatusChanged{
		RequestID:      uuid.New(),
		Caller:         admin,
		OptionID:       optionID,
		Active:         false,
		AdminSequence:  h.optionSeq[optionID],
		AdminTimestamp: t0,
	}
	if _, err := restored.ProcessEvent(evt); err != nil {
		t.Fatalf("in-order event after restore: %v", err)
	}

	gap := &event.OptionStatusChanged{
		RequestID:      uuid.New(),
		Caller:         admin,
		OptionID:       optionID,
		Active:         true,
		AdminSequence:  h.optionSeq[optionID] + 5,
		AdminTimestamp: t0,
	}
	if _, err := restored.ProcessEvent(gap); err == nil {
		t.Error("sequence gap accepted after restore")
	}
}

func TestSnapshot_WarmedLRUCatchesDuplicates(t *testing.T) {
	h := newHarness(t)
	dep := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "UND",
		Amount:           wad(7),
		DepositSequence:  h.globalSeq,
		DepositTimestamp: t0,
	}
	h.globalSeq++
	if _, err := h.engine.ProcessEvent(dep); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)

	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	cancel()

	restored := bareEngine(t)
	restored.RestoreFromSnapshot(snap)

	result, err := restored.ProcessEvent(dep)
	if err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}
	if !result.Duplicate {
		t.Error("replayed deposit not flagged as duplicate")
	}
	if got := restored.Book().BalanceOf(token.AssetUnderlying, holder); got.Cmp(wad(7)) != 0 {
		t.Errorf("duplicate deposit changed balance: got %s", got)
	}
}
