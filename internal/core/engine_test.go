package core_test

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/exercise"
	"OptionLedger/internal/feed"
	"OptionLedger/internal/fixedpoint"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/strategy"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	admin     = common.HexToAddress("0xcccc000000000000000000000000000000000001")
	coordAddr = common.HexToAddress("0xcccc000000000000000000000000000000000002")
	treasury  = common.HexToAddress("0xcccc000000000000000000000000000000000003")
	holder    = common.HexToAddress("0xcccc000000000000000000000000000000000004")
	recipient = common.HexToAddress("0xcccc000000000000000000000000000000000005")
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func wad(v int64) *big.Int {
	return fixedpoint.FromInt64(v)
}

// harness drives an engine directly via ProcessEvent and keeps per
// partition source sequence counters the way the edge would.
type harness struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.Output

	globalSeq int64
	optionSeq map[uint64]int64
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithMetrics(t, nil)
}

func newHarnessWithMetrics(t *testing.T, m *observability.Metrics) *harness {
	t.Helper()
	persist := make(chan core.Output, 64)
	projection := make(chan core.Output, 64)

	eng := core.NewEngine(core.Config{
		Admin:           admin,
		CoordinatorAddr: coordAddr,
		OptionAsset:     token.AssetOption,
		PaymentAsset:    token.AssetPayment,
		UnderlyingAsset: token.AssetUnderlying,
		PersistChan:     persist,
		ProjectionChan:  projection,
		Metrics:         m,
	})

	// Flat 100 UND : 1000 PAY pool, synced per minute: TWAP is 10.
	pair := feed.NewPair("UND", "PAY", false)
	pair.SetObservationPeriod(time.Minute)
	eng.RegisterPair("UND-PAY", pair)

	o, err := oracle.New(pair, oracle.Params{
		MultiplierBps: 5000,
		Window:        5 * time.Minute,
		MinPrice:      new(big.Int).Div(fixedpoint.Wad, big.NewInt(10)),
		QuoteInB:      true,
	})
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	eng.RegisterOracle("twap", o)

	h := &harness{t: t, engine: eng, persist: persist, optionSeq: make(map[uint64]int64)}
	for i := 1; i <= 10; i++ {
		h.sync(int64(i), t0.Add(time.Duration(i)*time.Minute))
	}
	return h
}

func (h *harness) sync(seq int64, ts time.Time) {
	h.t.Helper()
	_, err := h.engine.ProcessEvent(&event.PairSync{
		PairID:        "UND-PAY",
		ReserveA:      wad(100),
		ReserveB:      wad(1000),
		SyncSequence:  seq,
		SyncTimestamp: ts,
	})
	if err != nil {
		h.t.Fatalf("pair sync %d: %v", seq, err)
	}
}

func (h *harness) deposit(account common.Address, asset string, amount *big.Int) {
	h.t.Helper()
	evt := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          account,
		Asset:            asset,
		Amount:           amount,
		DepositSequence:  h.globalSeq,
		DepositTimestamp: t0,
	}
	h.globalSeq++
	if _, err := h.engine.ProcessEvent(evt); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) registerDiscount() uint64 {
	h.t.Helper()
	evt := &event.OptionRegistered{
		RequestID:      uuid.New(),
		Caller:         admin,
		Kind:           event.StrategyKindDiscount,
		OracleID:       "twap",
		Treasury:       treasury,
		AdminSequence:  h.globalSeq,
		AdminTimestamp: t0,
	}
	h.globalSeq++
	result, err := h.engine.ProcessEvent(evt)
	if err != nil {
		h.t.Fatalf("register option: %v", err)
	}
	return result.OptionID
}

func (h *harness) exerciseEvent(optionID uint64, amount, maxPayment *big.Int) *event.ExerciseRequested {
	seq := h.optionSeq[optionID]
	h.optionSeq[optionID] = seq + 1
	return &event.ExerciseRequested{
		RequestID:        uuid.New(),
		Caller:           holder,
		Recipient:        recipient,
		OptionID:         optionID,
		Amount:           amount,
		Params:           strategy.EncodeRedeemParams(maxPayment),
		RequestSequence:  seq,
		RequestTimestamp: t0.Add(10 * time.Minute),
	}
}

func (h *harness) drainOutputs() []core.Output {
	var outputs []core.Output
	for {
		select {
		case out := <-h.persist:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func TestEngine_ExerciseEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(1000))
	h.deposit(holder, "PAY", wad(10_000))
	id := h.registerDiscount()
	h.drainOutputs()

	// Multiplier 0.5 on a TWAP of 10: price 5, so 100 options cost 500.
	result, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(100), wad(500)))
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	settled, err := strategy.DecodeSettlement(result.Settlement)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settled.PaymentAmount.Cmp(wad(500)) != 0 {
		t.Errorf("payment: got %s, want %s", settled.PaymentAmount, wad(500))
	}

	book := h.engine.Book()
	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(900)) != 0 {
		t.Errorf("holder options: got %s, want %s", got, wad(900))
	}
	if got := book.BalanceOf(token.AssetOption, token.SinkAddress); got.Cmp(wad(100)) != 0 {
		t.Errorf("sink: got %s, want %s", got, wad(100))
	}
	if got := book.BalanceOf(token.AssetPayment, treasury); got.Cmp(wad(500)) != 0 {
		t.Errorf("treasury: got %s, want %s", got, wad(500))
	}
	if got := book.BalanceOf(token.AssetUnderlying, recipient); got.Cmp(wad(100)) != 0 {
		t.Errorf("recipient: got %s, want %s", got, wad(100))
	}
	if got := book.TotalSupply(token.AssetOption); got.Cmp(wad(1000)) != 0 {
		t.Errorf("option supply: got %s, want %s", got, wad(1000))
	}

	outputs := h.drainOutputs()
	if len(outputs) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(outputs))
	}
	out := outputs[0]
	if out.Settlement == nil {
		t.Fatal("expected settlement record")
	}
	if out.Settlement.PaymentAmount.Cmp(wad(500)) != 0 {
		t.Errorf("record payment: got %s", out.Settlement.PaymentAmount)
	}
	if out.Batch == nil || len(out.Batch.Journals) != 3 {
		t.Fatalf("expected 3 journals (sink, payment, mint), got %+v", out.Batch)
	}
	if out.Envelope.EventType != event.EventTypeExerciseRequested {
		t.Errorf("envelope type: got %s", out.Envelope.EventType)
	}
	if ref := out.Envelope.Ref; ref == nil || !strings.HasPrefix(*ref, "option:") {
		t.Errorf("envelope ref: got %v", ref)
	}
}

func TestEngine_ZeroAmountProducesNoBatch(t *testing.T) {
	h := newHarness(t)
	id := h.registerDiscount()
	h.drainOutputs()

	result, err := h.engine.ProcessEvent(h.exerciseEvent(id, big.NewInt(0), wad(1)))
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if len(result.Settlement) != 0 {
		t.Errorf("expected empty settlement, got %q", result.Settlement)
	}
	outputs := h.drainOutputs()
	if len(outputs) != 1 {
		t.Fatalf("outputs: got %d, want 1 (envelope still logged)", len(outputs))
	}
	if outputs[0].Batch != nil || outputs[0].Settlement != nil {
		t.Errorf("expected bare envelope, got %+v", outputs[0])
	}
}

func TestEngine_FailedExerciseMovesNothing(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(1000))
	h.deposit(holder, "PAY", wad(10_000))
	id := h.registerDiscount()
	h.drainOutputs()

	_, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(100), wad(499)))
	if !errors.Is(err, strategy.ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	book := h.engine.Book()
	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(1000)) != 0 {
		t.Errorf("holder options: got %s", got)
	}
	if got := book.BalanceOf(token.AssetOption, token.SinkAddress); got.Sign() != 0 {
		t.Errorf("sink: got %s", got)
	}
	if outputs := h.drainOutputs(); len(outputs) != 0 {
		t.Errorf("failed call must not emit outputs, got %d", len(outputs))
	}
}

func TestEngine_DeadlinePropagates(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(10))
	h.deposit(holder, "PAY", wad(100))
	id := h.registerDiscount()

	evt := h.exerciseEvent(id, wad(1), wad(10))
	deadline := evt.RequestTimestamp.Add(-time.Second)
	evt.Deadline = &deadline
	_, err := h.engine.ProcessEvent(evt)
	if !errors.Is(err, exercise.ErrPastDeadline) {
		t.Fatalf("got %v, want ErrPastDeadline", err)
	}
}

func TestEngine_DuplicateDepositSkipped(t *testing.T) {
	h := newHarness(t)

	evt := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "OPT",
		Amount:           wad(5),
		DepositSequence:  0,
		DepositTimestamp: t0,
	}
	if _, err := h.engine.ProcessEvent(evt); err != nil {
		t.Fatalf("first: %v", err)
	}
	result, err := h.engine.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Duplicate {
		t.Error("expected duplicate result")
	}
	if got := h.engine.Book().BalanceOf(token.AssetOption, holder); got.Cmp(wad(5)) != 0 {
		t.Errorf("balance after replay: got %s, want %s", got, wad(5))
	}
}

func TestEngine_SequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	evt := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "OPT",
		Amount:           wad(5),
		DepositSequence:  7, // global partition expects 0
		DepositTimestamp: t0,
	}
	if _, err := h.engine.ProcessEvent(evt); err == nil {
		t.Error("expected sequence gap rejection")
	}
}

func TestEngine_StalePairSyncIgnored(t *testing.T) {
	h := newHarness(t)
	// Sequences 1..10 already applied; an old sync replays harmlessly.
	result, err := h.engine.ProcessEvent(&event.PairSync{
		PairID:        "UND-PAY",
		ReserveA:      wad(100),
		ReserveB:      wad(1000),
		SyncSequence:  3,
		SyncTimestamp: t0.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("stale sync: %v", err)
	}
	if !result.Duplicate {
		t.Error("expected stale sync to be skipped")
	}
}

func TestEngine_HashChain(t *testing.T) {
	h := newHarness(t)
	h.drainOutputs()

	h.deposit(holder, "OPT", wad(1))
	h.deposit(holder, "PAY", wad(1))
	h.deposit(recipient, "PAY", wad(1))

	outputs := h.drainOutputs()
	if len(outputs) != 3 {
		t.Fatalf("outputs: got %d, want 3", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("hash chain broken at %d", i)
		}
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Errorf("sequence not contiguous at %d", i)
		}
	}
}

func TestEngine_AdminGates(t *testing.T) {
	h := newHarness(t)

	reg := &event.OptionRegistered{
		RequestID:      uuid.New(),
		Caller:         holder, // not the admin
		Kind:           event.StrategyKindDiscount,
		OracleID:       "twap",
		Treasury:       treasury,
		AdminSequence:  h.globalSeq,
		AdminTimestamp: t0,
	}
	if _, err := h.engine.ProcessEvent(reg); !errors.Is(err, strategy.ErrNotAdmin) {
		t.Errorf("register: got %v, want ErrNotAdmin", err)
	}
	// The rejected event still consumed its slot on the global partition.
	h.globalSeq++

	params := &event.OracleParamsUpdated{
		RequestID:      uuid.New(),
		Caller:         holder,
		OracleID:       "twap",
		MultiplierBps:  10_000,
		WindowSeconds:  300,
		MinPrice:       big.NewInt(0),
		QuoteInB:       true,
		AdminSequence:  h.globalSeq,
		AdminTimestamp: t0,
	}
	if _, err := h.engine.ProcessEvent(params); !errors.Is(err, strategy.ErrNotAdmin) {
		t.Errorf("params: got %v, want ErrNotAdmin", err)
	}
}

func TestEngine_OracleParamsUpdateChangesPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(1000))
	h.deposit(holder, "PAY", wad(10_000))
	id := h.registerDiscount()

	// Full multiplier: price becomes 10, the same 100 options now cost 1000.
	update := &event.OracleParamsUpdated{
		RequestID:      uuid.New(),
		Caller:         admin,
		OracleID:       "twap",
		MultiplierBps:  10_000,
		WindowSeconds:  300,
		MinPrice:       big.NewInt(0),
		QuoteInB:       true,
		AdminSequence:  h.globalSeq,
		AdminTimestamp: t0,
	}
	h.globalSeq++
	if _, err := h.engine.ProcessEvent(update); err != nil {
		t.Fatalf("update params: %v", err)
	}

	result, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(100), wad(1000)))
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	settled, _ := strategy.DecodeSettlement(result.Settlement)
	if settled.PaymentAmount.Cmp(wad(1000)) != 0 {
		t.Errorf("payment: got %s, want %s", settled.PaymentAmount, wad(1000))
	}
}

func TestEngine_TreasurySetReroutesPayment(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(10))
	h.deposit(holder, "PAY", wad(100))
	id := h.registerDiscount()

	next := common.HexToAddress("0xcccc000000000000000000000000000000000006")
	set := &event.TreasurySet{
		RequestID:      uuid.New(),
		Caller:         admin,
		OptionID:       id,
		Treasury:       next,
		AdminSequence:  h.optionSeq[id],
		AdminTimestamp: t0,
	}
	h.optionSeq[id]++
	if _, err := h.engine.ProcessEvent(set); err != nil {
		t.Fatalf("set treasury: %v", err)
	}

	if _, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(1), wad(5))); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if got := h.engine.Book().BalanceOf(token.AssetPayment, next); got.Cmp(wad(5)) != 0 {
		t.Errorf("new treasury: got %s, want %s", got, wad(5))
	}
	if got := h.engine.Book().BalanceOf(token.AssetPayment, treasury); got.Sign() != 0 {
		t.Errorf("old treasury: got %s, want 0", got)
	}
}

func TestEngine_TreasuryCallerRedeems(t *testing.T) {
	h := newHarness(t)
	h.deposit(holder, "OPT", wad(10))
	h.deposit(holder, "PAY", wad(100))

	reg := &event.OptionRegistered{
		RequestID:      uuid.New(),
		Caller:         admin,
		Kind:           event.StrategyKindDiscount,
		OracleID:       "twap",
		Treasury:       holder, // the payer pays itself
		AdminSequence:  h.globalSeq,
		AdminTimestamp: t0,
	}
	h.globalSeq++
	result, err := h.engine.ProcessEvent(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id := result.OptionID
	h.drainOutputs()

	// Price 5: one option costs 5 PAY, paid by the holder to itself,
	// which nets to zero instead of failing the whole redemption.
	if _, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(1), wad(5))); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	book := h.engine.Book()
	if got := book.BalanceOf(token.AssetPayment, holder); got.Cmp(wad(100)) != 0 {
		t.Errorf("payment balance: got %s, want %s", got, wad(100))
	}
	if got := book.BalanceOf(token.AssetOption, token.SinkAddress); got.Cmp(wad(1)) != 0 {
		t.Errorf("sink: got %s, want %s", got, wad(1))
	}
	if got := book.BalanceOf(token.AssetUnderlying, recipient); got.Cmp(wad(1)) != 0 {
		t.Errorf("recipient: got %s, want %s", got, wad(1))
	}
	outputs := h.drainOutputs()
	if len(outputs) != 1 || outputs[0].Batch == nil {
		t.Fatalf("outputs: got %+v", outputs)
	}
	if got := len(outputs[0].Batch.Journals); got != 2 {
		t.Errorf("journals: got %d, want 2 (sink and mint only)", got)
	}
}

func TestEngine_ZeroAmountNotCountedSettled(t *testing.T) {
	// Metrics register against the default registry, so only this test
	// constructs them.
	m := observability.NewMetrics()
	h := newHarnessWithMetrics(t, m)
	h.deposit(holder, "OPT", wad(10))
	h.deposit(holder, "PAY", wad(100))
	id := h.registerDiscount()
	label := strconv.FormatUint(id, 10)

	if _, err := h.engine.ProcessEvent(h.exerciseEvent(id, big.NewInt(0), wad(1))); err != nil {
		t.Fatalf("zero-amount exercise: %v", err)
	}
	if got := promtest.ToFloat64(m.ExercisesSettled.WithLabelValues(label)); got != 0 {
		t.Errorf("settled counter after zero-amount call: got %v, want 0", got)
	}

	if _, err := h.engine.ProcessEvent(h.exerciseEvent(id, wad(1), wad(5))); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if got := promtest.ToFloat64(m.ExercisesSettled.WithLabelValues(label)); got != 1 {
		t.Errorf("settled counter: got %v, want 1", got)
	}
}

// eventLogStub stands in for the Postgres dedup tier: it reports any
// key it has a row for as already persisted.
type eventLogStub struct {
	rows map[string]bool
}

func (s *eventLogStub) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	return s.rows[eventType+":"+idempotencyKey], nil
}

func TestEngine_ReplayAppliesEventsAlreadyInLog(t *testing.T) {
	h := newHarness(t)

	first := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "OPT",
		Amount:           wad(5),
		DepositSequence:  0,
		DepositTimestamp: t0,
	}
	second := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "OPT",
		Amount:           wad(7),
		DepositSequence:  1,
		DepositTimestamp: t0,
	}
	stub := &eventLogStub{rows: map[string]bool{
		event.EventTypeDepositConfirmed.String() + ":" + first.IdempotencyKey():  true,
		event.EventTypeDepositConfirmed.String() + ":" + second.IdempotencyKey(): true,
	}}

	// Replay phase: both deposits already have event-log rows, but the
	// Postgres tier is not attached yet, so the first one must re-apply
	// and advance the engine sequence.
	seqBefore := h.engine.Sequence()
	result, err := h.engine.ProcessEvent(first)
	if err != nil {
		t.Fatalf("replay first: %v", err)
	}
	if result.Duplicate {
		t.Fatal("replayed event deduped against its own log row")
	}
	if got := h.engine.Sequence(); got != seqBefore+1 {
		t.Errorf("sequence: got %d, want %d", got, seqBefore+1)
	}
	if got := h.engine.Book().BalanceOf(token.AssetOption, holder); got.Cmp(wad(5)) != 0 {
		t.Errorf("balance after replay: got %s, want %s", got, wad(5))
	}

	// Live phase: with the Postgres tier attached, the second deposit's
	// log row counts as a duplicate and nothing moves.
	h.engine.AttachDBChecker(stub)
	result, err = h.engine.ProcessEvent(second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !result.Duplicate {
		t.Error("expected duplicate from the attached DB tier")
	}
	if got := h.engine.Sequence(); got != seqBefore+1 {
		t.Errorf("duplicate advanced sequence: got %d, want %d", got, seqBefore+1)
	}
	if got := h.engine.Book().BalanceOf(token.AssetOption, holder); got.Cmp(wad(5)) != 0 {
		t.Errorf("balance after duplicate: got %s, want %s", got, wad(5))
	}
}

func TestEngine_SubmitThroughRunLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)

	evt := &event.DepositConfirmed{
		DepositID:        uuid.New(),
		Account:          holder,
		Asset:            "UND",
		Amount:           wad(3),
		DepositSequence:  0,
		DepositTimestamp: t0,
	}
	result, err := h.engine.Submit(ctx, evt)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Duplicate {
		t.Error("unexpected duplicate")
	}
	if got := h.engine.Book().BalanceOf(token.AssetUnderlying, holder); got.Cmp(wad(3)) != 0 {
		t.Errorf("balance: got %s, want %s", got, wad(3))
	}
}
