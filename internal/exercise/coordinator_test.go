package exercise_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"OptionLedger/internal/exercise"
	"OptionLedger/internal/fixedpoint"
	"OptionLedger/internal/strategy"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	admin     = common.HexToAddress("0xbbbb000000000000000000000000000000000001")
	coordAddr = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	treasury  = common.HexToAddress("0xbbbb000000000000000000000000000000000003")
	holder    = common.HexToAddress("0xbbbb000000000000000000000000000000000004")
	recipient = common.HexToAddress("0xbbbb000000000000000000000000000000000005")
)

var now = time.Unix(1_700_000_000, 0)

func wad(v int64) *big.Int {
	return fixedpoint.FromInt64(v)
}

// fixture: a book funded with option and payment tokens, a coordinator,
// and one registered fixed-price option at price 5.
func fixture(t *testing.T) (*token.Book, *exercise.Coordinator, uint64) {
	t.Helper()
	book := token.NewBook()
	tx := book.Begin("seed", 0, 0)
	if err := tx.Mint(token.AssetOption, holder, wad(1000)); err != nil {
		t.Fatalf("mint option: %v", err)
	}
	if err := tx.Mint(token.AssetPayment, holder, wad(10_000)); err != nil {
		t.Fatalf("mint payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	coord := exercise.New(admin, coordAddr, book, token.AssetOption)
	strat, err := strategy.NewFixedPriceExercise(admin, coordAddr, wad(5), treasury,
		token.AssetPayment, token.AssetUnderlying)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	id, err := coord.RegisterOption(admin, strat)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return book, coord, id
}

func call(id uint64, amount, maxPayment *big.Int) exercise.Call {
	return exercise.Call{
		Caller:    holder,
		Recipient: recipient,
		Amount:    amount,
		OptionID:  id,
		Params:    strategy.EncodeRedeemParams(maxPayment),
		Now:       now,
		EventRef:  "test-exercise",
		Sequence:  1,
	}
}

func TestExercise_EndToEnd(t *testing.T) {
	book, coord, id := fixture(t)
	supplyBefore := book.TotalSupply(token.AssetOption)

	out, err := coord.Exercise(call(id, wad(100), wad(500)))
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if out.Batch == nil || len(out.Batch.Journals) == 0 {
		t.Fatal("expected committed journals")
	}
	record, err := strategy.DecodeSettlement(out.Settlement)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.PaymentAmount.Cmp(wad(500)) != 0 {
		t.Errorf("payment: got %s, want %s", record.PaymentAmount, wad(500))
	}

	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(900)) != 0 {
		t.Errorf("holder options: got %s, want %s", got, wad(900))
	}
	if got := book.BalanceOf(token.AssetOption, token.SinkAddress); got.Cmp(wad(100)) != 0 {
		t.Errorf("sink options: got %s, want %s", got, wad(100))
	}
	if got := book.BalanceOf(token.AssetPayment, treasury); got.Cmp(wad(500)) != 0 {
		t.Errorf("treasury: got %s, want %s", got, wad(500))
	}
	if got := book.BalanceOf(token.AssetUnderlying, recipient); got.Cmp(wad(100)) != 0 {
		t.Errorf("recipient underlying: got %s, want %s", got, wad(100))
	}
	if got := book.TotalSupply(token.AssetOption); got.Cmp(supplyBefore) != 0 {
		t.Errorf("option supply changed: %s -> %s", supplyBefore, got)
	}
}

func TestExercise_ZeroAmountShortCircuits(t *testing.T) {
	book, coord, id := fixture(t)
	snap := book.Snapshot()

	out, err := coord.Exercise(call(id, big.NewInt(0), wad(1)))
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if len(out.Settlement) != 0 || out.Batch != nil {
		t.Errorf("expected empty result, got %+v", out)
	}
	for key, want := range snap {
		if got := book.BalanceOf(key.AssetID, key.Address); key.Scope == token.ScopeHolder && got.Cmp(want) != 0 {
			t.Errorf("%s moved: %s -> %s", key.AccountPath(), want, got)
		}
	}
}

func TestExercise_UnknownOption(t *testing.T) {
	_, coord, _ := fixture(t)
	_, err := coord.Exercise(call(99, wad(1), wad(5)))
	if !errors.Is(err, exercise.ErrNotOption) {
		t.Fatalf("got %v, want ErrNotOption", err)
	}
}

func TestExercise_DeactivatedOption(t *testing.T) {
	book, coord, id := fixture(t)
	if err := coord.SetOptionActive(admin, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := coord.Exercise(call(id, wad(1), wad(5)))
	if !errors.Is(err, exercise.ErrOptionInactive) {
		t.Fatalf("got %v, want ErrOptionInactive", err)
	}
	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(1000)) != 0 {
		t.Errorf("holder options moved: got %s", got)
	}

	// Reactivation restores the same id.
	if err := coord.SetOptionActive(admin, id, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := coord.Exercise(call(id, wad(1), wad(5))); err != nil {
		t.Fatalf("exercise after reactivation: %v", err)
	}
}

func TestExercise_PastDeadline(t *testing.T) {
	book, coord, id := fixture(t)

	_, err := coord.ExerciseWithDeadline(call(id, wad(1), wad(5)), now.Add(-time.Second))
	if !errors.Is(err, exercise.ErrPastDeadline) {
		t.Fatalf("got %v, want ErrPastDeadline", err)
	}
	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(1000)) != 0 {
		t.Errorf("holder options moved: got %s", got)
	}

	if _, err := coord.ExerciseWithDeadline(call(id, wad(1), wad(5)), now); err != nil {
		t.Fatalf("deadline == now should pass: %v", err)
	}
}

func TestExercise_StrategyFailureRollsBackSinkTransfer(t *testing.T) {
	book, coord, id := fixture(t)

	// Ceiling below the 5-per-unit cost: the strategy rejects and the
	// already-staged sink transfer must vanish with it.
	_, err := coord.Exercise(call(id, wad(100), wad(499)))
	if !errors.Is(err, strategy.ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	if got := book.BalanceOf(token.AssetOption, holder); got.Cmp(wad(1000)) != 0 {
		t.Errorf("holder options: got %s, want %s", got, wad(1000))
	}
	if got := book.BalanceOf(token.AssetOption, token.SinkAddress); got.Sign() != 0 {
		t.Errorf("sink options: got %s, want 0", got)
	}
	if got := book.BalanceOf(token.AssetPayment, treasury); got.Sign() != 0 {
		t.Errorf("treasury: got %s, want 0", got)
	}
}

func TestExercise_InsufficientOptionBalance(t *testing.T) {
	_, coord, id := fixture(t)
	_, err := coord.Exercise(call(id, wad(1001), wad(10_000)))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestRegistry_AdminGate(t *testing.T) {
	_, coord, id := fixture(t)

	strat, err := strategy.NewFixedPriceExercise(admin, coordAddr, wad(1), treasury,
		token.AssetPayment, token.AssetUnderlying)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	if _, err := coord.RegisterOption(holder, strat); !errors.Is(err, strategy.ErrNotAdmin) {
		t.Errorf("RegisterOption: got %v, want ErrNotAdmin", err)
	}
	if err := coord.SetOptionActive(holder, id, false); !errors.Is(err, strategy.ErrNotAdmin) {
		t.Errorf("SetOptionActive: got %v, want ErrNotAdmin", err)
	}
	if err := coord.SetOptionActive(admin, 42, false); !errors.Is(err, exercise.ErrNotOption) {
		t.Errorf("SetOptionActive unknown id: got %v, want ErrNotOption", err)
	}
}

func TestRegistry_StableIds(t *testing.T) {
	_, coord, first := fixture(t)

	strat, err := strategy.NewFixedPriceExercise(admin, coordAddr, wad(1), treasury,
		token.AssetPayment, token.AssetUnderlying)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	second, err := coord.RegisterOption(admin, strat)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if second != first+1 {
		t.Errorf("ids not sequential: %d then %d", first, second)
	}
	if coord.OptionCount() != 2 {
		t.Errorf("count: got %d, want 2", coord.OptionCount())
	}
	if err := coord.SetOptionActive(admin, first, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := coord.OptionActive(first)
	if err != nil || active {
		t.Errorf("first option: active=%v err=%v, want inactive", active, err)
	}
	if coord.OptionCount() != 2 {
		t.Errorf("deactivation must not shrink the arena: got %d", coord.OptionCount())
	}
}
