package event_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"OptionLedger/internal/event"
	"OptionLedger/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestDecodePayload_ExerciseRoundTrip(t *testing.T) {
	deadline := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &event.ExerciseRequested{
		RequestID:        uuid.New(),
		Caller:           common.HexToAddress("0xcccc000000000000000000000000000000000004"),
		Recipient:        common.HexToAddress("0xcccc000000000000000000000000000000000005"),
		OptionID:         3,
		Amount:           big.NewInt(1_000_000_000),
		Params:           strategy.EncodeRedeemParams(big.NewInt(42)),
		Deadline:         &deadline,
		RequestSequence:  7,
		RequestTimestamp: deadline.Add(-time.Minute),
	}

	payload, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := event.DecodePayload("ExerciseRequested", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, ok := decoded.(*event.ExerciseRequested)
	if !ok {
		t.Fatalf("decoded to %T", decoded)
	}
	if got.RequestID != src.RequestID {
		t.Errorf("request id: got %s, want %s", got.RequestID, src.RequestID)
	}
	if got.Caller != src.Caller || got.Recipient != src.Recipient {
		t.Error("addresses did not survive the round trip")
	}
	if got.Amount.Cmp(src.Amount) != 0 {
		t.Errorf("amount: got %s, want %s", got.Amount, src.Amount)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("deadline: got %v, want %s", got.Deadline, deadline)
	}
	if got.IdempotencyKey() != src.IdempotencyKey() {
		t.Error("idempotency key changed")
	}
	if got.SourceSequence() != src.SourceSequence() {
		t.Errorf("source sequence: got %d, want %d", got.SourceSequence(), src.SourceSequence())
	}
}

func TestDecodePayload_PairSyncRoundTrip(t *testing.T) {
	src := &event.PairSync{
		PairID:        "UND-PAY",
		ReserveA:      big.NewInt(100),
		ReserveB:      big.NewInt(1000),
		SyncSequence:  12,
		SyncTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	payload, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := event.DecodePayload("PairSync", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(*event.PairSync)
	if got.PairID != src.PairID || got.SyncSequence != src.SyncSequence {
		t.Error("pair sync identity did not survive the round trip")
	}
	if got.ReserveA.Cmp(src.ReserveA) != 0 || got.ReserveB.Cmp(src.ReserveB) != 0 {
		t.Error("reserves did not survive the round trip")
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	if _, err := event.DecodePayload("OptionExpired", []byte(`{}`)); err == nil {
		t.Error("unknown event type decoded without error")
	}
}

func TestDecodePayload_MalformedPayload(t *testing.T) {
	if _, err := event.DecodePayload("PairSync", []byte(`{`)); err == nil {
		t.Error("malformed payload decoded without error")
	}
}
