package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"OptionLedger/internal/event"
	"OptionLedger/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePairSync(t *testing.T) {
	payload := map[string]interface{}{
		"pair_id":      "UND-PAY",
		"reserve_a":    "100000000000000000000",
		"reserve_b":    "1000000000000000000000",
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	parsed, err := ingestion.ParseRawEvent(raw, "PairSync")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sync, ok := parsed.(*event.PairSync)
	if !ok {
		t.Fatalf("got %T, want *event.PairSync", parsed)
	}
	if sync.PairID != "UND-PAY" {
		t.Errorf("pair_id: got %q", sync.PairID)
	}
	if sync.ReserveA.String() != "100000000000000000000" {
		t.Errorf("reserve_a: got %s", sync.ReserveA)
	}
	if sync.SyncSequence != 7 {
		t.Errorf("sequence: got %d", sync.SyncSequence)
	}
	if sync.SyncTimestamp != time.UnixMicro(1700000000000000) {
		t.Errorf("timestamp: got %s", sync.SyncTimestamp)
	}
	if sync.IdempotencyKey() != "UND-PAY:sync:7" {
		t.Errorf("idempotency key: got %q", sync.IdempotencyKey())
	}
}

func TestParsePairSync_Malformed(t *testing.T) {
	cases := []map[string]interface{}{
		{"pair_id": "", "reserve_a": "1", "reserve_b": "1", "sequence": int64(1), "timestamp_us": int64(1)},
		{"pair_id": "X", "reserve_a": "abc", "reserve_b": "1", "sequence": int64(1), "timestamp_us": int64(1)},
		{"pair_id": "X", "reserve_a": "1", "reserve_b": "-5", "sequence": int64(1), "timestamp_us": int64(1)},
	}
	for i, payload := range cases {
		if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PairSync"); err == nil {
			t.Errorf("case %d: expected parse error", i)
		}
	}
}

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account":      "0x1111111111111111111111111111111111111111",
		"asset":        "OPT",
		"amount":       "5000000000000000000",
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	parsed, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dep, ok := parsed.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("got %T, want *event.DepositConfirmed", parsed)
	}
	if dep.Asset != "OPT" {
		t.Errorf("asset: got %q", dep.Asset)
	}
	if dep.Amount.String() != "5000000000000000000" {
		t.Errorf("amount: got %s", dep.Amount)
	}
	if dep.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %q", dep.IdempotencyKey())
	}
}

func TestParseDepositConfirmed_BadAddress(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account":      "not-an-address",
		"asset":        "OPT",
		"amount":       "1",
		"sequence":     int64(0),
		"timestamp_us": int64(1),
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed"); err == nil {
		t.Error("expected parse error for malformed address")
	}
}

func TestParseExerciseRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "660e8400-e29b-41d4-a716-446655440001",
		"caller":       "0x1111111111111111111111111111111111111111",
		"recipient":    "0x2222222222222222222222222222222222222222",
		"option_id":    uint64(2),
		"amount":       "100000000000000000000",
		"params":       json.RawMessage(`{"max_payment_amount":"500000000000000000000"}`),
		"deadline_us":  int64(1700000060000000),
		"sequence":     int64(11),
		"timestamp_us": int64(1700000000000000),
	}

	parsed, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ExerciseRequested")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req, ok := parsed.(*event.ExerciseRequested)
	if !ok {
		t.Fatalf("got %T, want *event.ExerciseRequested", parsed)
	}
	if req.OptionID != 2 {
		t.Errorf("option_id: got %d", req.OptionID)
	}
	if req.Deadline == nil || !req.Deadline.Equal(time.UnixMicro(1700000060000000)) {
		t.Errorf("deadline: got %v", req.Deadline)
	}
	if len(req.Params) == 0 {
		t.Error("params not carried through")
	}
	if ref := req.Ref(); ref == nil || *ref != "option:2" {
		t.Errorf("ref: got %v", ref)
	}
}

func TestParseExerciseRequested_NoDeadline(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "660e8400-e29b-41d4-a716-446655440001",
		"caller":       "0x1111111111111111111111111111111111111111",
		"recipient":    "0x2222222222222222222222222222222222222222",
		"option_id":    uint64(0),
		"amount":       "1",
		"params":       json.RawMessage(`{"max_payment_amount":"10"}`),
		"sequence":     int64(0),
		"timestamp_us": int64(1),
	}

	parsed, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ExerciseRequested")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req := parsed.(*event.ExerciseRequested)
	if req.Deadline != nil {
		t.Errorf("deadline: got %v, want nil", req.Deadline)
	}
}

func TestParseUnknownEventType(t *testing.T) {
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]interface{}{}), "Nonsense"); err == nil {
		t.Error("expected error for unknown event type")
	}
}
