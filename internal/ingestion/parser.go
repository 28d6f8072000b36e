package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"OptionLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into
// a typed event.Event. The ingestion shell validates, parses, and
// converts raw events before submitting them to the engine.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PairSync":
		return parsePairSync(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "ExerciseRequested":
		return parseExerciseRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Token amounts
// and reserves travel as decimal strings so 18-decimal values survive.

type pairSyncJSON struct {
	PairID      string `json:"pair_id"`
	ReserveA    string `json:"reserve_a"`
	ReserveB    string `json:"reserve_b"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePairSync(data []byte) (*event.PairSync, error) {
	var j pairSyncJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairSync: %w", err)
	}
	if j.PairID == "" {
		return nil, fmt.Errorf("parse PairSync: pair_id is required")
	}

	reserveA, err := parseWad(j.ReserveA)
	if err != nil {
		return nil, fmt.Errorf("parse reserve_a: %w", err)
	}
	reserveB, err := parseWad(j.ReserveB)
	if err != nil {
		return nil, fmt.Errorf("parse reserve_b: %w", err)
	}

	return &event.PairSync{
		PairID:        j.PairID,
		ReserveA:      reserveA,
		ReserveB:      reserveB,
		SyncSequence:  j.Sequence,
		SyncTimestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := parseAddress(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	amount, err := parseWad(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	return &event.DepositConfirmed{
		DepositID:        depositID,
		Account:          account,
		Asset:            j.Asset,
		Amount:           amount,
		DepositSequence:  j.Sequence,
		DepositTimestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type exerciseRequestJSON struct {
	RequestID   string          `json:"request_id"`
	Caller      string          `json:"caller"`
	Recipient   string          `json:"recipient"`
	OptionID    uint64          `json:"option_id"`
	Amount      string          `json:"amount"`
	Params      json.RawMessage `json:"params"`
	DeadlineUs  *int64          `json:"deadline_us,omitempty"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseExerciseRequested(data []byte) (*event.ExerciseRequested, error) {
	var j exerciseRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExerciseRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	recipient, err := parseAddress(j.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	amount, err := parseWad(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	var deadline *time.Time
	if j.DeadlineUs != nil {
		d := time.UnixMicro(*j.DeadlineUs)
		deadline = &d
	}

	return &event.ExerciseRequested{
		RequestID:        requestID,
		Caller:           caller,
		Recipient:        recipient,
		OptionID:         j.OptionID,
		Amount:           amount,
		Params:           j.Params,
		Deadline:         deadline,
		RequestSequence:  j.Sequence,
		RequestTimestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWad(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}
