package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload reconstructs a typed event from an event-log row. The
// payload is the JSON the engine wrote at apply time, so this is the
// exact inverse of the envelope encoding and is used only for replay.
func DecodePayload(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case "DepositConfirmed":
		evt = &DepositConfirmed{}
	case "PairSync":
		evt = &PairSync{}
	case "ExerciseRequested":
		evt = &ExerciseRequested{}
	case "OptionRegistered":
		evt = &OptionRegistered{}
	case "OptionStatusChanged":
		evt = &OptionStatusChanged{}
	case "OracleParamsUpdated":
		evt = &OracleParamsUpdated{}
	case "OracleSet":
		evt = &OracleSet{}
	case "TreasurySet":
		evt = &TreasurySet{}
	default:
		return nil, fmt.Errorf("event: unknown event type %q", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("event: decode %s payload: %w", eventType, err)
	}
	return evt, nil
}
