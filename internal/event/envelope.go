package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypePairSync
	EventTypeExerciseRequested
	EventTypeOptionRegistered
	EventTypeOptionStatusChanged
	EventTypeOracleParamsUpdated
	EventTypeOracleSet
	EventTypeTreasurySet
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Context reference: "pair:<id>" or "option:<id>" (nil for global
	// administrative events)
	Ref *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Ref returns the context reference (nil for global events)
	Ref() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTimestamp returns the versioned input timestamp. The core
	// never reads the wall clock.
	EventTimestamp() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypePairSync:
		return "PairSync"
	case EventTypeExerciseRequested:
		return "ExerciseRequested"
	case EventTypeOptionRegistered:
		return "OptionRegistered"
	case EventTypeOptionStatusChanged:
		return "OptionStatusChanged"
	case EventTypeOracleParamsUpdated:
		return "OracleParamsUpdated"
	case EventTypeOracleSet:
		return "OracleSet"
	case EventTypeTreasurySet:
		return "TreasurySet"
	default:
		return "Unknown"
	}
}
