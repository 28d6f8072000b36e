package event

import (
	"encoding/json"
	"fmt"
	"time"

	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ExerciseRequested is a redemption submitted by a holder.
// Idempotency key: request_id (UUID minted at the edge).
type ExerciseRequested struct {
	RequestID uuid.UUID // Idempotency key
	Caller    common.Address
	Recipient common.Address
	OptionID  uint64
	Amount    *big.Int        // wad
	Params    json.RawMessage // opaque strategy parameters
	Deadline  *time.Time      // nil when the no-deadline entry point was used

	RequestSequence  int64     // Source sequence from the edge
	RequestTimestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (e *ExerciseRequested) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *ExerciseRequested) EventType() EventType {
	return EventTypeExerciseRequested
}

func (e *ExerciseRequested) Ref() *string {
	ref := fmt.Sprintf("option:%d", e.OptionID)
	return &ref
}

func (e *ExerciseRequested) SourceSequence() int64 {
	return e.RequestSequence
}

func (e *ExerciseRequested) EventTimestamp() time.Time {
	return e.RequestTimestamp
}
