package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// StrategyKind names a settlement variant in registration events.
type StrategyKind string

const (
	StrategyKindDiscount   StrategyKind = "discount"
	StrategyKindFixedPrice StrategyKind = "fixed_price"
)

// OptionRegistered adds a new option to the coordinator's registry.
// Idempotency key: request_id.
type OptionRegistered struct {
	RequestID uuid.UUID
	Caller    common.Address
	Kind      StrategyKind
	OracleID  string   // discount variant: which configured oracle to quote
	Price     *big.Int // fixed_price variant: wad price
	Treasury  common.Address

	AdminSequence  int64
	AdminTimestamp time.Time
}

func (e *OptionRegistered) IdempotencyKey() string { return e.RequestID.String() }
func (e *OptionRegistered) EventType() EventType   { return EventTypeOptionRegistered }
func (e *OptionRegistered) Ref() *string           { return nil }
func (e *OptionRegistered) SourceSequence() int64  { return e.AdminSequence }
func (e *OptionRegistered) EventTimestamp() time.Time {
	return e.AdminTimestamp
}

// OptionStatusChanged flips an option's activation flag.
type OptionStatusChanged struct {
	RequestID uuid.UUID
	Caller    common.Address
	OptionID  uint64
	Active    bool

	AdminSequence  int64
	AdminTimestamp time.Time
}

func (e *OptionStatusChanged) IdempotencyKey() string { return e.RequestID.String() }
func (e *OptionStatusChanged) EventType() EventType   { return EventTypeOptionStatusChanged }
func (e *OptionStatusChanged) Ref() *string {
	ref := fmt.Sprintf("option:%d", e.OptionID)
	return &ref
}
func (e *OptionStatusChanged) SourceSequence() int64 { return e.AdminSequence }
func (e *OptionStatusChanged) EventTimestamp() time.Time {
	return e.AdminTimestamp
}

// OracleParamsUpdated atomically replaces a configured oracle's parameters.
type OracleParamsUpdated struct {
	RequestID uuid.UUID
	Caller    common.Address
	OracleID  string

	MultiplierBps   uint16
	WindowSeconds   int64
	LookbackSeconds int64
	MinPrice        *big.Int // wad
	QuoteInB        bool

	AdminSequence  int64
	AdminTimestamp time.Time
}

func (e *OracleParamsUpdated) IdempotencyKey() string { return e.RequestID.String() }
func (e *OracleParamsUpdated) EventType() EventType   { return EventTypeOracleParamsUpdated }
func (e *OracleParamsUpdated) Ref() *string           { return nil }
func (e *OracleParamsUpdated) SourceSequence() int64  { return e.AdminSequence }
func (e *OracleParamsUpdated) EventTimestamp() time.Time {
	return e.AdminTimestamp
}

// OracleSet re-points a discount option at another configured oracle.
type OracleSet struct {
	RequestID uuid.UUID
	Caller    common.Address
	OptionID  uint64
	OracleID  string

	AdminSequence  int64
	AdminTimestamp time.Time
}

func (e *OracleSet) IdempotencyKey() string { return e.RequestID.String() }
func (e *OracleSet) EventType() EventType   { return EventTypeOracleSet }
func (e *OracleSet) Ref() *string {
	ref := fmt.Sprintf("option:%d", e.OptionID)
	return &ref
}
func (e *OracleSet) SourceSequence() int64 { return e.AdminSequence }
func (e *OracleSet) EventTimestamp() time.Time {
	return e.AdminTimestamp
}

// TreasurySet re-points an option's payment destination.
type TreasurySet struct {
	RequestID uuid.UUID
	Caller    common.Address
	OptionID  uint64
	Treasury  common.Address

	AdminSequence  int64
	AdminTimestamp time.Time
}

func (e *TreasurySet) IdempotencyKey() string { return e.RequestID.String() }
func (e *TreasurySet) EventType() EventType   { return EventTypeTreasurySet }
func (e *TreasurySet) Ref() *string {
	ref := fmt.Sprintf("option:%d", e.OptionID)
	return &ref
}
func (e *TreasurySet) SourceSequence() int64 { return e.AdminSequence }
func (e *TreasurySet) EventTimestamp() time.Time {
	return e.AdminTimestamp
}
