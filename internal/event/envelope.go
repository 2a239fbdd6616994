package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderMatched
	EventTypeMakerRebated
	EventTypeReferralRebated
	EventTypeLiquidationPenaltyCollected
	EventTypeSignerRegistered
	EventTypeSignerRemoved
	EventTypeDeposited
	EventTypeWithdrawSucceeded
	EventTypeWithdrawFailed
	EventTypeSwapSucceeded
	EventTypeSwapFailed
	EventTypeInsuranceDeposited
	EventTypeInsuranceWithdrawn
	EventTypeLossCovered
	EventTypeFundingRateUpdated
	EventTypeFeesClaimed
	EventTypeEngineFlagsChanged
)

var eventTypeNames = map[EventType]string{
	EventTypeOrderMatched:                "OrderMatched",
	EventTypeMakerRebated:                "MakerRebated",
	EventTypeReferralRebated:             "ReferralRebated",
	EventTypeLiquidationPenaltyCollected: "LiquidationPenaltyCollected",
	EventTypeSignerRegistered:            "SignerRegistered",
	EventTypeSignerRemoved:               "SignerRemoved",
	EventTypeDeposited:                   "Deposited",
	EventTypeWithdrawSucceeded:           "WithdrawSucceeded",
	EventTypeWithdrawFailed:              "WithdrawFailed",
	EventTypeSwapSucceeded:               "SwapSucceeded",
	EventTypeSwapFailed:                  "SwapFailed",
	EventTypeInsuranceDeposited:          "InsuranceDeposited",
	EventTypeInsuranceWithdrawn:          "InsuranceWithdrawn",
	EventTypeLossCovered:                 "LossCovered",
	EventTypeFundingRateUpdated:          "FundingRateUpdated",
	EventTypeFeesClaimed:                 "FeesClaimed",
	EventTypeEngineFlagsChanged:          "EngineFlagsChanged",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// TxID returns the transaction counter value of the operation that
	// produced the event
	TxID() uint32
}

// Base carries the fields shared by every event.
type Base struct {
	Tx uint32 `json:"tx_id"`
}

func (b Base) TxID() uint32 { return b.Tx }

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Command (batch or standalone call) that produced the event
	BatchID uuid.UUID `json:"batch_id"`

	TxID      uint32    `json:"tx_id"`
	EventType EventType `json:"event_type"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 of state AFTER applying the command
	StateHash [32]byte `json:"state_hash"`
}

// Wrap encodes an event into an envelope.
func Wrap(seq int64, batchID uuid.UUID, evt Event, stateHash [32]byte) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		Sequence:  seq,
		BatchID:   batchID,
		TxID:      evt.TxID(),
		EventType: evt.EventType(),
		Payload:   payload,
		StateHash: stateHash,
	}, nil
}
