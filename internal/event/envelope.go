package event

import (
	"time"
)

// EventType discriminator for domain events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTransfer
	EventTypeCollateralConfigured
	EventTypeMarketConfigured
	EventTypeOrderCommitted
	EventTypeOrderSettled
	EventTypeOrderExpired
	EventTypePriceUpdated
	EventTypePositionLiquidated
)

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	// Command type name, see command.Type
	CommandType string

	// Market context (nil for global commands)
	MarketID *string

	// Admission timestamp carried by the command (NOT wall-clock at processing)
	Timestamp time.Time

	// JSON-encoded command, replayed on recovery
	Payload []byte

	// Domain events emitted by the command, in order
	Events []Event

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all domain events implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypeTransfer:
		return "Transfer"
	case EventTypeCollateralConfigured:
		return "CollateralConfigured"
	case EventTypeMarketConfigured:
		return "MarketConfigured"
	case EventTypeOrderCommitted:
		return "OrderCommitted"
	case EventTypeOrderSettled:
		return "OrderSettled"
	case EventTypeOrderExpired:
		return "OrderExpired"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}
