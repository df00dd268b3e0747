// Package command defines the inputs accepted by the settlement core.
package command

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeTransferCollateral
	TypeCommitOrder
	TypeSettleOrder
	TypeCancelOrder
	TypeLiquidatePosition
	TypeUpdatePrice
	TypeSetCollateralConfiguration
	TypeSetMarketConfiguration
)

var typeNames = map[Type]string{
	TypeTransferCollateral:         "TransferCollateral",
	TypeCommitOrder:                "CommitOrder",
	TypeSettleOrder:                "SettleOrder",
	TypeCancelOrder:                "CancelOrder",
	TypeLiquidatePosition:          "LiquidatePosition",
	TypeUpdatePrice:                "UpdatePrice",
	TypeSetCollateralConfiguration: "SetCollateralConfiguration",
	TypeSetMarketConfiguration:     "SetMarketConfiguration",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() Type

	// MarketID returns the market context (nil for global commands)
	MarketID() *string

	// Caller returns the authenticated identity submitting the command
	Caller() uuid.UUID

	// Timestamp returns the admission time in unix microseconds
	Timestamp() int64

	// Stamp sets the admission time if it is unset
	Stamp(at time.Time)
}

// Base carries the fields shared by every command.
type Base struct {
	ID       uuid.UUID `json:"id"`
	CallerID uuid.UUID `json:"caller_id"`
	At       int64     `json:"at"` // unix microseconds, assigned on admission
}

func (b *Base) IdempotencyKey() string { return b.ID.String() }
func (b *Base) Caller() uuid.UUID      { return b.CallerID }
func (b *Base) Timestamp() int64       { return b.At }

func (b *Base) Stamp(at time.Time) {
	if b.At == 0 {
		b.At = at.UnixMicro()
	}
}

// Now returns the admission time in unix seconds, the clock orders and prices are checked against.
func Now(c Command) int64 {
	return c.Timestamp() / int64(time.Second/time.Microsecond)
}
