// internal/state/position.go
package state

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// Position represents an account's net exposure in a market
type Position struct {
	AccountID         uuid.UUID `json:"account_id"`
	MarketID          string    `json:"market_id"`
	Size              int64     `json:"size"`               // signed, quantity scale
	EntryPrice        int64     `json:"entry_price"`        // price scale
	AccumulatedMargin int64     `json:"accumulated_margin"` // signed, quote scale: realized PnL less uncovered fees
	LastSettledAt     int64     `json:"last_settled_at"`    // unix seconds
	Version           int64     `json:"version"`
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p == nil || p.Size == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int64 {
	if p == nil {
		return 0
	}
	return fpmath.Sign(p.Size)
}

// Empty reports whether the record carries nothing worth keeping.
func (p *Position) Empty() bool {
	return p.Size == 0 && p.AccumulatedMargin == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(p.MarketID))

	buf = append(buf, p.AccountID[:]...)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, p.MarketID...)
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.AccumulatedMargin)
	buf = appendInt64LE(buf, p.LastSettledAt)
	buf = appendInt64LE(buf, p.Version)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
