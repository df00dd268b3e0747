package state

import (
	"sort"

	"github.com/google/uuid"
)

// OrderStatus is the settlement state of an (account, market) pair.
type OrderStatus int

const (
	OrderStatusIdle OrderStatus = iota
	OrderStatusPending
	OrderStatusSettled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusIdle:
		return "idle"
	case OrderStatusPending:
		return "pending"
	case OrderStatusSettled:
		return "settled"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a committed, not yet settled trade intent. At most one exists per (account, market).
type Order struct {
	AccountID          uuid.UUID `json:"account_id"`
	MarketID           string    `json:"market_id"`
	SizeDelta          int64     `json:"size_delta"`            // signed, quantity scale
	LimitPrice         int64     `json:"limit_price"`           // price scale
	KeeperFeeBufferUsd int64     `json:"keeper_fee_buffer_usd"` // quote scale
	CommitmentTime     int64     `json:"commitment_time"`       // unix seconds
}

// Age is the number of seconds since commitment.
func (o *Order) Age(now int64) int64 {
	return now - o.CommitmentTime
}

// IsExpired reports whether the order is older than maxAge seconds.
func (o *Order) IsExpired(now, maxAgeSeconds int64) bool {
	return o.Age(now) > maxAgeSeconds
}

// CanonicalBytes returns deterministic serialization for hashing
func (o *Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 56+len(o.MarketID))
	buf = append(buf, o.AccountID[:]...)
	buf = append(buf, byte(len(o.MarketID)))
	buf = append(buf, o.MarketID...)
	buf = appendInt64LE(buf, o.SizeDelta)
	buf = appendInt64LE(buf, o.LimitPrice)
	buf = appendInt64LE(buf, o.KeeperFeeBufferUsd)
	buf = appendInt64LE(buf, o.CommitmentTime)
	return buf
}

// OrderBook holds pending orders keyed by (account, market).
type OrderBook struct {
	orders map[PositionKey]*Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[PositionKey]*Order)}
}

// Get returns a copy of the pending order, or nil when the pair is idle.
func (b *OrderBook) Get(accountID uuid.UUID, marketID string) *Order {
	o := b.orders[PositionKey{AccountID: accountID, MarketID: marketID}]
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

func (b *OrderBook) Status(accountID uuid.UUID, marketID string) OrderStatus {
	if b.Get(accountID, marketID) != nil {
		return OrderStatusPending
	}
	return OrderStatusIdle
}

// Put stores o and returns the order it replaced.
func (b *OrderBook) Put(o *Order) (prev *Order) {
	key := PositionKey{AccountID: o.AccountID, MarketID: o.MarketID}
	prev = b.orders[key]
	cp := *o
	b.orders[key] = &cp
	return prev
}

// Clear removes the order of key and returns it.
func (b *OrderBook) Clear(key PositionKey) (prev *Order) {
	prev = b.orders[key]
	delete(b.orders, key)
	return prev
}

// Restore puts prev back under key, or clears key when prev is nil.
func (b *OrderBook) Restore(key PositionKey, prev *Order) {
	if prev == nil {
		delete(b.orders, key)
		return
	}
	b.orders[key] = prev
}

// All returns pending orders sorted by commitment time, then market and account.
func (b *OrderBook) All() []*Order {
	out := make([]*Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommitmentTime != out[j].CommitmentTime {
			return out[i].CommitmentTime < out[j].CommitmentTime
		}
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].AccountID.String() < out[j].AccountID.String()
	})
	return out
}

// Expired lists orders older than their market's max order age at now.
func (b *OrderBook) Expired(now int64, markets *MarketConfigManager) []*Order {
	var out []*Order
	for _, o := range b.All() {
		cfg, ok := markets.Get(o.MarketID)
		if !ok {
			continue
		}
		if o.IsExpired(now, cfg.MaxOrderAgeSeconds()) {
			out = append(out, o)
		}
	}
	return out
}
