// internal/event/settlement.go
package event

import "github.com/google/uuid"

// Transfer records collateral moving between a caller and the margin ledger.
// From/To are either a caller id or a ledger account path.
type Transfer struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	AccountID    uuid.UUID `json:"account_id"`
	Market       string    `json:"market_id"`
	CollateralID string    `json:"collateral_id"`
	Amount       int64     `json:"amount"`
}

func (e *Transfer) EventType() EventType { return EventTypeTransfer }
func (e *Transfer) MarketID() *string    { return &e.Market }

type CollateralConfigured struct {
	Admin uuid.UUID `json:"admin"`
	Count int       `json:"count"`
}

func (e *CollateralConfigured) EventType() EventType { return EventTypeCollateralConfigured }
func (e *CollateralConfigured) MarketID() *string    { return nil }

type MarketConfigured struct {
	Admin        uuid.UUID `json:"admin"`
	Market       string    `json:"market_id"`
	OracleFeedID string    `json:"oracle_feed_id"`
}

func (e *MarketConfigured) EventType() EventType { return EventTypeMarketConfigured }
func (e *MarketConfigured) MarketID() *string    { return &e.Market }

type OrderCommitted struct {
	AccountID          uuid.UUID `json:"account_id"`
	Market             string    `json:"market_id"`
	SizeDelta          int64     `json:"size_delta"`
	LimitPrice         int64     `json:"limit_price"`
	KeeperFeeBufferUsd int64     `json:"keeper_fee_buffer_usd"`
	CommitmentTime     int64     `json:"commitment_time"`
}

func (e *OrderCommitted) EventType() EventType { return EventTypeOrderCommitted }
func (e *OrderCommitted) MarketID() *string    { return &e.Market }

// OrderSettled carries the resulting position and the fee paid to the settling keeper.
type OrderSettled struct {
	AccountID         uuid.UUID `json:"account_id"`
	Market            string    `json:"market_id"`
	Keeper            uuid.UUID `json:"keeper"`
	SizeDelta         int64     `json:"size_delta"`
	FillPrice         int64     `json:"fill_price"`
	PublishTime       int64     `json:"publish_time"`
	NewSize           int64     `json:"new_size"`
	EntryPrice        int64     `json:"entry_price"`
	RealizedPnL       int64     `json:"realized_pnl"`
	KeeperFeeUsd      int64     `json:"keeper_fee_usd"`
	AccumulatedMargin int64     `json:"accumulated_margin"`
}

func (e *OrderSettled) EventType() EventType { return EventTypeOrderSettled }
func (e *OrderSettled) MarketID() *string    { return &e.Market }

type OrderExpired struct {
	AccountID      uuid.UUID `json:"account_id"`
	Market         string    `json:"market_id"`
	SizeDelta      int64     `json:"size_delta"`
	CommitmentTime int64     `json:"commitment_time"`
	CancelledBy    uuid.UUID `json:"cancelled_by"`
}

func (e *OrderExpired) EventType() EventType { return EventTypeOrderExpired }
func (e *OrderExpired) MarketID() *string    { return &e.Market }

type PriceUpdated struct {
	FeedID      string `json:"feed_id"`
	Price       int64  `json:"price"`
	PublishTime int64  `json:"publish_time"`
}

func (e *PriceUpdated) EventType() EventType { return EventTypePriceUpdated }
func (e *PriceUpdated) MarketID() *string    { return nil }

// CollateralMovement is an amount of one collateral.
type CollateralMovement struct {
	CollateralID string `json:"collateral_id"`
	Amount       int64  `json:"amount"`
}

type PositionLiquidated struct {
	AccountID       uuid.UUID            `json:"account_id"`
	Market          string               `json:"market_id"`
	Keeper          uuid.UUID            `json:"keeper"`
	Size            int64                `json:"size"`
	Price           int64                `json:"price"`
	RealizedPnL     int64                `json:"realized_pnl"`
	KeeperRewardUsd int64                `json:"keeper_reward_usd"`
	Rewards         []CollateralMovement `json:"rewards"`
	Seized          []CollateralMovement `json:"seized"`
	DeficitUsd      int64                `json:"deficit_usd"`
}

func (e *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (e *PositionLiquidated) MarketID() *string    { return &e.Market }
