package command

import (
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// TransferCollateral deposits (AmountDelta > 0) or withdraws (AmountDelta < 0) margin.
type TransferCollateral struct {
	Base
	AccountID    uuid.UUID `json:"account_id"`
	Market       string    `json:"market_id"`
	CollateralID string    `json:"collateral_id"`
	AmountDelta  int64     `json:"amount_delta"` // quote scale
}

func (c *TransferCollateral) CommandType() Type { return TypeTransferCollateral }
func (c *TransferCollateral) MarketID() *string { return &c.Market }

// CommitOrder records a pending order.
type CommitOrder struct {
	Base
	AccountID          uuid.UUID `json:"account_id"`
	Market             string    `json:"market_id"`
	SizeDelta          int64     `json:"size_delta"`
	LimitPrice         int64     `json:"limit_price"`
	KeeperFeeBufferUsd int64     `json:"keeper_fee_buffer_usd"`
}

func (c *CommitOrder) CommandType() Type { return TypeCommitOrder }
func (c *CommitOrder) MarketID() *string { return &c.Market }

// SettleOrder executes a pending order against a signed price update. The caller is the keeper.
type SettleOrder struct {
	Base
	AccountID   uuid.UUID `json:"account_id"`
	Market      string    `json:"market_id"`
	PriceUpdate []byte    `json:"price_update"`
}

func (c *SettleOrder) CommandType() Type { return TypeSettleOrder }
func (c *SettleOrder) MarketID() *string { return &c.Market }

// CancelOrder clears an expired pending order.
type CancelOrder struct {
	Base
	AccountID uuid.UUID `json:"account_id"`
	Market    string    `json:"market_id"`
}

func (c *CancelOrder) CommandType() Type { return TypeCancelOrder }
func (c *CancelOrder) MarketID() *string { return &c.Market }

// LiquidatePosition closes a liquidatable position. The caller is the keeper.
type LiquidatePosition struct {
	Base
	AccountID uuid.UUID `json:"account_id"`
	Market    string    `json:"market_id"`
}

func (c *LiquidatePosition) CommandType() Type { return TypeLiquidatePosition }
func (c *LiquidatePosition) MarketID() *string { return &c.Market }

// UpdatePrice feeds a signed valuation price for a feed.
type UpdatePrice struct {
	Base
	FeedID      string `json:"feed_id"`
	PriceUpdate []byte `json:"price_update"`
}

func (c *UpdatePrice) CommandType() Type { return TypeUpdatePrice }
func (c *UpdatePrice) MarketID() *string { return nil }

// SetCollateralConfiguration replaces the collateral whitelist.
type SetCollateralConfiguration struct {
	Base
	Collaterals []state.CollateralType `json:"collaterals"`
}

func (c *SetCollateralConfiguration) CommandType() Type { return TypeSetCollateralConfiguration }
func (c *SetCollateralConfiguration) MarketID() *string { return nil }

// SetMarketConfiguration creates or replaces a market's parameters.
type SetMarketConfiguration struct {
	Base
	Config state.MarketConfig `json:"config"`
}

func (c *SetMarketConfiguration) CommandType() Type { return TypeSetMarketConfiguration }
func (c *SetMarketConfiguration) MarketID() *string { return &c.Config.MarketID }
