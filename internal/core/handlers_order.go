package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

func (c *SettlementCore) handleCommitOrder(tx *txn, cmd *command.CommitOrder) error {
	if _, err := c.market(cmd.Market); err != nil {
		return err
	}
	if err := c.requireOwner(cmd.CallerID, cmd.AccountID); err != nil {
		return err
	}
	if existing := c.orders.Get(cmd.AccountID, cmd.Market); existing != nil {
		return fmt.Errorf("%w: committed at %d", errs.ErrOrderFound, existing.CommitmentTime)
	}
	if cmd.SizeDelta == 0 {
		return errs.ErrZeroSizeDelta
	}
	if cmd.LimitPrice <= 0 || cmd.KeeperFeeBufferUsd < 0 {
		return fmt.Errorf("%w: limit_price=%d keeper_fee_buffer=%d", errs.ErrInvalidOrder, cmd.LimitPrice, cmd.KeeperFeeBufferUsd)
	}

	order := &state.Order{
		AccountID:          cmd.AccountID,
		MarketID:           cmd.Market,
		SizeDelta:          cmd.SizeDelta,
		LimitPrice:         cmd.LimitPrice,
		KeeperFeeBufferUsd: cmd.KeeperFeeBufferUsd,
		CommitmentTime:     command.Now(cmd),
	}
	tx.putOrder(order)
	tx.emit(&event.OrderCommitted{
		AccountID:          order.AccountID,
		Market:             order.MarketID,
		SizeDelta:          order.SizeDelta,
		LimitPrice:         order.LimitPrice,
		KeeperFeeBufferUsd: order.KeeperFeeBufferUsd,
		CommitmentTime:     order.CommitmentTime,
	})

	if c.metrics != nil {
		c.metrics.OrdersCommitted.WithLabelValues(cmd.Market).Inc()
	}
	return nil
}

// settlementFee is min(buffer, SettlementRewardUsd + notional(|sizeDelta|, fill) * SettlementRewardRatio).
func settlementFee(cfg *state.MarketConfig, order *state.Order, fillPrice int64) (int64, error) {
	notional := fpmath.ComputeNotional(order.SizeDelta, fillPrice)
	fee, err := fpmath.CheckedAdd(cfg.SettlementRewardUsd, fpmath.ApplyFraction(notional, cfg.SettlementRewardRatio, fpmath.RoundUp))
	if err != nil {
		return 0, err
	}
	return min(fee, order.KeeperFeeBufferUsd), nil
}

func (c *SettlementCore) handleSettleOrder(tx *txn, cmd *command.SettleOrder) error {
	cfg, err := c.market(cmd.Market)
	if err != nil {
		return err
	}
	order := c.orders.Get(cmd.AccountID, cmd.Market)
	if order == nil {
		return fmt.Errorf("%w: account %s market %s", errs.ErrOrderNotFound, cmd.AccountID, cmd.Market)
	}

	now := command.Now(cmd)
	if now < order.CommitmentTime+cfg.MinOrderAgeSeconds() {
		return fmt.Errorf("%w: now=%d settleable_at=%d", errs.ErrOrderTooEarly, now, order.CommitmentTime+cfg.MinOrderAgeSeconds())
	}
	if order.IsExpired(now, cfg.MaxOrderAgeSeconds()) {
		return fmt.Errorf("%w: now=%d expired_after=%d", errs.ErrOrderExpired, now, order.CommitmentTime+cfg.MaxOrderAgeSeconds())
	}

	price, err := c.oracle.ValidateAndExtractUpdate(cfg.OracleFeedID, cmd.PriceUpdate, now,
		oracle.SettlementWindow(now, cfg.PythPublishTimeMin, cfg.PythPublishTimeMax))
	if err != nil {
		return err
	}
	fill := price.Value
	if (order.SizeDelta > 0 && fill > order.LimitPrice) || (order.SizeDelta < 0 && fill < order.LimitPrice) {
		return fmt.Errorf("%w: fill=%d limit=%d size_delta=%d", errs.ErrLimitPriceExceeded, fill, order.LimitPrice, order.SizeDelta)
	}
	if tx.recordPrice(price) && c.metrics != nil {
		c.metrics.OraclePublishTime.WithLabelValues(price.FeedID).Set(float64(price.PublishTime))
	}

	// Position update
	pos := c.positions.Get(cmd.AccountID, cmd.Market)
	if pos == nil {
		pos = &state.Position{AccountID: cmd.AccountID, MarketID: cmd.Market}
	}
	prevSize := pos.Size
	fillResult, err := state.ComputeFill(pos.Size, pos.EntryPrice, order.SizeDelta, fill)
	if err != nil {
		return err
	}
	if pos.AccumulatedMargin, err = fpmath.CheckedAdd(pos.AccumulatedMargin, fillResult.RealizedPnL); err != nil {
		return err
	}
	pos.Size = fillResult.Size
	pos.EntryPrice = fillResult.EntryPrice
	pos.LastSettledAt = now
	pos.Version++

	// Keeper fee, drawn from collateral in registry order
	fee, err := settlementFee(cfg, order, fill)
	if err != nil {
		return err
	}
	var draws []state.CollateralAmount
	if fee > 0 {
		hs, err := c.holdings(cmd.AccountID, cmd.Market, now)
		if err != nil {
			return err
		}
		var covered int64
		draws, covered = state.DrawUsd(hs, fee)
		if covered < fee {
			return fmt.Errorf("%w: collateral covers %d of keeper fee %d", errs.ErrInsufficientMargin, covered, fee)
		}
		for _, d := range draws {
			c.journalGen.KeeperFee(tx.batch, cmd.AccountID, cmd.Market, cmd.CallerID, d.CollateralID, d.Amount)
		}
		if err := tx.flush(); err != nil {
			return err
		}
	}

	// Post-settlement margin
	margin, status, err := c.evaluate(cfg, pos, fill, now)
	if err != nil {
		return err
	}
	increased := fillResult.Action == state.FillOpen ||
		fillResult.Action == state.FillIncrease ||
		fillResult.Action == state.FillFlip
	if status == state.MarginStatusLiquidatable ||
		(increased && status == state.MarginStatusBelowInitial) {
		return fmt.Errorf("%w: margin %d is %s for size %d at %d (was %d)",
			errs.ErrInsufficientMargin, margin, status, pos.Size, fill, prevSize)
	}

	tx.putPosition(pos)
	tx.clearOrder(state.PositionKey{AccountID: cmd.AccountID, MarketID: cmd.Market})
	tx.emit(&event.OrderSettled{
		AccountID:         cmd.AccountID,
		Market:            cmd.Market,
		Keeper:            cmd.CallerID,
		SizeDelta:         order.SizeDelta,
		FillPrice:         fill,
		PublishTime:       price.PublishTime,
		NewSize:           pos.Size,
		EntryPrice:        pos.EntryPrice,
		RealizedPnL:       fillResult.RealizedPnL,
		KeeperFeeUsd:      fee,
		AccumulatedMargin: pos.AccumulatedMargin,
	})
	if err := c.payKeeper(tx, cmd.Market, cmd.CallerID, draws); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.OrdersSettled.WithLabelValues(cmd.Market).Inc()
		c.metrics.KeeperFeesUsd.WithLabelValues(cmd.Market).Add(float64(fee))
	}
	return nil
}

// handleCancelOrder clears an order that can no longer settle. Anyone may call it.
func (c *SettlementCore) handleCancelOrder(tx *txn, cmd *command.CancelOrder) error {
	cfg, err := c.market(cmd.Market)
	if err != nil {
		return err
	}
	order := c.orders.Get(cmd.AccountID, cmd.Market)
	if order == nil {
		return fmt.Errorf("%w: account %s market %s", errs.ErrOrderNotFound, cmd.AccountID, cmd.Market)
	}
	now := command.Now(cmd)
	if !order.IsExpired(now, cfg.MaxOrderAgeSeconds()) {
		return fmt.Errorf("%w: age %ds, max %ds", errs.ErrOrderNotExpired, order.Age(now), cfg.MaxOrderAgeSeconds())
	}

	tx.clearOrder(state.PositionKey{AccountID: cmd.AccountID, MarketID: cmd.Market})
	tx.emit(&event.OrderExpired{
		AccountID:      order.AccountID,
		Market:         order.MarketID,
		SizeDelta:      order.SizeDelta,
		CommitmentTime: order.CommitmentTime,
		CancelledBy:    cmd.CallerID,
	})

	if c.metrics != nil {
		c.metrics.OrdersExpired.WithLabelValues(cmd.Market).Inc()
	}
	return nil
}

// handleLiquidatePosition closes a liquidatable position at the oracle price. The keeper is paid
// min(premium, margin) in collateral and everything left goes to the market insurance fund.
func (c *SettlementCore) handleLiquidatePosition(tx *txn, cmd *command.LiquidatePosition) error {
	cfg, err := c.market(cmd.Market)
	if err != nil {
		return err
	}
	pos := c.positions.Get(cmd.AccountID, cmd.Market)
	if pos == nil || pos.IsFlat() {
		return fmt.Errorf("%w: account %s market %s", errs.ErrPositionNotFound, cmd.AccountID, cmd.Market)
	}

	now := command.Now(cmd)
	price, err := c.markPrice(cfg, now)
	if err != nil {
		return err
	}
	hs, err := c.holdings(cmd.AccountID, cmd.Market, now)
	if err != nil {
		return err
	}
	margin, err := state.MarginUsd(hs, pos, price)
	if err != nil {
		return err
	}
	liquidatable, err := state.IsLiquidatable(margin, pos.Size, price, cfg)
	if err != nil {
		return err
	}
	if !liquidatable {
		return fmt.Errorf("%w: margin %d at price %d", errs.ErrNotLiquidatable, margin, price)
	}
	req, err := state.GetLiquidationMarginUsd(pos.Size, price, cfg)
	if err != nil {
		return err
	}

	plan := state.PlanLiquidation(hs, margin, req.PremiumUsd)
	for _, r := range plan.Rewards {
		c.journalGen.LiquidationReward(tx.batch, cmd.AccountID, cmd.Market, cmd.CallerID, r.CollateralID, r.Amount)
	}
	for _, s := range plan.Seized {
		c.journalGen.LiquidationSeizure(tx.batch, cmd.AccountID, cmd.Market, s.CollateralID, s.Amount)
	}
	if err := tx.flush(); err != nil {
		return err
	}

	key := state.PositionKey{AccountID: cmd.AccountID, MarketID: cmd.Market}
	tx.putPosition(&state.Position{
		AccountID:     cmd.AccountID,
		MarketID:      cmd.Market,
		LastSettledAt: now,
		Version:       pos.Version + 1,
	})

	if order := c.orders.Get(cmd.AccountID, cmd.Market); order != nil {
		tx.clearOrder(key)
		tx.emit(&event.OrderExpired{
			AccountID:      order.AccountID,
			Market:         order.MarketID,
			SizeDelta:      order.SizeDelta,
			CommitmentTime: order.CommitmentTime,
			CancelledBy:    cmd.CallerID,
		})
	}

	tx.emit(&event.PositionLiquidated{
		AccountID:       cmd.AccountID,
		Market:          cmd.Market,
		Keeper:          cmd.CallerID,
		Size:            pos.Size,
		Price:           price,
		RealizedPnL:     fpmath.ComputeUnrealizedPnL(pos.Size, pos.EntryPrice, price),
		KeeperRewardUsd: plan.RewardUsd,
		Rewards:         movements(plan.Rewards),
		Seized:          movements(plan.Seized),
		DeficitUsd:      plan.DeficitUsd,
	})
	if err := c.payKeeper(tx, cmd.Market, cmd.CallerID, plan.Rewards); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.LiquidationsTotal.WithLabelValues(cmd.Market).Inc()
		if plan.DeficitUsd > 0 {
			c.metrics.LiquidationDeficit.WithLabelValues(cmd.Market).Add(float64(plan.DeficitUsd))
		}
	}
	return nil
}

// payKeeper releases what a command credited to the keeper's rewards account: the ledger entry is
// drained to custody, then the market pool pays the keeper's wallet.
func (c *SettlementCore) payKeeper(tx *txn, marketID string, keeperID uuid.UUID, amounts []state.CollateralAmount) error {
	if len(amounts) == 0 {
		return nil
	}
	for _, a := range amounts {
		c.journalGen.KeeperPayout(tx.batch, marketID, keeperID, a.CollateralID, a.Amount)
	}
	if err := tx.flush(); err != nil {
		return err
	}

	for _, a := range amounts {
		a := a
		if err := tx.external("WithdrawMarketCollateral",
			func(ctx context.Context) error {
				return c.custody.WithdrawMarketCollateral(ctx, marketID, a.CollateralID, a.Amount)
			},
			func(ctx context.Context) error {
				return c.custody.DepositMarketCollateral(ctx, marketID, a.CollateralID, a.Amount)
			}); err != nil {
			return err
		}
		if err := tx.external("PushToCaller",
			func(ctx context.Context) error {
				return c.custody.PushToCaller(ctx, keeperID, a.CollateralID, a.Amount)
			},
			func(ctx context.Context) error {
				return c.custody.PullFromCaller(ctx, keeperID, a.CollateralID, a.Amount)
			}); err != nil {
			return err
		}
	}
	return nil
}

func movements(in []state.CollateralAmount) []event.CollateralMovement {
	out := make([]event.CollateralMovement, len(in))
	for i, a := range in {
		out[i] = event.CollateralMovement{CollateralID: a.CollateralID, Amount: a.Amount}
	}
	return out
}

// handleUpdatePrice records a valuation price. Updates older than the stored one are accepted and
// change nothing.
func (c *SettlementCore) handleUpdatePrice(tx *txn, cmd *command.UpdatePrice) error {
	if !c.feedConfigured(cmd.FeedID) {
		return fmt.Errorf("%w: feed %q is not used by any market or collateral", errs.ErrInvalidPriceUpdate, cmd.FeedID)
	}
	now := command.Now(cmd)
	w := oracle.Window{Earliest: math.MinInt64, Latest: now}
	if maxAge := c.oracle.MaxValuationAge(); maxAge > 0 {
		w.Earliest = now - int64(maxAge/time.Second)
	}

	price, err := c.oracle.ValidateAndExtractUpdate(cmd.FeedID, cmd.PriceUpdate, now, w)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PriceUpdates.WithLabelValues(cmd.FeedID, "rejected").Inc()
		}
		return err
	}

	result := "ignored"
	if tx.recordPrice(price) {
		result = "recorded"
		tx.emit(&event.PriceUpdated{FeedID: price.FeedID, Price: price.Value, PublishTime: price.PublishTime})
	}
	if c.metrics != nil {
		c.metrics.PriceUpdates.WithLabelValues(cmd.FeedID, result).Inc()
		if result == "recorded" {
			c.metrics.OraclePublishTime.WithLabelValues(price.FeedID).Set(float64(price.PublishTime))
		}
	}
	return nil
}

func (c *SettlementCore) feedConfigured(feedID string) bool {
	if feedID == "" {
		return false
	}
	for _, cfg := range c.markets.All() {
		if cfg.OracleFeedID == feedID {
			return true
		}
	}
	for _, ct := range c.collaterals.List() {
		if ct.OracleFeedID == feedID {
			return true
		}
	}
	return false
}
