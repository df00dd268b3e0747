package api

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// CommandResponse reports an accepted command.
type CommandResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	Duplicate bool           `json:"duplicate"`
	Events    []event.Record `json:"events"`
}

func NewCommandResponse(res *core.Result) (*CommandResponse, error) {
	records, err := event.EncodeAll(res.Events)
	if err != nil {
		return nil, err
	}
	return &CommandResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
		Events:    records,
	}, nil
}

type CollateralsResponse struct {
	Collaterals []Collateral `json:"collaterals"`
}

func NewCollateralsResponse(cts []state.CollateralType) *CollateralsResponse {
	out := &CollateralsResponse{Collaterals: make([]Collateral, 0, len(cts))}
	for _, ct := range cts {
		out.Collaterals = append(out.Collaterals, Collateral{
			CollateralID: ct.ID,
			OracleFeedID: ct.OracleFeedID,
			MaxAllowable: fpmath.FormatAmount(ct.MaxAllowable, fpmath.QuoteConfig),
		})
	}
	return out
}

func NewMarketConfiguration(cfg *state.MarketConfig) MarketConfiguration {
	return MarketConfiguration{
		MarketID:                 cfg.MarketID,
		OracleFeedID:             cfg.OracleFeedID,
		MinOrderAge:              cfg.MinOrderAge.String(),
		MaxOrderAge:              cfg.MaxOrderAge.String(),
		PythPublishTimeMin:       cfg.PythPublishTimeMin.String(),
		PythPublishTimeMax:       cfg.PythPublishTimeMax.String(),
		InitialMarginRatio:       fpmath.FormatAmount(cfg.InitialMarginRatio, RatioConfig),
		MaintenanceMarginRatio:   fpmath.FormatAmount(cfg.MaintenanceMarginRatio, RatioConfig),
		LiquidationPremiumRatio:  fpmath.FormatAmount(cfg.LiquidationPremiumRatio, RatioConfig),
		MinimumPositionMarginUsd: fpmath.FormatAmount(cfg.MinimumPositionMarginUsd, fpmath.QuoteConfig),
		SettlementRewardUsd:      fpmath.FormatAmount(cfg.SettlementRewardUsd, fpmath.QuoteConfig),
		SettlementRewardRatio:    fpmath.FormatAmount(cfg.SettlementRewardRatio, RatioConfig),
	}
}

type NotionalResponse struct {
	AccountID   string `json:"account_id"`
	MarketID    string `json:"market_id"`
	NotionalUsd string `json:"notional_usd"`
}

func NewNotionalResponse(accountID uuid.UUID, marketID string, notionalUsd int64) *NotionalResponse {
	return &NotionalResponse{
		AccountID:   accountID.String(),
		MarketID:    marketID,
		NotionalUsd: fpmath.FormatAmount(notionalUsd, fpmath.QuoteConfig),
	}
}

type Position struct {
	AccountID         string `json:"account_id"`
	MarketID          string `json:"market_id"`
	Size              string `json:"size"`
	EntryPrice        string `json:"entry_price"`
	AccumulatedMargin string `json:"accumulated_margin"`
	LastSettledAt     int64  `json:"last_settled_at"`
}

func NewPosition(p *state.Position) *Position {
	if p == nil {
		return nil
	}
	return &Position{
		AccountID:         p.AccountID.String(),
		MarketID:          p.MarketID,
		Size:              fpmath.FormatAmount(p.Size, fpmath.QuantityConfig),
		EntryPrice:        fpmath.FormatAmount(p.EntryPrice, fpmath.PriceConfig),
		AccumulatedMargin: fpmath.FormatAmount(p.AccumulatedMargin, fpmath.QuoteConfig),
		LastSettledAt:     p.LastSettledAt,
	}
}

type Order struct {
	AccountID       string    `json:"account_id"`
	MarketID        string    `json:"market_id"`
	SizeDelta       string    `json:"size_delta"`
	LimitPrice      string    `json:"limit_price"`
	KeeperFeeBuffer string    `json:"keeper_fee_buffer"`
	CommitmentTime  time.Time `json:"commitment_time"`
}

func NewOrder(o *state.Order) *Order {
	if o == nil {
		return nil
	}
	return &Order{
		AccountID:       o.AccountID.String(),
		MarketID:        o.MarketID,
		SizeDelta:       fpmath.FormatAmount(o.SizeDelta, fpmath.QuantityConfig),
		LimitPrice:      fpmath.FormatAmount(o.LimitPrice, fpmath.PriceConfig),
		KeeperFeeBuffer: fpmath.FormatAmount(o.KeeperFeeBufferUsd, fpmath.QuoteConfig),
		CommitmentTime:  time.Unix(o.CommitmentTime, 0).UTC(),
	}
}

type Holding struct {
	CollateralID string `json:"collateral_id"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
}

type MarginSummary struct {
	AccountID          string    `json:"account_id"`
	MarketID           string    `json:"market_id"`
	Holdings           []Holding `json:"holdings"`
	CollateralValueUsd string    `json:"collateral_value_usd"`
	Position           *Position `json:"position,omitempty"`
	Price              string    `json:"price"`
	MarginUsd          string    `json:"margin_usd"`
	NotionalUsd        string    `json:"notional_usd"`
	InitialMarginUsd   string    `json:"initial_margin_usd"`
	MaintenanceUsd     string    `json:"maintenance_margin_usd"`
	LiquidationPremium string    `json:"liquidation_premium_usd"`
	Status             string    `json:"status"`
	PendingOrder       *Order    `json:"pending_order,omitempty"`
}

func NewMarginSummary(s *core.MarginSummary) *MarginSummary {
	out := &MarginSummary{
		AccountID:          s.AccountID.String(),
		MarketID:           s.MarketID,
		Holdings:           make([]Holding, 0, len(s.Holdings)),
		CollateralValueUsd: fpmath.FormatAmount(s.CollateralValueUsd, fpmath.QuoteConfig),
		Position:           NewPosition(s.Position),
		Price:              fpmath.FormatAmount(s.Price, fpmath.PriceConfig),
		MarginUsd:          fpmath.FormatAmount(s.MarginUsd, fpmath.QuoteConfig),
		NotionalUsd:        fpmath.FormatAmount(s.NotionalUsd, fpmath.QuoteConfig),
		InitialMarginUsd:   fpmath.FormatAmount(s.Requirements.InitialUsd, fpmath.QuoteConfig),
		MaintenanceUsd:     fpmath.FormatAmount(s.Requirements.MaintenanceUsd, fpmath.QuoteConfig),
		LiquidationPremium: fpmath.FormatAmount(s.Requirements.PremiumUsd, fpmath.QuoteConfig),
		Status:             s.Status,
		PendingOrder:       NewOrder(s.PendingOrder),
	}
	for _, h := range s.Holdings {
		out.Holdings = append(out.Holdings, Holding{
			CollateralID: h.CollateralID,
			Amount:       fpmath.FormatAmount(h.Amount, fpmath.QuoteConfig),
			Price:        fpmath.FormatAmount(h.Price, fpmath.PriceConfig),
		})
	}
	return out
}

// AccountMarketRequest addresses the read queries of one (account, market).
type AccountMarketRequest struct {
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
}

// Account validates the account id.
func (r *AccountMarketRequest) Account() (uuid.UUID, error) {
	return parseUUID("account_id", r.AccountID)
}

type MarketRequest struct {
	MarketID string `json:"market_id"`
}

type Empty struct{}
