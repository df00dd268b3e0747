// Package api holds the wire forms of commands and query results shared by the gRPC, HTTP and
// NATS surfaces. Amounts, sizes, prices and ratios travel as decimal strings.
package api

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RatioConfig parses ratios such as "0.05" into fpmath.FractionScale.
var RatioConfig = fpmath.DecimalConfig{DecimalPrecision: 6, Scale: fpmath.FractionScale}

// Request is a command in wire form.
type Request interface {
	ToCommand(caller uuid.UUID) (command.Command, error)
}

type TransferCollateralRequest struct {
	CommandID    string `json:"command_id"`
	AccountID    string `json:"account_id"`
	MarketID     string `json:"market_id"`
	CollateralID string `json:"collateral_id"`
	AmountDelta  string `json:"amount_delta"`
}

type CommitOrderRequest struct {
	CommandID       string `json:"command_id"`
	AccountID       string `json:"account_id"`
	MarketID        string `json:"market_id"`
	SizeDelta       string `json:"size_delta"`
	LimitPrice      string `json:"limit_price"`
	KeeperFeeBuffer string `json:"keeper_fee_buffer"`
}

type SettleOrderRequest struct {
	CommandID   string `json:"command_id"`
	AccountID   string `json:"account_id"`
	MarketID    string `json:"market_id"`
	PriceUpdate []byte `json:"price_update"` // base64 in JSON
}

type CancelOrderRequest struct {
	CommandID string `json:"command_id"`
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
}

type LiquidatePositionRequest struct {
	CommandID string `json:"command_id"`
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
}

type UpdatePriceRequest struct {
	CommandID   string `json:"command_id"`
	FeedID      string `json:"feed_id"`
	PriceUpdate []byte `json:"price_update"`
}

type Collateral struct {
	CollateralID string `json:"collateral_id"`
	OracleFeedID string `json:"oracle_feed_id,omitempty"`
	MaxAllowable string `json:"max_allowable"`
}

type SetCollateralConfigurationRequest struct {
	CommandID   string       `json:"command_id"`
	Collaterals []Collateral `json:"collaterals"`
}

// MarketConfiguration is a market's parameters. Durations use Go syntax ("2s", "1m").
type MarketConfiguration struct {
	MarketID                 string `json:"market_id"`
	OracleFeedID             string `json:"oracle_feed_id"`
	MinOrderAge              string `json:"min_order_age"`
	MaxOrderAge              string `json:"max_order_age"`
	PythPublishTimeMin       string `json:"pyth_publish_time_min"`
	PythPublishTimeMax       string `json:"pyth_publish_time_max"`
	InitialMarginRatio       string `json:"initial_margin_ratio"`
	MaintenanceMarginRatio   string `json:"maintenance_margin_ratio"`
	LiquidationPremiumRatio  string `json:"liquidation_premium_ratio"`
	MinimumPositionMarginUsd string `json:"minimum_position_margin_usd"`
	SettlementRewardUsd      string `json:"settlement_reward_usd"`
	SettlementRewardRatio    string `json:"settlement_reward_ratio"`
}

type SetMarketConfigurationRequest struct {
	CommandID string              `json:"command_id"`
	Config    MarketConfiguration `json:"config"`
}

// NewRequest returns an empty request for a command type name.
func NewRequest(commandType string) (Request, error) {
	t, ok := command.ParseType(commandType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", errs.ErrInvalidRequest, commandType)
	}
	switch t {
	case command.TypeTransferCollateral:
		return &TransferCollateralRequest{}, nil
	case command.TypeCommitOrder:
		return &CommitOrderRequest{}, nil
	case command.TypeSettleOrder:
		return &SettleOrderRequest{}, nil
	case command.TypeCancelOrder:
		return &CancelOrderRequest{}, nil
	case command.TypeLiquidatePosition:
		return &LiquidatePositionRequest{}, nil
	case command.TypeUpdatePrice:
		return &UpdatePriceRequest{}, nil
	case command.TypeSetCollateralConfiguration:
		return &SetCollateralConfigurationRequest{}, nil
	default:
		return &SetMarketConfigurationRequest{}, nil
	}
}

// DecodeCommand parses a JSON request of commandType submitted by caller.
func DecodeCommand(commandType string, data []byte, caller uuid.UUID) (command.Command, error) {
	req, err := NewRequest(commandType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", errs.ErrInvalidRequest, commandType, err)
	}
	return req.ToCommand(caller)
}

// --- field parsing ---

func invalid(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrInvalidRequest, field, err)
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, invalid(field, err)
	}
	return id, nil
}

func base(commandID string, caller uuid.UUID) (command.Base, error) {
	id, err := parseUUID("command_id", commandID)
	if err != nil {
		return command.Base{}, err
	}
	return command.Base{ID: id, CallerID: caller}, nil
}

// parseAmount treats an empty string as zero.
func parseAmount(field, s string, cfg fpmath.DecimalConfig) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := fpmath.ParseAmount(s, cfg)
	if err != nil {
		return 0, invalid(field, err)
	}
	return v, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid(field, err)
	}
	return d, nil
}

// --- conversions ---

func (r *TransferCollateralRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	account, err := parseUUID("account_id", r.AccountID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount_delta", r.AmountDelta, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	return &command.TransferCollateral{
		Base:         b,
		AccountID:    account,
		Market:       r.MarketID,
		CollateralID: r.CollateralID,
		AmountDelta:  amount,
	}, nil
}

func (r *CommitOrderRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	account, err := parseUUID("account_id", r.AccountID)
	if err != nil {
		return nil, err
	}
	size, err := parseAmount("size_delta", r.SizeDelta, fpmath.QuantityConfig)
	if err != nil {
		return nil, err
	}
	limit, err := parseAmount("limit_price", r.LimitPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, err
	}
	buffer, err := parseAmount("keeper_fee_buffer", r.KeeperFeeBuffer, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	return &command.CommitOrder{
		Base:               b,
		AccountID:          account,
		Market:             r.MarketID,
		SizeDelta:          size,
		LimitPrice:         limit,
		KeeperFeeBufferUsd: buffer,
	}, nil
}

func (r *SettleOrderRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	account, err := parseUUID("account_id", r.AccountID)
	if err != nil {
		return nil, err
	}
	return &command.SettleOrder{Base: b, AccountID: account, Market: r.MarketID, PriceUpdate: r.PriceUpdate}, nil
}

func (r *CancelOrderRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	account, err := parseUUID("account_id", r.AccountID)
	if err != nil {
		return nil, err
	}
	return &command.CancelOrder{Base: b, AccountID: account, Market: r.MarketID}, nil
}

func (r *LiquidatePositionRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	account, err := parseUUID("account_id", r.AccountID)
	if err != nil {
		return nil, err
	}
	return &command.LiquidatePosition{Base: b, AccountID: account, Market: r.MarketID}, nil
}

func (r *UpdatePriceRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	return &command.UpdatePrice{Base: b, FeedID: r.FeedID, PriceUpdate: r.PriceUpdate}, nil
}

func (r *SetCollateralConfigurationRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	cts, err := CollateralTypes(r.Collaterals)
	if err != nil {
		return nil, err
	}
	return &command.SetCollateralConfiguration{Base: b, Collaterals: cts}, nil
}

func (r *SetMarketConfigurationRequest) ToCommand(caller uuid.UUID) (command.Command, error) {
	b, err := base(r.CommandID, caller)
	if err != nil {
		return nil, err
	}
	cfg, err := r.Config.MarketConfig()
	if err != nil {
		return nil, err
	}
	return &command.SetMarketConfiguration{Base: b, Config: cfg}, nil
}

// CollateralTypes converts wire collaterals, keeping their order.
func CollateralTypes(in []Collateral) ([]state.CollateralType, error) {
	out := make([]state.CollateralType, 0, len(in))
	for i, c := range in {
		maxAllowable, err := parseAmount(fmt.Sprintf("collaterals[%d].max_allowable", i), c.MaxAllowable, fpmath.QuoteConfig)
		if err != nil {
			return nil, err
		}
		out = append(out, state.CollateralType{ID: c.CollateralID, OracleFeedID: c.OracleFeedID, MaxAllowable: maxAllowable})
	}
	return out, nil
}

// MarketConfig converts the wire form. Validation is left to the core.
func (m MarketConfiguration) MarketConfig() (state.MarketConfig, error) {
	cfg := state.MarketConfig{MarketID: m.MarketID, OracleFeedID: m.OracleFeedID}

	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"min_order_age", m.MinOrderAge, &cfg.MinOrderAge},
		{"max_order_age", m.MaxOrderAge, &cfg.MaxOrderAge},
		{"pyth_publish_time_min", m.PythPublishTimeMin, &cfg.PythPublishTimeMin},
		{"pyth_publish_time_max", m.PythPublishTimeMax, &cfg.PythPublishTimeMax},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.in)
		if err != nil {
			return state.MarketConfig{}, err
		}
		*d.out = v
	}

	amounts := []struct {
		field string
		in    string
		cfg   fpmath.DecimalConfig
		out   *int64
	}{
		{"initial_margin_ratio", m.InitialMarginRatio, RatioConfig, &cfg.InitialMarginRatio},
		{"maintenance_margin_ratio", m.MaintenanceMarginRatio, RatioConfig, &cfg.MaintenanceMarginRatio},
		{"liquidation_premium_ratio", m.LiquidationPremiumRatio, RatioConfig, &cfg.LiquidationPremiumRatio},
		{"minimum_position_margin_usd", m.MinimumPositionMarginUsd, fpmath.QuoteConfig, &cfg.MinimumPositionMarginUsd},
		{"settlement_reward_usd", m.SettlementRewardUsd, fpmath.QuoteConfig, &cfg.SettlementRewardUsd},
		{"settlement_reward_ratio", m.SettlementRewardRatio, RatioConfig, &cfg.SettlementRewardRatio},
	}
	for _, a := range amounts {
		v, err := parseAmount(a.field, a.in, a.cfg)
		if err != nil {
			return state.MarketConfig{}, err
		}
		*a.out = v
	}
	return cfg, nil
}
