package state

import (
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MarketConfig holds the admin-controlled parameters of one market.
// Ratios use fpmath.FractionScale; USD amounts use quote scale.
type MarketConfig struct {
	MarketID     string `json:"market_id"`
	OracleFeedID string `json:"oracle_feed_id"`

	MinOrderAge        time.Duration `json:"min_order_age"`
	MaxOrderAge        time.Duration `json:"max_order_age"`
	PythPublishTimeMin time.Duration `json:"pyth_publish_time_min"`
	PythPublishTimeMax time.Duration `json:"pyth_publish_time_max"`

	InitialMarginRatio       int64 `json:"initial_margin_ratio"`
	MaintenanceMarginRatio   int64 `json:"maintenance_margin_ratio"`
	LiquidationPremiumRatio  int64 `json:"liquidation_premium_ratio"`
	MinimumPositionMarginUsd int64 `json:"minimum_position_margin_usd"`

	SettlementRewardUsd   int64 `json:"settlement_reward_usd"`
	SettlementRewardRatio int64 `json:"settlement_reward_ratio"`
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// MinOrderAgeSeconds and friends express durations in chain seconds.
func (c *MarketConfig) MinOrderAgeSeconds() int64 { return seconds(c.MinOrderAge) }
func (c *MarketConfig) MaxOrderAgeSeconds() int64 { return seconds(c.MaxOrderAge) }

// ValidateMarketConfig checks that parameters are within valid ranges.
func ValidateMarketConfig(c *MarketConfig) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: market %q: %s", errs.ErrInvalidConfiguration, c.MarketID, fmt.Sprintf(format, args...))
	}
	if c.MarketID == "" || strings.ContainsRune(c.MarketID, ':') {
		return bad("market id must be non-empty and must not contain ':'")
	}
	if c.OracleFeedID == "" {
		return bad("oracle feed id is required")
	}
	if len(c.MarketID) > MaxIDLength || len(c.OracleFeedID) > MaxIDLength {
		return bad("ids are limited to %d bytes", MaxIDLength)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"min_order_age", c.MinOrderAge},
		{"max_order_age", c.MaxOrderAge},
		{"pyth_publish_time_min", c.PythPublishTimeMin},
		{"pyth_publish_time_max", c.PythPublishTimeMax},
	} {
		if d.value%time.Second != 0 {
			return bad("%s must be whole seconds, got %s", d.name, d.value)
		}
	}
	if c.MinOrderAge < 0 || c.MaxOrderAge <= 0 {
		return bad("order ages must be non-negative with max > 0, got min=%s max=%s", c.MinOrderAge, c.MaxOrderAge)
	}
	if c.MinOrderAge > c.MaxOrderAge {
		return bad("min_order_age (%s) must be <= max_order_age (%s)", c.MinOrderAge, c.MaxOrderAge)
	}
	if c.PythPublishTimeMin < 0 {
		return bad("pyth_publish_time_min must be >= 0, got %s", c.PythPublishTimeMin)
	}
	if c.PythPublishTimeMin > c.PythPublishTimeMax {
		return bad("pyth_publish_time_min (%s) must be <= pyth_publish_time_max (%s)", c.PythPublishTimeMin, c.PythPublishTimeMax)
	}
	if c.MaintenanceMarginRatio <= 0 {
		return bad("maintenance_margin_ratio must be > 0, got %d", c.MaintenanceMarginRatio)
	}
	if c.InitialMarginRatio <= c.MaintenanceMarginRatio {
		return bad("initial_margin_ratio (%d) must be > maintenance_margin_ratio (%d)", c.InitialMarginRatio, c.MaintenanceMarginRatio)
	}
	if c.InitialMarginRatio > fpmath.FractionScale {
		return bad("initial_margin_ratio must be <= %d, got %d", fpmath.FractionScale, c.InitialMarginRatio)
	}
	if c.LiquidationPremiumRatio < 0 || c.LiquidationPremiumRatio > fpmath.FractionScale {
		return bad("liquidation_premium_ratio out of range: %d", c.LiquidationPremiumRatio)
	}
	if c.MinimumPositionMarginUsd < 0 {
		return bad("minimum_position_margin_usd must be >= 0, got %d", c.MinimumPositionMarginUsd)
	}
	if c.SettlementRewardUsd < 0 || c.SettlementRewardRatio < 0 || c.SettlementRewardRatio > fpmath.FractionScale {
		return bad("settlement reward out of range: usd=%d ratio=%d", c.SettlementRewardUsd, c.SettlementRewardRatio)
	}
	return nil
}

// MarketConfigManager holds the configuration of every market.
type MarketConfigManager struct {
	configs map[string]*MarketConfig
}

func NewMarketConfigManager() *MarketConfigManager {
	return &MarketConfigManager{configs: make(map[string]*MarketConfig)}
}

func (m *MarketConfigManager) Get(marketID string) (*MarketConfig, bool) {
	c, ok := m.configs[marketID]
	return c, ok
}

// Set validates and installs cfg, returning the config it replaced (nil if new).
func (m *MarketConfigManager) Set(cfg *MarketConfig) (*MarketConfig, error) {
	if err := ValidateMarketConfig(cfg); err != nil {
		return nil, err
	}
	prev := m.configs[cfg.MarketID]
	cp := *cfg
	m.configs[cfg.MarketID] = &cp
	return prev, nil
}

// Restore puts prev back for marketID, or removes the market when prev is nil.
func (m *MarketConfigManager) Restore(marketID string, prev *MarketConfig) {
	if prev == nil {
		delete(m.configs, marketID)
		return
	}
	m.configs[marketID] = prev
}

// All returns configs sorted by market id.
func (m *MarketConfigManager) All() []*MarketConfig {
	out := make([]*MarketConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}
