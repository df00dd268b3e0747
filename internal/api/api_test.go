package api_test

import (
	"PerpSettle/internal/api"
	"PerpSettle/internal/command"
	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	caller    = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	account   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	commandID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

// =============================================================================
// Test: DecodeCommand
// =============================================================================

func TestDecodeCommand_TransferCollateral(t *testing.T) {
	data := `{"command_id":"` + commandID.String() + `","account_id":"` + account.String() +
		`","market_id":"ETH-PERP","collateral_id":"USDC","amount_delta":"-12.5"}`

	cmd, err := api.DecodeCommand("TransferCollateral", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tc, ok := cmd.(*command.TransferCollateral)
	if !ok {
		t.Fatalf("expected *command.TransferCollateral, got %T", cmd)
	}
	if tc.AmountDelta != -12_500_000 {
		t.Errorf("amount: got %d, want -12_500_000", tc.AmountDelta)
	}
	if tc.Caller() != caller {
		t.Errorf("caller: got %s, want %s", tc.Caller(), caller)
	}
	if tc.IdempotencyKey() != commandID.String() {
		t.Errorf("idempotency key: got %s", tc.IdempotencyKey())
	}
	if tc.AccountID != account || tc.Market != "ETH-PERP" || tc.CollateralID != "USDC" {
		t.Errorf("fields: got %+v", tc)
	}
	if tc.Timestamp() != 0 {
		t.Errorf("admission time must be left for the sequencer, got %d", tc.Timestamp())
	}
}

func TestDecodeCommand_CommitOrder(t *testing.T) {
	data := `{"command_id":"` + commandID.String() + `","account_id":"` + account.String() +
		`","market_id":"ETH-PERP","size_delta":"0.25","limit_price":"1999.99","keeper_fee_buffer":"5"}`

	cmd, err := api.DecodeCommand("CommitOrder", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	co := cmd.(*command.CommitOrder)
	if co.SizeDelta != 250_000 {
		t.Errorf("size: got %d, want 250_000", co.SizeDelta)
	}
	if co.LimitPrice != 199_999 {
		t.Errorf("limit price: got %d, want 199_999", co.LimitPrice)
	}
	if co.KeeperFeeBufferUsd != 5_000_000 {
		t.Errorf("buffer: got %d, want 5_000_000", co.KeeperFeeBufferUsd)
	}
}

func TestDecodeCommand_SettleOrderKeepsPriceUpdate(t *testing.T) {
	// "AQID" is base64 for {1,2,3}
	data := `{"command_id":"` + commandID.String() + `","account_id":"` + account.String() +
		`","market_id":"ETH-PERP","price_update":"AQID"}`

	cmd, err := api.DecodeCommand("SettleOrder", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	so := cmd.(*command.SettleOrder)
	if string(so.PriceUpdate) != "\x01\x02\x03" {
		t.Errorf("price update: got %v", so.PriceUpdate)
	}
}

func TestDecodeCommand_SetMarketConfiguration(t *testing.T) {
	data := `{"command_id":"` + commandID.String() + `","config":{
		"market_id":"ETH-PERP","oracle_feed_id":"ETH/USD",
		"min_order_age":"2s","max_order_age":"1m",
		"pyth_publish_time_min":"1s","pyth_publish_time_max":"3s",
		"initial_margin_ratio":"0.1","maintenance_margin_ratio":"0.05",
		"liquidation_premium_ratio":"0.01","minimum_position_margin_usd":"20",
		"settlement_reward_usd":"1","settlement_reward_ratio":"0.0005"}}`

	cmd, err := api.DecodeCommand("SetMarketConfiguration", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg := cmd.(*command.SetMarketConfiguration).Config

	if cfg.MinOrderAge != 2*time.Second || cfg.MaxOrderAge != time.Minute {
		t.Errorf("order ages: got %v/%v", cfg.MinOrderAge, cfg.MaxOrderAge)
	}
	if cfg.InitialMarginRatio != 100_000 || cfg.MaintenanceMarginRatio != 50_000 {
		t.Errorf("margin ratios: got %d/%d", cfg.InitialMarginRatio, cfg.MaintenanceMarginRatio)
	}
	if cfg.SettlementRewardRatio != 500 {
		t.Errorf("reward ratio: got %d, want 500", cfg.SettlementRewardRatio)
	}
	if cfg.MinimumPositionMarginUsd != 20_000_000 {
		t.Errorf("minimum margin: got %d", cfg.MinimumPositionMarginUsd)
	}

	// round trip through the response form
	back := api.NewMarketConfiguration(&cfg)
	if back.InitialMarginRatio != "0.100000" || back.MaxOrderAge != "1m0s" {
		t.Errorf("formatted: got %+v", back)
	}
	again, err := back.MarketConfig()
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again != cfg {
		t.Errorf("round trip: got %+v, want %+v", again, cfg)
	}
}

func TestDecodeCommand_SetCollateralConfigurationKeepsOrder(t *testing.T) {
	data := `{"command_id":"` + commandID.String() + `","collaterals":[
		{"collateral_id":"WETH","oracle_feed_id":"ETH/USD","max_allowable":"100"},
		{"collateral_id":"USDC","max_allowable":"5000"}]}`

	cmd, err := api.DecodeCommand("SetCollateralConfiguration", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cts := cmd.(*command.SetCollateralConfiguration).Collaterals
	if len(cts) != 2 || cts[0].ID != "WETH" || cts[1].ID != "USDC" {
		t.Fatalf("collaterals: got %+v", cts)
	}
	if cts[1].OracleFeedID != "" || cts[1].MaxAllowable != 5_000_000_000 {
		t.Errorf("USDC entry: got %+v", cts[1])
	}
}

func TestDecodeCommand_Rejections(t *testing.T) {
	valid := `"command_id":"` + commandID.String() + `","account_id":"` + account.String() + `","market_id":"ETH-PERP"`

	tests := []struct {
		name        string
		commandType string
		data        string
		field       string
	}{
		{"unknown type", "OpenPosition", `{}`, "unknown command type"},
		{"bad json", "CancelOrder", `{"command_id":`, "decode"},
		{"bad command id", "CancelOrder", `{"command_id":"nope"}`, "command_id"},
		{"bad account", "LiquidatePosition", `{"command_id":"` + commandID.String() + `","account_id":"x"}`, "account_id"},
		{"excess precision", "TransferCollateral", `{` + valid + `,"amount_delta":"1.0000001"}`, "amount_delta"},
		{"not a number", "CommitOrder", `{` + valid + `,"size_delta":"lots"}`, "size_delta"},
		{"bad duration", "SetMarketConfiguration", `{"command_id":"` + commandID.String() + `","config":{"min_order_age":"soon"}}`, "min_order_age"},
		{"bad max allowable", "SetCollateralConfiguration", `{"command_id":"` + commandID.String() + `","collaterals":[{"collateral_id":"A","max_allowable":"x"}]}`, "collaterals[0].max_allowable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := api.DecodeCommand(tt.commandType, []byte(tt.data), caller)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, errs.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
			if errs.KindOf(err) != errs.KindInputValidation {
				t.Errorf("kind: got %v", errs.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %q", err, tt.field)
			}
		})
	}
}

func TestDecodeCommand_EmptyAmountIsZero(t *testing.T) {
	data := `{"command_id":"` + commandID.String() + `","account_id":"` + account.String() + `","market_id":"ETH-PERP","collateral_id":"USDC"}`
	cmd, err := api.DecodeCommand("TransferCollateral", []byte(data), caller)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := cmd.(*command.TransferCollateral).AmountDelta; got != 0 {
		t.Errorf("amount: got %d, want 0", got)
	}
}

// =============================================================================
// Test: Responses
// =============================================================================

func TestNewCommandResponse(t *testing.T) {
	res := &core.Result{
		Sequence:  7,
		StateHash: [32]byte{0xab, 0xcd},
		Events: []event.Event{&event.OrderExpired{
			AccountID: account,
			Market:    "ETH-PERP",
		}},
	}
	resp, err := api.NewCommandResponse(res)
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Sequence != 7 {
		t.Errorf("sequence: got %d", resp.Sequence)
	}
	if !strings.HasPrefix(resp.StateHash, "abcd") || len(resp.StateHash) != 64 {
		t.Errorf("state hash: got %s", resp.StateHash)
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != "OrderExpired" {
		t.Errorf("events: got %+v", resp.Events)
	}
}

func TestNewMarginSummary_FormatsDecimals(t *testing.T) {
	s := &core.MarginSummary{
		AccountID: account,
		MarketID:  "ETH-PERP",
		Holdings: []state.CollateralHolding{
			{CollateralID: "USDC", Amount: 1_500_000_000, Price: fpmath.UnitPrice},
		},
		CollateralValueUsd: 1_500_000_000,
		Position: &state.Position{
			AccountID:  account,
			MarketID:   "ETH-PERP",
			Size:       -500_000,
			EntryPrice: 200_000,
		},
		Price:     210_050,
		MarginUsd: 1_450_000_000,
		Requirements: state.LiquidationMargin{
			InitialUsd:     105_025_000,
			MaintenanceUsd: 52_512_500,
		},
		Status: "healthy",
	}

	out := api.NewMarginSummary(s)
	if out.Price != "2100.50" {
		t.Errorf("price: got %s", out.Price)
	}
	if out.Position == nil || out.Position.Size != "-0.500000" {
		t.Errorf("position size: got %+v", out.Position)
	}
	if out.MaintenanceUsd != "52.512500" {
		t.Errorf("maintenance: got %s", out.MaintenanceUsd)
	}
	if len(out.Holdings) != 1 || out.Holdings[0].Amount != "1500.000000" || out.Holdings[0].Price != "1.00" {
		t.Errorf("holdings: got %+v", out.Holdings)
	}
	if out.PendingOrder != nil {
		t.Errorf("pending order: got %+v, want nil", out.PendingOrder)
	}
}

func TestAccountMarketRequest_Account(t *testing.T) {
	r := api.AccountMarketRequest{AccountID: account.String(), MarketID: "ETH-PERP"}
	id, err := r.Account()
	if err != nil || id != account {
		t.Fatalf("account: got %s, %v", id, err)
	}

	r.AccountID = "bogus"
	if _, err := r.Account(); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}
