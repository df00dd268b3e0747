package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeKeeper
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User: the margin ledger entry of (account, market, collateral)
	SubTypeMargin AccountSubType = iota

	// Keeper: settlement fees and liquidation rewards owed to a keeper
	SubTypeKeeperRewards

	// System: collateral seized by liquidations, per market
	SubTypeInsuranceFund

	// External: the upstream custody counterparty of deposits and withdrawals, per market
	SubTypeCustody
)

// AccountKey is the in-memory key for balance tracking.
// Market and collateral are part of the key so that every margin entry is owned by exactly one
// (account, market, collateral) triple.
type AccountKey struct {
	Scope        AccountScope
	EntityID     [16]byte // account or keeper UUID; zero for system/external
	MarketID     string   // empty for keeper accounts
	SubType      AccountSubType
	CollateralID string
}

// NewMarginAccountKey is the margin ledger entry of an account in a market.
func NewMarginAccountKey(accountID uuid.UUID, marketID, collateralID string) AccountKey {
	return AccountKey{
		Scope:        AccountScopeUser,
		EntityID:     accountID,
		MarketID:     marketID,
		SubType:      SubTypeMargin,
		CollateralID: collateralID,
	}
}

func NewKeeperAccountKey(keeperID uuid.UUID, collateralID string) AccountKey {
	return AccountKey{
		Scope:        AccountScopeKeeper,
		EntityID:     keeperID,
		SubType:      SubTypeKeeperRewards,
		CollateralID: collateralID,
	}
}

func NewInsuranceFundKey(marketID, collateralID string) AccountKey {
	return AccountKey{
		Scope:        AccountScopeSystem,
		MarketID:     marketID,
		SubType:      SubTypeInsuranceFund,
		CollateralID: collateralID,
	}
}

// NewCustodyAccountKey is the external boundary account mirroring collateral held upstream.
func NewCustodyAccountKey(marketID, collateralID string) AccountKey {
	return AccountKey{
		Scope:        AccountScopeExternal,
		MarketID:     marketID,
		SubType:      SubTypeCustody,
		CollateralID: collateralID,
	}
}

// AccountPath returns the string representation for storage/logging:
//
//	user:<account>:<market>:margin:<collateral>
//	keeper:<keeper>:rewards:<collateral>
//	system:<market>:insurance_fund:<collateral>
//	external:<market>:custody:<collateral>
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s:%s", uuid.UUID(k.EntityID), k.MarketID, k.subTypeName(), k.CollateralID)
	case AccountScopeKeeper:
		return fmt.Sprintf("keeper:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), k.CollateralID)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.MarketID, k.subTypeName(), k.CollateralID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.MarketID, k.subTypeName(), k.CollateralID)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeMargin:
		return "margin"
	case SubTypeKeeperRewards:
		return "rewards"
	case SubTypeInsuranceFund:
		return "insurance_fund"
	case SubTypeCustody:
		return "custody"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath, used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	bad := func() (AccountKey, error) {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	switch {
	case len(parts) == 5 && parts[0] == "user" && parts[3] == "margin":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return bad()
		}
		return NewMarginAccountKey(id, parts[2], parts[4]), nil
	case len(parts) == 4 && parts[0] == "keeper" && parts[2] == "rewards":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return bad()
		}
		return NewKeeperAccountKey(id, parts[3]), nil
	case len(parts) == 4 && parts[0] == "system" && parts[2] == "insurance_fund":
		return NewInsuranceFundKey(parts[1], parts[3]), nil
	case len(parts) == 4 && parts[0] == "external" && parts[2] == "custody":
		return NewCustodyAccountKey(parts[1], parts[3]), nil
	}
	return bad()
}
