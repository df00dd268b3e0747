// Package custody moves collateral between callers, the margin ledger and the upstream market pools.
// The core calls it only after local bookkeeping has committed.
package custody

import (
	"context"

	"github.com/google/uuid"
)

// Custody is the upstream custody collaborator.
type Custody interface {
	// PullFromCaller moves amount from the caller's wallet into ledger custody.
	PullFromCaller(ctx context.Context, caller uuid.UUID, collateralID string, amount int64) error
	// PushToCaller moves amount from ledger custody to the caller's wallet.
	PushToCaller(ctx context.Context, caller uuid.UUID, collateralID string, amount int64) error
	DepositMarketCollateral(ctx context.Context, marketID, collateralID string, amount int64) error
	WithdrawMarketCollateral(ctx context.Context, marketID, collateralID string, amount int64) error
	// GrantAllowance authorizes the upstream pool to draw collateralID up to amount.
	GrantAllowance(ctx context.Context, collateralID string, amount int64) error
	RevokeAllowance(ctx context.Context, collateralID string) error
}
