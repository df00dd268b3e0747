package custody

import (
	"PerpSettle/internal/errs"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type walletKey struct {
	owner      uuid.UUID
	collateral string
}

type poolKey struct {
	market     string
	collateral string
}

// MemoryVault is an in-process Custody used by tests and local runs.
type MemoryVault struct {
	mu         sync.Mutex
	wallets    map[walletKey]int64
	ledger     map[string]int64
	pools      map[poolKey]int64
	allowances map[string]int64

	// one-shot failures by method name
	failNext map[string]bool
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		wallets:    make(map[walletKey]int64),
		ledger:     make(map[string]int64),
		pools:      make(map[poolKey]int64),
		allowances: make(map[string]int64),
		failNext:   make(map[string]bool),
	}
}

// Fund credits a caller's wallet.
func (v *MemoryVault) Fund(owner uuid.UUID, collateralID string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wallets[walletKey{owner, collateralID}] += amount
}

// FailNext arms a one-shot failure for method, e.g. "WithdrawMarketCollateral".
func (v *MemoryVault) FailNext(method string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext[method] = true
}

func (v *MemoryVault) Wallet(owner uuid.UUID, collateralID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wallets[walletKey{owner, collateralID}]
}

func (v *MemoryVault) Pool(marketID, collateralID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pools[poolKey{marketID, collateralID}]
}

func (v *MemoryVault) Allowance(collateralID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allowances[collateralID]
}

func (v *MemoryVault) injected(method string) error {
	if v.failNext[method] {
		delete(v.failNext, method)
		return fmt.Errorf("%w: %s: injected failure", errs.ErrCustody, method)
	}
	return nil
}

func (v *MemoryVault) PullFromCaller(_ context.Context, caller uuid.UUID, collateralID string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("PullFromCaller"); err != nil {
		return err
	}
	k := walletKey{caller, collateralID}
	if v.wallets[k] < amount {
		return fmt.Errorf("%w: wallet %s %s has %d, need %d", errs.ErrCustody, caller, collateralID, v.wallets[k], amount)
	}
	v.wallets[k] -= amount
	v.ledger[collateralID] += amount
	return nil
}

func (v *MemoryVault) PushToCaller(_ context.Context, caller uuid.UUID, collateralID string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("PushToCaller"); err != nil {
		return err
	}
	if v.ledger[collateralID] < amount {
		return fmt.Errorf("%w: ledger custody %s has %d, need %d", errs.ErrCustody, collateralID, v.ledger[collateralID], amount)
	}
	v.ledger[collateralID] -= amount
	v.wallets[walletKey{caller, collateralID}] += amount
	return nil
}

func (v *MemoryVault) DepositMarketCollateral(_ context.Context, marketID, collateralID string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("DepositMarketCollateral"); err != nil {
		return err
	}
	if v.allowances[collateralID] < amount {
		return fmt.Errorf("%w: allowance for %s is %d, need %d", errs.ErrCustody, collateralID, v.allowances[collateralID], amount)
	}
	if v.ledger[collateralID] < amount {
		return fmt.Errorf("%w: ledger custody %s has %d, need %d", errs.ErrCustody, collateralID, v.ledger[collateralID], amount)
	}
	v.ledger[collateralID] -= amount
	v.pools[poolKey{marketID, collateralID}] += amount
	return nil
}

func (v *MemoryVault) WithdrawMarketCollateral(_ context.Context, marketID, collateralID string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("WithdrawMarketCollateral"); err != nil {
		return err
	}
	k := poolKey{marketID, collateralID}
	if v.pools[k] < amount {
		return fmt.Errorf("%w: pool %s/%s has %d, need %d", errs.ErrCustody, marketID, collateralID, v.pools[k], amount)
	}
	v.pools[k] -= amount
	v.ledger[collateralID] += amount
	return nil
}

func (v *MemoryVault) GrantAllowance(_ context.Context, collateralID string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("GrantAllowance"); err != nil {
		return err
	}
	v.allowances[collateralID] = amount
	return nil
}

func (v *MemoryVault) RevokeAllowance(_ context.Context, collateralID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("RevokeAllowance"); err != nil {
		return err
	}
	delete(v.allowances, collateralID)
	return nil
}
