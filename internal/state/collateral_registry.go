package state

import (
	"PerpSettle/internal/errs"
	"fmt"
	"strings"
)

// MaxIDLength bounds collateral, market and feed identifiers, in bytes.
const MaxIDLength = 64

// CollateralType is one whitelisted collateral. An empty OracleFeedID marks a USD-pegged collateral.
type CollateralType struct {
	ID           string `json:"id"`
	OracleFeedID string `json:"oracle_feed_id"`
	MaxAllowable int64  `json:"max_allowable"` // quote scale
}

// CollateralRegistry is the process-wide collateral whitelist. It has a single writer, the
// settlement core, and is replaced only as a whole.
type CollateralRegistry struct {
	entries []CollateralType
	index   map[string]int
}

func NewCollateralRegistry() *CollateralRegistry {
	return &CollateralRegistry{index: make(map[string]int)}
}

// ValidateCollaterals checks a candidate whitelist without installing it.
func ValidateCollaterals(entries []CollateralType) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("%w: entry %d has an empty id", errs.ErrZeroAddress, i)
		}
		if strings.ContainsRune(e.ID, ':') {
			return fmt.Errorf("%w: collateral id %q contains ':'", errs.ErrInvalidConfiguration, e.ID)
		}
		if len(e.ID) > MaxIDLength || len(e.OracleFeedID) > MaxIDLength {
			return fmt.Errorf("%w: collateral %q: ids are limited to %d bytes", errs.ErrInvalidConfiguration, e.ID, MaxIDLength)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("%w: duplicate collateral %q", errs.ErrInvalidConfiguration, e.ID)
		}
		if e.MaxAllowable < 0 {
			return fmt.Errorf("%w: collateral %q has negative cap %d", errs.ErrInvalidConfiguration, e.ID, e.MaxAllowable)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// Replace atomically swaps the whitelist and returns the entries it cleared.
// On a validation error the registry is untouched.
func (r *CollateralRegistry) Replace(entries []CollateralType) ([]CollateralType, error) {
	if err := ValidateCollaterals(entries); err != nil {
		return nil, err
	}
	previous := r.entries

	r.entries = append([]CollateralType(nil), entries...)
	r.index = make(map[string]int, len(entries))
	for i, e := range r.entries {
		r.index[e.ID] = i
	}
	return previous, nil
}

// List returns the configured collaterals in insertion order.
func (r *CollateralRegistry) List() []CollateralType {
	return append([]CollateralType(nil), r.entries...)
}

func (r *CollateralRegistry) Get(id string) (CollateralType, bool) {
	i, ok := r.index[id]
	if !ok {
		return CollateralType{}, false
	}
	return r.entries[i], true
}

// MaxAllowable returns the deposit cap of id, zero when it is not configured.
func (r *CollateralRegistry) MaxAllowable(id string) int64 {
	c, ok := r.Get(id)
	if !ok {
		return 0
	}
	return c.MaxAllowable
}

func (r *CollateralRegistry) Len() int {
	return len(r.entries)
}
