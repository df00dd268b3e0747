// Package errs holds the named failure conditions of the settlement core.
// Operations wrap a sentinel with the offending values:
//
//	fmt.Errorf("%w: available=%d requested=%d", errs.ErrInsufficientCollateral, available, amount)
package errs

import (
	fpmath "PerpSettle/internal/math"
	"errors"
	"fmt"
	"strings"
)

// Authorization
var ErrUnauthorized = errors.New("unauthorized")

// Input validation
var (
	ErrZeroAddress           = errors.New("zero address")
	ErrUnsupportedCollateral = errors.New("unsupported collateral")
	ErrOrderFound            = errors.New("order found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrZeroSizeDelta         = errors.New("zero size delta")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrAccountNotFound       = errors.New("account not found")
	ErrMarketNotFound        = errors.New("market not found")
	ErrPositionNotFound      = errors.New("position not found")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrFeedMismatch          = errors.New("feed mismatch")
	ErrInvalidPriceUpdate    = errors.New("invalid price update")
	ErrInvalidRequest        = errors.New("invalid request") // malformed wire input
)

// Resource limits
var (
	ErrMaxCollateralExceeded  = errors.New("max collateral exceeded")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrOverflow               = fpmath.ErrOverflow
)

// Risk violations
var (
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrCanLiquidatePosition = errors.New("can liquidate position")
	ErrLimitPriceExceeded   = errors.New("limit price exceeded")
	ErrNotLiquidatable      = errors.New("position not liquidatable")
)

// Timing violations
var (
	ErrOrderTooEarly    = errors.New("order too early")
	ErrOrderExpired     = errors.New("order expired")
	ErrOrderNotExpired  = errors.New("order not expired")
	ErrStalePrice       = errors.New("stale price")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrClockRegression  = errors.New("clock regression")
)

// ErrPriceTooFresh matches ErrStalePrice: a price outside the publish window on either side is stale
// for the settlement being processed.
var ErrPriceTooFresh = fmt.Errorf("%w: price too fresh", ErrStalePrice)

// External collaborators
var ErrCustody = errors.New("custody call failed")

// Kind groups failures for transport mapping and metrics.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthorization
	KindInputValidation
	KindResourceLimit
	KindRiskViolation
	KindTiming
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindInputValidation:
		return "input_validation"
	case KindResourceLimit:
		return "resource_limit"
	case KindRiskViolation:
		return "risk_violation"
	case KindTiming:
		return "timing"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

var kinds = []struct {
	kind     Kind
	sentinel []error
}{
	{KindAuthorization, []error{ErrUnauthorized}},
	{KindInputValidation, []error{
		ErrZeroAddress, ErrUnsupportedCollateral, ErrOrderFound, ErrOrderNotFound, ErrZeroSizeDelta,
		ErrInvalidOrder, ErrAccountNotFound, ErrMarketNotFound, ErrPositionNotFound,
		ErrInvalidConfiguration, ErrFeedMismatch, ErrInvalidPriceUpdate, ErrInvalidRequest,
	}},
	{KindResourceLimit, []error{ErrMaxCollateralExceeded, ErrInsufficientCollateral, ErrOverflow}},
	{KindRiskViolation, []error{ErrInsufficientMargin, ErrCanLiquidatePosition, ErrLimitPriceExceeded, ErrNotLiquidatable}},
	{KindTiming, []error{ErrOrderTooEarly, ErrOrderExpired, ErrOrderNotExpired, ErrStalePrice, ErrPriceUnavailable, ErrClockRegression}},
	{KindExternal, []error{ErrCustody}},
}

// KindOf classifies err by the first sentinel it wraps. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, group := range kinds {
		for _, s := range group.sentinel {
			if errors.Is(err, s) {
				return group.kind
			}
		}
	}
	return KindInternal
}

// Code returns the short machine name of the sentinel err wraps, e.g. "order_too_early".
func Code(err error) string {
	for _, group := range kinds {
		for _, s := range group.sentinel {
			if errors.Is(err, s) {
				if s == ErrStalePrice && errors.Is(err, ErrPriceTooFresh) {
					return "price_too_fresh"
				}
				return strings.ReplaceAll(s.Error(), " ", "_")
			}
		}
	}
	return "internal"
}
