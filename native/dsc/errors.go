package dsc

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "stablevault/native/common"
)

var (
	ErrNilState                = errors.New("dsc engine: state not configured")
	ErrInvalidAmount           = errors.New("dsc engine: amount must be positive")
	ErrUnsupportedAsset        = errors.New("dsc engine: asset not supported")
	ErrInvalidRegistry         = errors.New("dsc engine: invalid asset registry")
	ErrTransferFailed          = errors.New("dsc engine: token transfer failed")
	ErrMintFailed              = errors.New("dsc engine: debt token mint failed")
	ErrHealthFactorBroken      = errors.New("dsc engine: health factor below minimum")
	ErrHealthFactorOk          = errors.New("dsc engine: health factor ok, account not liquidatable")
	ErrHealthFactorNotImproved = errors.New("dsc engine: liquidation did not improve health factor")
	ErrInsufficientBalance     = errors.New("dsc engine: insufficient balance")
	ErrOverflow                = errors.New("dsc engine: arithmetic overflow")
	ErrStalePrice              = errors.New("dsc engine: stale oracle price")
	ErrOraclePriceInvalid      = errors.New("dsc engine: invalid oracle price")
	ErrRollbackIncomplete      = errors.New("dsc engine: rollback incomplete")
	ErrReentrantCall           = nativecommon.ErrReentrant
)

// HealthFactorError reports the health factor that failed the minimum check.
type HealthFactorError struct {
	Account common.Address
	Value   *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("%s: account %s health factor %s", ErrHealthFactorBroken, e.Account.Hex(), formatValue(e.Value))
}

func (e *HealthFactorError) Unwrap() error { return ErrHealthFactorBroken }

// LiquidationError reports the defaulter's health factor around a liquidation
// that left it no better off.
type LiquidationError struct {
	Defaulter common.Address
	Before    *uint256.Int
	After     *uint256.Int
}

func (e *LiquidationError) Error() string {
	return fmt.Sprintf("%s: account %s health factor %s -> %s", ErrHealthFactorNotImproved, e.Defaulter.Hex(), formatValue(e.Before), formatValue(e.After))
}

func (e *LiquidationError) Unwrap() error { return ErrHealthFactorNotImproved }

func formatValue(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrUnsupportedAsset, "unsupported_asset"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrMintFailed, "mint_failed"},
	{ErrHealthFactorBroken, "health_factor_broken"},
	{ErrHealthFactorOk, "health_factor_ok"},
	{ErrHealthFactorNotImproved, "health_factor_not_improved"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrOverflow, "overflow"},
	{ErrStalePrice, "stale_price"},
	{ErrOraclePriceInvalid, "oracle_price_invalid"},
	{ErrReentrantCall, "reentrant_call"},
	{ErrRollbackIncomplete, "rollback_incomplete"},
	{ErrInvalidRegistry, "invalid_registry"},
	{ErrNilState, "nil_state"},
}

// ErrorKind maps an engine error onto a stable label suitable for metrics and
// API responses. Nil maps to "ok" and unknown errors to "internal".
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	// Rollback failures dominate whatever caused the rollback.
	if errors.Is(err, ErrRollbackIncomplete) {
		return "rollback_incomplete"
	}
	for _, candidate := range errorKinds {
		if errors.Is(err, candidate.err) {
			return candidate.kind
		}
	}
	return "internal"
}
