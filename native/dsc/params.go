package dsc

import "github.com/holiman/uint256"

const (
	// LiquidationThreshold is the share of collateral value, out of
	// LiquidationPrecision, that counts toward debt capacity. 50 means every unit
	// of debt needs two units of collateral value.
	LiquidationThreshold = 50
	// LiquidationBonus is the premium, out of LiquidationPrecision, paid to a
	// liquidator on top of the collateral equivalent of the debt covered.
	LiquidationBonus     = 10
	LiquidationPrecision = 100

	// PrecisionDecimals is the fixed-point scale shared by USD values, debt
	// amounts and health factors.
	PrecisionDecimals = 18
)

var (
	precision       = uint256.NewInt(1_000_000_000_000_000_000)
	minHealthFactor = uint256.NewInt(1_000_000_000_000_000_000)
	maxHealthFactor = new(uint256.Int).SetAllOne()

	liquidationThreshold = uint256.NewInt(LiquidationThreshold)
	liquidationBonus     = uint256.NewInt(LiquidationBonus)
	liquidationPrecision = uint256.NewInt(LiquidationPrecision)
)

// Params exposes the protocol constants to callers.
type Params struct {
	LiquidationThreshold uint64
	LiquidationBonus     uint64
	LiquidationPrecision uint64
	Precision            *uint256.Int
	MinHealthFactor      *uint256.Int
}

// DefaultParams returns a copy of the fixed protocol constants.
func DefaultParams() Params {
	return Params{
		LiquidationThreshold: LiquidationThreshold,
		LiquidationBonus:     LiquidationBonus,
		LiquidationPrecision: LiquidationPrecision,
		Precision:            new(uint256.Int).Set(precision),
		MinHealthFactor:      new(uint256.Int).Set(minHealthFactor),
	}
}

// MinHealthFactor returns the smallest health factor an account may hold after
// changing its own position.
func MinHealthFactor() *uint256.Int { return new(uint256.Int).Set(minHealthFactor) }

// MaxHealthFactor is reported for accounts without debt.
func MaxHealthFactor() *uint256.Int { return new(uint256.Int).Set(maxHealthFactor) }
