package dsc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RiskEngine values collateral and computes health factors from the two
// ledgers and the price oracle. It never mutates state.
type RiskEngine struct {
	registry   *AssetRegistry
	collateral *CollateralLedger
	debt       *DebtLedger
	oracle     PriceOracle
}

func NewRiskEngine(registry *AssetRegistry, collateral *CollateralLedger, debt *DebtLedger, oracle PriceOracle) *RiskEngine {
	return &RiskEngine{
		registry:   registry,
		collateral: collateral,
		debt:       debt,
		oracle:     oracle,
	}
}

// price returns the asset's USD price scaled to 18 decimals.
func (r *RiskEngine) price(ctx context.Context, entry assetEntry) (*uint256.Int, error) {
	if r == nil || r.oracle == nil {
		return nil, ErrNilState
	}
	quote, err := r.oracle.LatestPrice(ctx, entry.feedID)
	if err != nil {
		return nil, fmt.Errorf("price feed %s: %w", entry.feedID, err)
	}
	price, err := normalizePrice(quote)
	if err != nil {
		return nil, fmt.Errorf("price feed %s: %w", entry.feedID, err)
	}
	return price, nil
}

// USDValue converts amount of asset into an 18 decimal USD value:
// price * amount / 10^assetDecimals.
func (r *RiskEngine) USDValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	entry, err := r.registry.lookup(asset)
	if err != nil {
		return nil, err
	}
	return r.usdValue(ctx, entry, amount)
}

func (r *RiskEngine) usdValue(ctx context.Context, entry assetEntry, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return zero(), nil
	}
	price, err := r.price(ctx, entry)
	if err != nil {
		return nil, err
	}
	return mulDiv(price, amount, entry.precision)
}

// TokenAmountFromUSD is the inverse of USDValue: the quantity of asset worth
// usdAmount at the current price, rounded down.
func (r *RiskEngine) TokenAmountFromUSD(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	entry, err := r.registry.lookup(asset)
	if err != nil {
		return nil, err
	}
	if usdAmount == nil || usdAmount.IsZero() {
		return zero(), nil
	}
	price, err := r.price(ctx, entry)
	if err != nil {
		return nil, err
	}
	return mulDiv(usdAmount, entry.precision, price)
}

// TotalCollateralValueUSD sums the account's collateral across the registry in
// registration order. Assets with a zero balance are skipped without querying
// their feed.
func (r *RiskEngine) TotalCollateralValueUSD(ctx context.Context, account common.Address) (*uint256.Int, error) {
	if r == nil || r.registry == nil {
		return nil, ErrNilState
	}
	total := zero()
	for _, entry := range r.registry.entries {
		balance := r.collateral.BalanceOf(account, entry.asset)
		if balance.IsZero() {
			continue
		}
		value, err := r.usdValue(ctx, entry, balance)
		if err != nil {
			return nil, err
		}
		if total, err = checkedAdd(total, value); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// AccountInformation returns the account's debt and collateral value.
func (r *RiskEngine) AccountInformation(ctx context.Context, account common.Address) (AccountInfo, error) {
	collateralUSD, err := r.TotalCollateralValueUSD(ctx, account)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Debt: r.debt.BalanceOf(account), CollateralUSD: collateralUSD}, nil
}

// HealthFactor returns the account's health factor scaled by 1e18, or
// MaxHealthFactor when it has no debt.
func (r *RiskEngine) HealthFactor(ctx context.Context, account common.Address) (*uint256.Int, error) {
	if r == nil || r.debt == nil {
		return nil, ErrNilState
	}
	debt := r.debt.BalanceOf(account)
	if debt.IsZero() {
		return MaxHealthFactor(), nil
	}
	collateralUSD, err := r.TotalCollateralValueUSD(ctx, account)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, collateralUSD)
}

// CalculateHealthFactor evaluates
// collateralUSD * LiquidationThreshold / LiquidationPrecision * 1e18 / debt.
func CalculateHealthFactor(debt, collateralUSD *uint256.Int) (*uint256.Int, error) {
	if debt == nil || debt.IsZero() {
		return MaxHealthFactor(), nil
	}
	adjusted, err := mulDiv(copyAmount(collateralUSD), liquidationThreshold, liquidationPrecision)
	if err != nil {
		return nil, err
	}
	return mulDiv(adjusted, precision, debt)
}

// AssertHealthy fails with a *HealthFactorError when the account's health
// factor is below the minimum. Equality passes.
func (r *RiskEngine) AssertHealthy(ctx context.Context, account common.Address) error {
	hf, err := r.HealthFactor(ctx, account)
	if err != nil {
		return err
	}
	if hf.Lt(minHealthFactor) {
		return &HealthFactorError{Account: account, Value: hf}
	}
	return nil
}
