package dsc

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is one collateral balance held by an account.
type Position struct {
	Asset  common.Address
	Amount *uint256.Int
}

// view runs a read under the same guard as the mutating entry points so that
// a callback fired mid-operation cannot observe half-applied ledgers.
func view[T any](e *Engine, fn func() (T, error)) (T, error) {
	var out T
	if e == nil || e.registry == nil {
		return out, ErrNilState
	}
	err := e.guard.Run(func() error {
		var err error
		out, err = fn()
		return err
	})
	if err != nil {
		var empty T
		return empty, err
	}
	return out, nil
}

// Address returns the engine's custody account.
func (e *Engine) Address() common.Address { return e.address }

// AccountInformation returns the account's debt and total collateral value.
func (e *Engine) AccountInformation(ctx context.Context, account common.Address) (AccountInfo, error) {
	return view(e, func() (AccountInfo, error) {
		return e.risk.AccountInformation(ctx, account)
	})
}

func (e *Engine) CollateralValueUSD(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.risk.TotalCollateralValueUSD(ctx, account)
	})
}

func (e *Engine) DebtOf(account common.Address) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.debt.BalanceOf(account), nil
	})
}

// CollateralBalance returns the account's deposited balance of asset.
func (e *Engine) CollateralBalance(account, asset common.Address) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		if _, err := e.registry.lookup(asset); err != nil {
			return nil, err
		}
		return e.collateral.BalanceOf(account, asset), nil
	})
}

// Positions lists the account's non-zero collateral balances in registry
// order.
func (e *Engine) Positions(account common.Address) ([]Position, error) {
	return view(e, func() ([]Position, error) {
		var out []Position
		for _, entry := range e.registry.entries {
			balance := e.collateral.BalanceOf(account, entry.asset)
			if balance.IsZero() {
				continue
			}
			out = append(out, Position{Asset: entry.asset, Amount: balance})
		}
		return out, nil
	})
}

// TotalCollateral returns the amount of asset held in custody across all
// accounts.
func (e *Engine) TotalCollateral(asset common.Address) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		if _, err := e.registry.lookup(asset); err != nil {
			return nil, err
		}
		return e.collateral.Total(asset), nil
	})
}

func (e *Engine) TotalDebt() (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.debt.Total(), nil
	})
}

func (e *Engine) HealthFactor(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.risk.HealthFactor(ctx, account)
	})
}

func (e *Engine) USDValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.risk.USDValue(ctx, asset, amount)
	})
}

func (e *Engine) TokenAmountFromUSD(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	return view(e, func() (*uint256.Int, error) {
		return e.risk.TokenAmountFromUSD(ctx, asset, usdAmount)
	})
}

// CollateralAssets lists the supported assets in registration order. The
// registry is immutable so no guard is needed.
func (e *Engine) CollateralAssets() []common.Address {
	if e == nil {
		return nil
	}
	return e.registry.Assets()
}

// PriceFeedID returns the feed bound to asset.
func (e *Engine) PriceFeedID(asset common.Address) (string, error) {
	if e == nil {
		return "", ErrNilState
	}
	entry, err := e.registry.lookup(asset)
	if err != nil {
		return "", err
	}
	return entry.feedID, nil
}

// AssetDecimals returns the native decimals of asset.
func (e *Engine) AssetDecimals(asset common.Address) (uint8, error) {
	if e == nil {
		return 0, ErrNilState
	}
	entry, err := e.registry.lookup(asset)
	if err != nil {
		return 0, err
	}
	return entry.decimals, nil
}

func (e *Engine) Params() Params { return DefaultParams() }

func (e *Engine) DebtToken() DebtToken {
	if e == nil {
		return nil
	}
	return e.debtToken
}
