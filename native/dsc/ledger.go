package dsc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type positionKey struct {
	account common.Address
	asset   common.Address
}

// CollateralLedger tracks how much of each asset backs each account, together
// with per-asset totals that must match the engine's custody balances.
type CollateralLedger struct {
	balances map[positionKey]*uint256.Int
	totals   map[common.Address]*uint256.Int
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{
		balances: make(map[positionKey]*uint256.Int),
		totals:   make(map[common.Address]*uint256.Int),
	}
}

// BalanceOf returns a copy of the account's deposited balance of asset.
func (l *CollateralLedger) BalanceOf(account, asset common.Address) *uint256.Int {
	return copyAmount(l.balances[positionKey{account, asset}])
}

// Total returns the sum of every account's balance of asset.
func (l *CollateralLedger) Total(asset common.Address) *uint256.Int {
	return copyAmount(l.totals[asset])
}

func (l *CollateralLedger) credit(account, asset common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	key := positionKey{account, asset}
	balance, err := checkedAdd(l.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	total, err := checkedAdd(l.Total(asset), amount)
	if err != nil {
		return err
	}
	l.balances[key] = balance
	l.totals[asset] = total
	return nil
}

func (l *CollateralLedger) debit(account, asset common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	key := positionKey{account, asset}
	balance, err := checkedSub(l.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	total, err := checkedSub(l.Total(asset), amount)
	if err != nil {
		return err
	}
	l.balances[key] = balance
	l.totals[asset] = total
	return nil
}

// restore overwrites a balance, keeping the asset total consistent. Used when
// reverting journaled changes and when loading persisted rows.
func (l *CollateralLedger) restore(account, asset common.Address, amount *uint256.Int) {
	key := positionKey{account, asset}
	total := l.Total(asset)
	total.Sub(total, l.BalanceOf(account, asset))
	total.Add(total, amount)
	l.balances[key] = copyAmount(amount)
	l.totals[asset] = total
}

// DebtLedger tracks minted debt per account.
type DebtLedger struct {
	balances map[common.Address]*uint256.Int
	total    *uint256.Int
}

func NewDebtLedger() *DebtLedger {
	return &DebtLedger{
		balances: make(map[common.Address]*uint256.Int),
		total:    zero(),
	}
}

// BalanceOf returns a copy of the account's debt.
func (l *DebtLedger) BalanceOf(account common.Address) *uint256.Int {
	return copyAmount(l.balances[account])
}

// Total returns the outstanding debt across all accounts.
func (l *DebtLedger) Total() *uint256.Int {
	return copyAmount(l.total)
}

func (l *DebtLedger) credit(account common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	balance, err := checkedAdd(l.BalanceOf(account), amount)
	if err != nil {
		return err
	}
	total, err := checkedAdd(l.total, amount)
	if err != nil {
		return err
	}
	l.balances[account] = balance
	l.total = total
	return nil
}

func (l *DebtLedger) debit(account common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	balance, err := checkedSub(l.BalanceOf(account), amount)
	if err != nil {
		return err
	}
	total, err := checkedSub(l.total, amount)
	if err != nil {
		return err
	}
	l.balances[account] = balance
	l.total = total
	return nil
}

func (l *DebtLedger) restore(account common.Address, amount *uint256.Int) {
	total := new(uint256.Int).Sub(l.total, l.BalanceOf(account))
	total.Add(total, amount)
	l.balances[account] = copyAmount(amount)
	l.total = total
}
