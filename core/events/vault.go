package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stablevault/core/types"
)

const (
	// TypeCollateralDeposited is emitted when collateral enters engine custody.
	TypeCollateralDeposited = "vault.collateral.deposited"
	// TypeCollateralRedeemed is emitted whenever collateral leaves an account's
	// position, including seizures during liquidation.
	TypeCollateralRedeemed = "vault.collateral.redeemed"
	// TypeDebtMinted is emitted when an account mints new debt.
	TypeDebtMinted = "vault.debt.minted"
	// TypeDebtBurned is emitted when debt is repaid and burned.
	TypeDebtBurned = "vault.debt.burned"
	// TypeLiquidation summarises a completed liquidation.
	TypeLiquidation = "vault.liquidation"
)

type CollateralDeposited struct {
	OpID    string
	Account common.Address
	Asset   common.Address
	Amount  *uint256.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposited,
		Attributes: withOp(map[string]string{
			"account": formatAddress(e.Account),
			"asset":   formatAddress(e.Asset),
			"amount":  formatAmount(e.Amount),
		}, e.OpID),
	}
}

// CollateralRedeemed records collateral moving out of From's position to To.
// The two differ when a liquidator seizes a defaulter's collateral.
type CollateralRedeemed struct {
	OpID   string
	From   common.Address
	To     common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRedeemed,
		Attributes: withOp(map[string]string{
			"from":   formatAddress(e.From),
			"to":     formatAddress(e.To),
			"asset":  formatAddress(e.Asset),
			"amount": formatAmount(e.Amount),
		}, e.OpID),
	}
}

type DebtMinted struct {
	OpID    string
	Account common.Address
	Amount  *uint256.Int
}

func (DebtMinted) EventType() string { return TypeDebtMinted }

func (e DebtMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeDebtMinted,
		Attributes: withOp(map[string]string{
			"account": formatAddress(e.Account),
			"amount":  formatAmount(e.Amount),
		}, e.OpID),
	}
}

// DebtBurned records debt repaid by Payer on behalf of Account.
type DebtBurned struct {
	OpID    string
	Account common.Address
	Payer   common.Address
	Amount  *uint256.Int
}

func (DebtBurned) EventType() string { return TypeDebtBurned }

func (e DebtBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeDebtBurned,
		Attributes: withOp(map[string]string{
			"account": formatAddress(e.Account),
			"payer":   formatAddress(e.Payer),
			"amount":  formatAmount(e.Amount),
		}, e.OpID),
	}
}

type Liquidation struct {
	OpID         string
	Liquidator   common.Address
	Defaulter    common.Address
	Asset        common.Address
	DebtCovered  *uint256.Int
	Seized       *uint256.Int
	Bonus        *uint256.Int
	HealthBefore *uint256.Int
	HealthAfter  *uint256.Int
}

func (Liquidation) EventType() string { return TypeLiquidation }

func (e Liquidation) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidation,
		Attributes: withOp(map[string]string{
			"liquidator":   formatAddress(e.Liquidator),
			"defaulter":    formatAddress(e.Defaulter),
			"asset":        formatAddress(e.Asset),
			"debtCovered":  formatAmount(e.DebtCovered),
			"seized":       formatAmount(e.Seized),
			"bonus":        formatAmount(e.Bonus),
			"healthBefore": formatAmount(e.HealthBefore),
			"healthAfter":  formatAmount(e.HealthAfter),
		}, e.OpID),
	}
}
