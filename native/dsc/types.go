package dsc

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the transfer capability of a fungible asset as seen from the
// engine's own address: Transfer moves the engine's balance and TransferFrom
// spends an allowance granted to the engine.
type Token interface {
	Transfer(to common.Address, amount *uint256.Int) bool
	TransferFrom(from, to common.Address, amount *uint256.Int) bool
	BalanceOf(account common.Address) *uint256.Int
}

// DebtToken extends Token with the owner-gated supply controls the engine
// holds over the synthetic asset.
type DebtToken interface {
	Token
	Mint(to common.Address, amount *uint256.Int) bool
	Burn(amount *uint256.Int) error
}

// Journaled is implemented by tokens that can checkpoint their own state. The
// engine snapshots such tokens before the first external call of an operation
// and reverts them if the operation fails; other tokens are unwound through
// compensating transfers.
type Journaled interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// PriceQuote is a raw oracle answer. Answer is signed so that invalid negative
// readings surface instead of wrapping.
type PriceQuote struct {
	Answer          *big.Int
	Decimals        uint8
	RoundID         uint64
	AnsweredInRound uint64
	UpdatedAt       time.Time
}

// PriceOracle resolves a price feed identifier to its latest answer. Stale
// answers must be reported with an error wrapping ErrStalePrice.
type PriceOracle interface {
	LatestPrice(ctx context.Context, feedID string) (PriceQuote, error)
}

// AssetConfig registers one collateral asset at construction.
type AssetConfig struct {
	Asset  common.Address
	FeedID string
	// Decimals of the asset's native unit; zero defaults to 18.
	Decimals uint8
	Token    Token
}

// Config wires an engine to its collaborators.
type Config struct {
	// Address is the engine's custody account on every token.
	Address   common.Address
	Assets    []AssetConfig
	DebtToken DebtToken
	Oracle    PriceOracle
}

// AccountInfo summarises an account's position.
type AccountInfo struct {
	Debt          *uint256.Int
	CollateralUSD *uint256.Int
}

// CollateralRow is a persisted (account, asset) collateral balance.
type CollateralRow struct {
	Account common.Address
	Asset   common.Address
	Amount  *uint256.Int
}

// DebtRow is a persisted account debt balance.
type DebtRow struct {
	Account common.Address
	Amount  *uint256.Int
}

// LedgerStore persists committed ledger rows. StoreLedgers receives only the
// rows an operation touched and must apply them atomically.
type LedgerStore interface {
	LoadLedgers() ([]CollateralRow, []DebtRow, error)
	StoreLedgers(collateral []CollateralRow, debt []DebtRow) error
}

// Metrics records operation outcomes.
type Metrics interface {
	ObserveOperation(operation, outcome string, duration time.Duration)
	ObserveLiquidation(asset common.Address, debtCovered, seized *uint256.Int)
}
