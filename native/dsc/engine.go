package dsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablevault/core/events"
	nativecommon "stablevault/native/common"
)

const tracerName = "stablevault/native/dsc"

// Engine orchestrates the collateral and debt state transitions. Every public
// entry point runs under a non-reentrant guard and either commits all of its
// effects or none of them.
type Engine struct {
	address    common.Address
	registry   *AssetRegistry
	collateral *CollateralLedger
	debt       *DebtLedger
	risk       *RiskEngine
	debtToken  DebtToken

	guard   nativecommon.Guard
	store   LedgerStore
	emitter events.Emitter
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedgerStore persists committed ledger rows and restores them at startup.
func WithLedgerStore(store LedgerStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithEmitter installs the sink for committed events.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithMetrics installs an operation recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithIDGenerator overrides the operation id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine validates the asset registry and wires the engine to its
// collaborators. When a ledger store is configured its rows are loaded before
// the engine is returned.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.DebtToken == nil {
		return nil, fmt.Errorf("%w: debt token required", ErrNilState)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("%w: price oracle required", ErrNilState)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: engine address required", ErrNilState)
	}
	registry, err := NewAssetRegistry(cfg.Assets)
	if err != nil {
		return nil, err
	}
	collateral := NewCollateralLedger()
	debt := NewDebtLedger()
	e := &Engine{
		address:    cfg.Address,
		registry:   registry,
		collateral: collateral,
		debt:       debt,
		risk:       NewRiskEngine(registry, collateral, debt, cfg.Oracle),
		debtToken:  cfg.DebtToken,
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.store != nil {
		if err := e.load(); err != nil {
			return nil, fmt.Errorf("load ledgers: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) load() error {
	collateralRows, debtRows, err := e.store.LoadLedgers()
	if err != nil {
		return err
	}
	for _, row := range collateralRows {
		if !e.registry.Supported(row.Asset) {
			return fmt.Errorf("%w: persisted row for %s", ErrUnsupportedAsset, row.Asset.Hex())
		}
		e.collateral.restore(row.Account, row.Asset, copyAmount(row.Amount))
	}
	for _, row := range debtRows {
		e.debt.restore(row.Account, copyAmount(row.Amount))
	}
	return nil
}

// execute runs fn as one all-or-nothing operation.
func (e *Engine) execute(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context, op *operation) error) error {
	if e == nil || e.registry == nil {
		return ErrNilState
	}
	if err := e.guard.Enter(); err != nil {
		e.observe(name, err, 0)
		return err
	}
	defer e.guard.Exit()

	op := newOperation(e.newID(), name)
	attrs = append(attrs, attribute.String("dsc.op_id", op.id))
	ctx, span := e.tracer.Start(ctx, "dsc."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx, op)
	if err == nil {
		err = op.settle(true)
	}
	if err == nil {
		err = e.persist(op)
	}
	persisted := err == nil
	if err == nil {
		err = op.settle(false)
	}
	if err != nil {
		if rbErr := op.rollback(e); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		if persisted {
			// The batch already holds the post-operation rows; write the
			// reverted values back over them.
			if pErr := e.persist(op); pErr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %v", ErrRollbackIncomplete, pErr))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		e.logger.Warn("dsc operation reverted",
			slog.String("op", name),
			slog.String("opId", op.id),
			slog.String("kind", ErrorKind(err)),
			slog.String("error", err.Error()))
		e.observe(name, err, time.Since(start))
		return err
	}

	op.release()
	for _, evt := range op.events {
		e.emitter.Emit(evt)
	}
	e.logger.Debug("dsc operation committed",
		slog.String("op", name),
		slog.String("opId", op.id),
		slog.Int("events", len(op.events)))
	e.observe(name, nil, time.Since(start))
	return nil
}

func (e *Engine) observe(name string, err error, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveOperation(name, ErrorKind(err), d)
}

func (e *Engine) persist(op *operation) error {
	if e.store == nil || (len(op.dirtyCollateral) == 0 && len(op.dirtyDebt) == 0) {
		return nil
	}
	collateral := make([]CollateralRow, 0, len(op.dirtyCollateral))
	for _, key := range op.dirtyCollateral {
		collateral = append(collateral, CollateralRow{
			Account: key.account,
			Asset:   key.asset,
			Amount:  e.collateral.BalanceOf(key.account, key.asset),
		})
	}
	debt := make([]DebtRow, 0, len(op.dirtyDebt))
	for _, account := range op.dirtyDebt {
		debt = append(debt, DebtRow{Account: account, Amount: e.debt.BalanceOf(account)})
	}
	if err := e.store.StoreLedgers(collateral, debt); err != nil {
		return fmt.Errorf("persist ledgers: %w", err)
	}
	return nil
}

// --- journaled ledger mutations ---

func (e *Engine) creditCollateral(op *operation, account, asset common.Address, amount *uint256.Int) error {
	prev := e.collateral.BalanceOf(account, asset)
	if err := e.collateral.credit(account, asset, amount); err != nil {
		return err
	}
	op.record(collateralChange{account: account, asset: asset, prev: prev})
	op.touchCollateral(positionKey{account, asset})
	return nil
}

func (e *Engine) debitCollateral(op *operation, account, asset common.Address, amount *uint256.Int) error {
	prev := e.collateral.BalanceOf(account, asset)
	if err := e.collateral.debit(account, asset, amount); err != nil {
		return err
	}
	op.record(collateralChange{account: account, asset: asset, prev: prev})
	op.touchCollateral(positionKey{account, asset})
	return nil
}

func (e *Engine) creditDebt(op *operation, account common.Address, amount *uint256.Int) error {
	prev := e.debt.BalanceOf(account)
	if err := e.debt.credit(account, amount); err != nil {
		return err
	}
	op.record(debtChange{account: account, prev: prev})
	op.touchDebt(account)
	return nil
}

func (e *Engine) debitDebt(op *operation, account common.Address, amount *uint256.Int) error {
	prev := e.debt.BalanceOf(account)
	if err := e.debt.debit(account, amount); err != nil {
		return err
	}
	op.record(debtChange{account: account, prev: prev})
	op.touchDebt(account)
	return nil
}

// --- journaled external calls ---

// pull moves amount from an account into engine custody.
func (e *Engine) pull(op *operation, token Token, from common.Address, amount *uint256.Int) error {
	journaled := op.checkpoint(token)
	if !token.TransferFrom(from, e.address, amount) {
		return fmt.Errorf("%w: pull %s from %s", ErrTransferFailed, amount.Dec(), from.Hex())
	}
	if !journaled {
		refund := copyAmount(amount)
		op.record(compensation{
			label: "refund " + refund.Dec() + " to " + from.Hex(),
			undo:  func() bool { return token.Transfer(from, refund) },
		})
	}
	return nil
}

// push schedules amount to leave engine custody once the operation commits.
func (e *Engine) push(op *operation, token Token, to common.Address, amount *uint256.Int) {
	sent := copyAmount(amount)
	op.schedule(settlement{
		label:     "send " + sent.Dec() + " to " + to.Hex(),
		journaled: op.checkpoint(token),
		run: func() error {
			if !token.Transfer(to, sent) {
				return fmt.Errorf("%w: send %s to %s", ErrTransferFailed, sent.Dec(), to.Hex())
			}
			return nil
		},
		undo: func() bool { return token.TransferFrom(to, e.address, sent) },
	})
}

// mintTokens schedules a debt token mint to run once the operation commits.
func (e *Engine) mintTokens(op *operation, to common.Address, amount *uint256.Int) {
	minted := copyAmount(amount)
	op.schedule(settlement{
		label:     "mint " + minted.Dec() + " to " + to.Hex(),
		journaled: op.checkpoint(e.debtToken),
		run: func() error {
			if !e.debtToken.Mint(to, minted) {
				return fmt.Errorf("%w: mint %s to %s", ErrMintFailed, minted.Dec(), to.Hex())
			}
			return nil
		},
		undo: func() bool {
			if !e.debtToken.TransferFrom(to, e.address, minted) {
				return false
			}
			return e.debtToken.Burn(minted) == nil
		},
	})
}

func (e *Engine) burnTokens(op *operation, amount *uint256.Int) error {
	journaled := op.checkpoint(e.debtToken)
	if err := e.debtToken.Burn(amount); err != nil {
		return fmt.Errorf("%w: burn %s: %v", ErrTransferFailed, amount.Dec(), err)
	}
	if !journaled {
		burned := copyAmount(amount)
		op.record(compensation{
			label: "reissue " + burned.Dec(),
			undo:  func() bool { return e.debtToken.Mint(e.address, burned) },
		})
	}
	return nil
}

// --- state transitions ---

func (e *Engine) depositCollateral(op *operation, account, asset common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	entry, err := e.registry.lookup(asset)
	if err != nil {
		return err
	}
	if err := e.creditCollateral(op, account, asset, amount); err != nil {
		return err
	}
	op.emit(events.CollateralDeposited{OpID: op.id, Account: account, Asset: asset, Amount: copyAmount(amount)})
	return e.pull(op, entry.token, account, amount)
}

func (e *Engine) redeemCollateral(op *operation, asset common.Address, amount *uint256.Int, from, to common.Address) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	entry, err := e.registry.lookup(asset)
	if err != nil {
		return err
	}
	if err := e.debitCollateral(op, from, asset, amount); err != nil {
		return err
	}
	op.emit(events.CollateralRedeemed{OpID: op.id, From: from, To: to, Asset: asset, Amount: copyAmount(amount)})
	e.push(op, entry.token, to, amount)
	return nil
}

func (e *Engine) mintDebt(ctx context.Context, op *operation, account common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	if err := e.creditDebt(op, account, amount); err != nil {
		return err
	}
	if err := e.risk.AssertHealthy(ctx, account); err != nil {
		return err
	}
	e.mintTokens(op, account, amount)
	op.emit(events.DebtMinted{OpID: op.id, Account: account, Amount: copyAmount(amount)})
	return nil
}

// burnDebt pulls amount from payer, burns it and reduces onBehalfOf's debt.
func (e *Engine) burnDebt(op *operation, amount *uint256.Int, onBehalfOf, payer common.Address) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	if err := e.pull(op, e.debtToken, payer, amount); err != nil {
		return err
	}
	if err := e.burnTokens(op, amount); err != nil {
		return err
	}
	if err := e.debitDebt(op, onBehalfOf, amount); err != nil {
		return err
	}
	op.emit(events.DebtBurned{OpID: op.id, Account: onBehalfOf, Payer: payer, Amount: copyAmount(amount)})
	return nil
}

func accountAttrs(account common.Address, amount *uint256.Int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("dsc.account", account.Hex()),
		attribute.String("dsc.amount", formatValue(amount)),
	}
}

// DepositCollateral credits amount of asset to account and pulls it into
// engine custody. Depositing never lowers a health factor, so no check runs.
func (e *Engine) DepositCollateral(ctx context.Context, account, asset common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "deposit_collateral", accountAttrs(account, amount), func(_ context.Context, op *operation) error {
		return e.depositCollateral(op, account, asset, amount)
	})
}

// MintDebt increases account's debt and mints the tokens to it, provided the
// account stays at or above the minimum health factor.
func (e *Engine) MintDebt(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "mint_debt", accountAttrs(account, amount), func(ctx context.Context, op *operation) error {
		return e.mintDebt(ctx, op, account, amount)
	})
}

// DepositCollateralAndMintDebt deposits then mints in one operation.
func (e *Engine) DepositCollateralAndMintDebt(ctx context.Context, account, asset common.Address, collateralAmount, debtAmount *uint256.Int) error {
	return e.execute(ctx, "deposit_and_mint", accountAttrs(account, debtAmount), func(ctx context.Context, op *operation) error {
		if !isPositive(collateralAmount) || !isPositive(debtAmount) {
			return ErrInvalidAmount
		}
		if err := e.depositCollateral(op, account, asset, collateralAmount); err != nil {
			return err
		}
		return e.mintDebt(ctx, op, account, debtAmount)
	})
}

// RedeemCollateral releases amount of asset from account's position to
// recipient (the account itself when recipient is the zero address). The
// account must remain healthy afterwards.
func (e *Engine) RedeemCollateral(ctx context.Context, account, asset common.Address, amount *uint256.Int, recipient common.Address) error {
	if recipient == (common.Address{}) {
		recipient = account
	}
	return e.execute(ctx, "redeem_collateral", accountAttrs(account, amount), func(ctx context.Context, op *operation) error {
		if err := e.redeemCollateral(op, asset, amount, account, recipient); err != nil {
			return err
		}
		return e.risk.AssertHealthy(ctx, account)
	})
}

// BurnDebt repays amount of the account's own debt.
func (e *Engine) BurnDebt(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "burn_debt", accountAttrs(account, amount), func(ctx context.Context, op *operation) error {
		if err := e.burnDebt(op, amount, account, account); err != nil {
			return err
		}
		return e.risk.AssertHealthy(ctx, account)
	})
}

// RedeemCollateralForDebt burns debt then redeems collateral to the account,
// checking health once at the end.
func (e *Engine) RedeemCollateralForDebt(ctx context.Context, account, asset common.Address, collateralAmount, debtAmount *uint256.Int) error {
	return e.execute(ctx, "redeem_for_debt", accountAttrs(account, collateralAmount), func(ctx context.Context, op *operation) error {
		if !isPositive(collateralAmount) || !isPositive(debtAmount) {
			return ErrInvalidAmount
		}
		if err := e.burnDebt(op, debtAmount, account, account); err != nil {
			return err
		}
		if err := e.redeemCollateral(op, asset, collateralAmount, account, account); err != nil {
			return err
		}
		return e.risk.AssertHealthy(ctx, account)
	})
}

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	DebtCovered  *uint256.Int
	Seized       *uint256.Int
	Bonus        *uint256.Int
	HealthBefore *uint256.Int
	HealthAfter  *uint256.Int
}

// Liquidate lets liquidator repay debtToCover of defaulter's debt in exchange
// for the equivalent amount of collateralAsset plus the liquidation bonus.
//
// The defaulter must be below the minimum health factor and must end strictly
// better off, though not necessarily healthy. When the defaulter does not hold
// enough collateral to cover the seizure the call fails with
// ErrInsufficientBalance; no partial seizure is attempted.
func (e *Engine) Liquidate(ctx context.Context, liquidator, collateralAsset, defaulter common.Address, debtToCover *uint256.Int) (LiquidationResult, error) {
	var result LiquidationResult
	attrs := append(accountAttrs(defaulter, debtToCover), attribute.String("dsc.liquidator", liquidator.Hex()))
	err := e.execute(ctx, "liquidate", attrs, func(ctx context.Context, op *operation) error {
		if !isPositive(debtToCover) {
			return ErrInvalidAmount
		}
		if _, err := e.registry.lookup(collateralAsset); err != nil {
			return err
		}
		before, err := e.risk.HealthFactor(ctx, defaulter)
		if err != nil {
			return err
		}
		if !before.Lt(minHealthFactor) {
			return fmt.Errorf("%w: health factor %s", ErrHealthFactorOk, before.Dec())
		}

		seized, err := e.risk.TokenAmountFromUSD(ctx, collateralAsset, debtToCover)
		if err != nil {
			return err
		}
		bonus, err := mulDiv(seized, liquidationBonus, liquidationPrecision)
		if err != nil {
			return err
		}
		total, err := checkedAdd(seized, bonus)
		if err != nil {
			return err
		}
		if err := e.redeemCollateral(op, collateralAsset, total, defaulter, liquidator); err != nil {
			return err
		}
		if err := e.burnDebt(op, debtToCover, defaulter, liquidator); err != nil {
			return err
		}

		after, err := e.risk.HealthFactor(ctx, defaulter)
		if err != nil {
			return err
		}
		if !after.Gt(before) {
			return &LiquidationError{Defaulter: defaulter, Before: before, After: after}
		}
		if err := e.risk.AssertHealthy(ctx, liquidator); err != nil {
			return err
		}

		result = LiquidationResult{
			DebtCovered:  copyAmount(debtToCover),
			Seized:       total,
			Bonus:        bonus,
			HealthBefore: before,
			HealthAfter:  after,
		}
		op.emit(events.Liquidation{
			OpID:         op.id,
			Liquidator:   liquidator,
			Defaulter:    defaulter,
			Asset:        collateralAsset,
			DebtCovered:  copyAmount(debtToCover),
			Seized:       copyAmount(total),
			Bonus:        copyAmount(bonus),
			HealthBefore: copyAmount(before),
			HealthAfter:  copyAmount(after),
		})
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	if e.metrics != nil {
		e.metrics.ObserveLiquidation(collateralAsset, result.DebtCovered, result.Seized)
	}
	return result, nil
}
