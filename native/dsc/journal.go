package dsc

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stablevault/core/events"
)

// journalEntry undoes one effect of an in-flight operation.
type journalEntry interface {
	revert(e *Engine) error
}

type collateralChange struct {
	account common.Address
	asset   common.Address
	prev    *uint256.Int
}

func (c collateralChange) revert(e *Engine) error {
	e.collateral.restore(c.account, c.asset, c.prev)
	return nil
}

type debtChange struct {
	account common.Address
	prev    *uint256.Int
}

func (c debtChange) revert(e *Engine) error {
	e.debt.restore(c.account, c.prev)
	return nil
}

type tokenSnapshot struct {
	token Journaled
	id    int
}

func (s tokenSnapshot) revert(*Engine) error {
	s.token.RevertToSnapshot(s.id)
	return nil
}

// compensation reverses an external call on a token that cannot snapshot
// itself.
type compensation struct {
	label string
	undo  func() bool
}

func (c compensation) revert(*Engine) error {
	if !c.undo() {
		return fmt.Errorf("%w: %s", ErrRollbackIncomplete, c.label)
	}
	return nil
}

// settlement is an outgoing call held back until every check of the
// operation has passed. Non-journaled settlements run after the ledgers are
// persisted, so a failed operation never has to claw tokens back from a
// recipient.
type settlement struct {
	label     string
	journaled bool
	run       func() error
	undo      func() bool
}

// operation collects everything a single entry point did so that it can be
// committed or discarded as a unit.
type operation struct {
	id        string
	name      string
	entries   []journalEntry
	snapshots []tokenSnapshot
	events    []events.Event
	pending   []settlement

	dirtyCollateral []positionKey
	dirtyDebt       []common.Address
	seenCollateral  map[positionKey]struct{}
	seenDebt        map[common.Address]struct{}
}

func newOperation(id, name string) *operation {
	return &operation{
		id:             id,
		name:           name,
		seenCollateral: make(map[positionKey]struct{}),
		seenDebt:       make(map[common.Address]struct{}),
	}
}

func (op *operation) record(entry journalEntry) {
	op.entries = append(op.entries, entry)
}

func (op *operation) emit(evt events.Event) {
	op.events = append(op.events, evt)
}

func (op *operation) schedule(s settlement) {
	op.pending = append(op.pending, s)
}

// settle runs the pending settlements of one kind in the order they were
// scheduled. A non-journaled settlement that went through is journaled as a
// compensation in case a later one fails.
func (op *operation) settle(journaled bool) error {
	for _, s := range op.pending {
		if s.journaled != journaled {
			continue
		}
		if err := s.run(); err != nil {
			return err
		}
		if !journaled {
			op.record(compensation{label: "undo " + s.label, undo: s.undo})
		}
	}
	return nil
}

func (op *operation) touchCollateral(key positionKey) {
	if _, ok := op.seenCollateral[key]; ok {
		return
	}
	op.seenCollateral[key] = struct{}{}
	op.dirtyCollateral = append(op.dirtyCollateral, key)
}

func (op *operation) touchDebt(account common.Address) {
	if _, ok := op.seenDebt[account]; ok {
		return
	}
	op.seenDebt[account] = struct{}{}
	op.dirtyDebt = append(op.dirtyDebt, account)
}

// checkpoint snapshots a journaled token the first time the operation touches
// it and reports whether the token can revert itself.
func (op *operation) checkpoint(token Token) bool {
	journaled, ok := token.(Journaled)
	if !ok {
		return false
	}
	for _, snap := range op.snapshots {
		if snap.token == journaled {
			return true
		}
	}
	snap := tokenSnapshot{token: journaled, id: journaled.Snapshot()}
	op.snapshots = append(op.snapshots, snap)
	op.record(snap)
	return true
}

// rollback unwinds the journal newest first. Every entry is attempted even if
// an earlier one fails.
func (op *operation) rollback(e *Engine) error {
	var errs []error
	for i := len(op.entries) - 1; i >= 0; i-- {
		if err := op.entries[i].revert(e); err != nil {
			errs = append(errs, err)
		}
	}
	op.entries = nil
	op.snapshots = nil
	op.events = nil
	op.pending = nil
	return errors.Join(errs...)
}

// release tells journaled tokens the operation committed.
func (op *operation) release() {
	for i := len(op.snapshots) - 1; i >= 0; i-- {
		op.snapshots[i].token.DiscardSnapshot(op.snapshots[i].id)
	}
	op.snapshots = nil
	op.entries = nil
}
