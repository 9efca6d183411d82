package token

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized          = errors.New("token: caller not authorised")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidRecipient      = errors.New("token: invalid recipient")
	ErrOverflow              = errors.New("token: supply overflow")
)

// Transfer describes a committed balance movement. Mints carry a zero From and
// burns a zero To.
type Transfer struct {
	Token  string
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// Hook observes transfers. It runs after the ledger lock is released so it may
// call back into the ledger or into whoever initiated the transfer.
type Hook func(Transfer)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is an in-memory fungible balance sheet with allowances and an
// owner-gated supply. Mutations made while a snapshot is open are journaled
// and can be reverted. Their hook notifications are held until the last
// snapshot is discarded, and dropped if it is reverted.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	decimals   uint8
	owner      common.Address
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int

	journal []func()
	open    int
	pending []Transfer
	hook    Hook
}

// NewLedger creates an empty ledger whose supply is controlled by owner.
func NewLedger(symbol string, decimals uint8, owner common.Address) *Ledger {
	return &Ledger{
		symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		decimals:   decimals,
		owner:      owner,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }
func (l *Ledger) Owner() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// SetOwner hands supply control to a new account.
func (l *Ledger) SetOwner(owner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
}

// SetHook installs the transfer observer. A nil hook disables notifications.
func (l *Ledger) SetHook(hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(account)
}

func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.supply)
}

func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowanceLocked(owner, spender)
}

// Holders returns every account with a non-zero balance, sorted by address.
func (l *Ledger) Holders() []common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]common.Address, 0, len(l.balances))
	for account, balance := range l.balances {
		if !balance.IsZero() {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Balances returns a copy of every tracked balance, including zero entries
// left behind by transfers.
func (l *Ledger) Balances() map[common.Address]*uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[common.Address]*uint256.Int, len(l.balances))
	for account, balance := range l.balances {
		out[account] = new(uint256.Int).Set(balance)
	}
	return out
}

// Restore replaces every balance and recomputes the supply. It is meant for
// loading persisted state before the ledger is used.
func (l *Ledger) Restore(balances map[common.Address]*uint256.Int) error {
	supply := new(uint256.Int)
	restored := make(map[common.Address]*uint256.Int, len(balances))
	for account, balance := range balances {
		if balance == nil {
			continue
		}
		var overflow bool
		if supply, overflow = new(uint256.Int).AddOverflow(supply, balance); overflow {
			return ErrOverflow
		}
		restored[account] = new(uint256.Int).Set(balance)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = restored
	l.supply = supply
	l.journal = nil
	l.open = 0
	l.pending = nil
	return nil
}

// Credit creates amount out of thin air for genesis allocations. It bypasses
// the owner check and is not exposed through Caller.
func (l *Ledger) Credit(to common.Address, amount *uint256.Int) error {
	return l.mint(to, amount)
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrInvalidRecipient
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowanceLocked(owner, spender, amount)
	return nil
}

// Move transfers amount from one account to another without an allowance.
func (l *Ledger) Move(from, to common.Address, amount *uint256.Int) error {
	if err := l.move(from, to, amount, nil); err != nil {
		return err
	}
	l.notify(from, to, amount)
	return nil
}

func (l *Ledger) move(from, to common.Address, amount *uint256.Int, spender *common.Address) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var allowance *uint256.Int
	if spender != nil {
		allowance = l.allowanceLocked(from, *spender)
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: %s < %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
		}
	}
	fromBalance := l.balanceLocked(from)
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: %s < %s", ErrInsufficientBalance, fromBalance.Dec(), amount.Dec())
	}
	if allowance != nil {
		l.setAllowanceLocked(from, *spender, allowance.Sub(allowance, amount))
	}
	l.setBalanceLocked(from, fromBalance.Sub(fromBalance, amount))
	toBalance := l.balanceLocked(to)
	l.setBalanceLocked(to, toBalance.Add(toBalance, amount))
	return nil
}

func (l *Ledger) mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		l.mu.Unlock()
		return ErrOverflow
	}
	l.setSupplyLocked(supply)
	balance := l.balanceLocked(to)
	l.setBalanceLocked(to, balance.Add(balance, amount))
	l.mu.Unlock()
	l.notify(common.Address{}, to, amount)
	return nil
}

func (l *Ledger) burn(from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	balance := l.balanceLocked(from)
	if balance.Lt(amount) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s < %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
	}
	l.setBalanceLocked(from, balance.Sub(balance, amount))
	l.setSupplyLocked(new(uint256.Int).Sub(l.supply, amount))
	l.mu.Unlock()
	l.notify(from, common.Address{}, amount)
	return nil
}

func (l *Ledger) notify(from, to common.Address, amount *uint256.Int) {
	tr := Transfer{Token: l.symbol, From: from, To: to, Amount: new(uint256.Int).Set(amount)}
	l.mu.Lock()
	if l.open > 0 {
		n := len(l.pending)
		l.pending = append(l.pending, tr)
		l.record(func() { l.pending = l.pending[:n] })
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.flush([]Transfer{tr})
}

// flush hands transfers to the hook. It must be called without the lock held.
func (l *Ledger) flush(transfers []Transfer) {
	if len(transfers) == 0 {
		return
	}
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()
	if hook == nil {
		return
	}
	for _, tr := range transfers {
		hook(tr)
	}
}

func (l *Ledger) balanceLocked(account common.Address) *uint256.Int {
	if balance, ok := l.balances[account]; ok {
		return new(uint256.Int).Set(balance)
	}
	return new(uint256.Int)
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if allowance, ok := l.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(allowance)
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalanceLocked(account common.Address, amount *uint256.Int) {
	prev, existed := l.balances[account]
	l.record(func() {
		if existed {
			l.balances[account] = prev
		} else {
			delete(l.balances, account)
		}
	})
	l.balances[account] = amount
}

func (l *Ledger) setAllowanceLocked(owner, spender common.Address, amount *uint256.Int) {
	key := allowanceKey{owner, spender}
	prev, existed := l.allowances[key]
	l.record(func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
	if amount == nil {
		amount = new(uint256.Int)
	}
	l.allowances[key] = new(uint256.Int).Set(amount)
}

func (l *Ledger) setSupplyLocked(amount *uint256.Int) {
	prev := l.supply
	l.record(func() { l.supply = prev })
	l.supply = amount
}

// record appends an undo entry while at least one snapshot is open.
func (l *Ledger) record(undo func()) {
	if l.open == 0 {
		return
	}
	l.journal = append(l.journal, undo)
}

// Snapshot opens a revision and returns its identifier.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open++
	return len(l.journal)
}

// RevertToSnapshot undoes every change made since the revision was taken and
// closes it.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	if id < 0 || id > len(l.journal) {
		l.mu.Unlock()
		return
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i]()
	}
	l.journal = l.journal[:id]
	flushed := l.closeLocked()
	l.mu.Unlock()
	l.flush(flushed)
}

// DiscardSnapshot closes the revision and keeps its changes.
func (l *Ledger) DiscardSnapshot(int) {
	l.mu.Lock()
	flushed := l.closeLocked()
	l.mu.Unlock()
	l.flush(flushed)
}

// closeLocked closes one revision. Once none is open it returns the held
// notifications for the caller to flush.
func (l *Ledger) closeLocked() []Transfer {
	if l.open > 0 {
		l.open--
	}
	if l.open > 0 {
		return nil
	}
	l.journal = nil
	flushed := l.pending
	l.pending = nil
	return flushed
}

// Caller returns a view of the ledger that acts as account.
func (l *Ledger) Caller(account common.Address) *Handle {
	return &Handle{ledger: l, caller: account}
}
