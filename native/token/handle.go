package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Handle binds a ledger to the account issuing calls, the way a contract sees
// msg.sender. It satisfies the engine's token capabilities and forwards the
// snapshot methods to the ledger.
type Handle struct {
	ledger *Ledger
	caller common.Address
}

func (h *Handle) Ledger() *Ledger         { return h.ledger }
func (h *Handle) Account() common.Address { return h.caller }

// Transfer moves amount from the caller to to.
func (h *Handle) Transfer(to common.Address, amount *uint256.Int) bool {
	return h.ledger.Move(h.caller, to, amount) == nil
}

// TransferFrom spends the caller's allowance on from.
func (h *Handle) TransferFrom(from, to common.Address, amount *uint256.Int) bool {
	spender := h.caller
	if err := h.ledger.move(from, to, amount, &spender); err != nil {
		return false
	}
	h.ledger.notify(from, to, amount)
	return true
}

func (h *Handle) BalanceOf(account common.Address) *uint256.Int {
	return h.ledger.BalanceOf(account)
}

// Approve lets spender move amount of the caller's balance.
func (h *Handle) Approve(spender common.Address, amount *uint256.Int) error {
	return h.ledger.Approve(h.caller, spender, amount)
}

// Mint issues new supply. Only the ledger owner may mint.
func (h *Handle) Mint(to common.Address, amount *uint256.Int) bool {
	if h.caller != h.ledger.Owner() {
		return false
	}
	return h.ledger.mint(to, amount) == nil
}

// Burn destroys amount of the caller's own balance. Only the ledger owner may
// burn.
func (h *Handle) Burn(amount *uint256.Int) error {
	if h.caller != h.ledger.Owner() {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, h.caller.Hex())
	}
	return h.ledger.burn(h.caller, amount)
}

func (h *Handle) Snapshot() int           { return h.ledger.Snapshot() }
func (h *Handle) RevertToSnapshot(id int) { h.ledger.RevertToSnapshot(id) }
func (h *Handle) DiscardSnapshot(id int)  { h.ledger.DiscardSnapshot(id) }
