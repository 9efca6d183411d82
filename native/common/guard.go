package common

import (
	"errors"
	"sync/atomic"
)

var ErrReentrant = errors.New("reentrant call rejected")

// Guard admits one caller at a time into a module. A caller arriving while
// another invocation is still running is turned away immediately rather than
// queued, so callbacks fired from inside an invocation cannot observe or mutate
// half-applied state.
type Guard struct {
	entered atomic.Bool
}

// Enter claims the guard or fails with ErrReentrant when it is already held.
func (g *Guard) Enter() error {
	if g == nil {
		return nil
	}
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

// Exit releases the guard.
func (g *Guard) Exit() {
	if g == nil {
		return
	}
	g.entered.Store(false)
}

// Active reports whether an invocation currently holds the guard.
func (g *Guard) Active() bool {
	if g == nil {
		return false
	}
	return g.entered.Load()
}

// Run executes fn while holding the guard.
func (g *Guard) Run(fn func() error) error {
	if err := g.Enter(); err != nil {
		return err
	}
	defer g.Exit()
	return fn()
}
