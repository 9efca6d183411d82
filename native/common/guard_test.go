package common

import (
	"errors"
	"testing"
)

func TestGuardRejectsNestedEntry(t *testing.T) {
	var g Guard
	var nested error
	err := g.Run(func() error {
		nested = g.Run(func() error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(nested, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", nested)
	}
	if g.Active() {
		t.Fatalf("expected guard to be released")
	}
}

func TestGuardReleasesOnError(t *testing.T) {
	var g Guard
	boom := errors.New("boom")
	if err := g.Run(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := g.Enter(); err != nil {
		t.Fatalf("expected guard to be free after failure: %v", err)
	}
	g.Exit()
}

func TestNilGuardIsPermissive(t *testing.T) {
	var g *Guard
	if err := g.Enter(); err != nil {
		t.Fatalf("nil guard should admit callers: %v", err)
	}
	g.Exit()
	if g.Active() {
		t.Fatalf("nil guard is never active")
	}
}
