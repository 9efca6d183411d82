package token

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 18, "1500000000000000000"},
		{" 0.00000001 ", 8, "1"},
		{"2000", 0, "2000"},
		{"0", 18, "0"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("ParseUnits(%q) = %s, want %s", tc.in, got.Dec(), tc.want)
		}
	}
}

func TestParseUnitsRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.000000001", "1e100"} {
		if _, err := ParseUnits(in, 8); !errors.Is(err, ErrInvalidUnits) {
			t.Fatalf("ParseUnits(%q): expected ErrInvalidUnits, got %v", in, err)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	if got := FormatUnits(uint256.NewInt(1_500_000_000_000_000_000), 18); got != "1.5" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatUnits(nil, 18); got != "0" {
		t.Fatalf("nil formatted as %q", got)
	}
	if got := FormatUnits(uint256.NewInt(7), 0); got != "7" {
		t.Fatalf("unexpected format %q", got)
	}
}
