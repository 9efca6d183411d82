package dsc

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func newTestRisk(t *testing.T) (*RiskEngine, *fakeOracle) {
	t.Helper()
	registry, err := NewAssetRegistry([]AssetConfig{
		{Asset: wethAddr, FeedID: "ETH/USD", Token: newMockToken()},
		{Asset: wbtcAddr, FeedID: "BTC/USD", Decimals: 8, Token: newMockToken()},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	oracle := newFakeOracle()
	oracle.setUSD("ETH/USD", 2000)
	oracle.setUSD("BTC/USD", 30000)
	return NewRiskEngine(registry, NewCollateralLedger(), NewDebtLedger(), oracle), oracle
}

func TestUSDValueScalesFeedAndAssetDecimals(t *testing.T) {
	ctx := context.Background()
	risk, _ := newTestRisk(t)

	value, err := risk.USDValue(ctx, wethAddr, ether(15))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	if !value.Eq(ether(30000)) {
		t.Fatalf("15 WETH at $2000: got %s", value)
	}
	value, err = risk.USDValue(ctx, wbtcAddr, uint256.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	if !value.Eq(ether(15000)) {
		t.Fatalf("0.5 WBTC at $30000: got %s", value)
	}
	amount, err := risk.TokenAmountFromUSD(ctx, wethAddr, ether(100))
	if err != nil {
		t.Fatalf("token amount: %v", err)
	}
	if amount.Cmp(mustDec(t, "50000000000000000")) != 0 {
		t.Fatalf("$100 of WETH: got %s", amount)
	}
}

func TestUSDRoundTripWithinOneUnit(t *testing.T) {
	ctx := context.Background()
	risk, oracle := newTestRisk(t)
	oracle.setUSD("ETH/USD", 1777)
	one := uint256.NewInt(1)
	for _, s := range []string{"1", "999", "123456789012345678", "7000000000000000001", "424242424242424242424242"} {
		amount := mustDec(t, s)
		usd, err := risk.USDValue(ctx, wethAddr, amount)
		if err != nil {
			t.Fatalf("usd value: %v", err)
		}
		back, err := risk.TokenAmountFromUSD(ctx, wethAddr, usd)
		if err != nil {
			t.Fatalf("token amount: %v", err)
		}
		if back.Gt(amount) {
			t.Fatalf("round trip of %s overshot: %s", s, back)
		}
		diff := new(uint256.Int).Sub(amount, back)
		if diff.Gt(one) {
			t.Fatalf("round trip of %s drifted by %s", s, diff)
		}
	}
}

func TestHealthFactorEdges(t *testing.T) {
	hf, err := CalculateHealthFactor(new(uint256.Int), ether(1))
	if err != nil || !hf.Eq(MaxHealthFactor()) {
		t.Fatalf("zero debt: hf=%s err=%v", hf, err)
	}
	hf, err = CalculateHealthFactor(ether(100), ether(200))
	if err != nil || !hf.Eq(MinHealthFactor()) {
		t.Fatalf("200%% collateral: hf=%s err=%v", hf, err)
	}
	hf, err = CalculateHealthFactor(ether(100), new(uint256.Int))
	if err != nil || !hf.IsZero() {
		t.Fatalf("no collateral: hf=%s err=%v", hf, err)
	}
	if _, err := CalculateHealthFactor(uint256.NewInt(1), new(uint256.Int).SetAllOne()); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestTotalCollateralSkipsEmptyFeeds(t *testing.T) {
	ctx := context.Background()
	risk, oracle := newTestRisk(t)
	if err := risk.collateral.credit(alice, wethAddr, ether(1)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	oracle.fail("BTC/USD", ErrStalePrice)

	value, err := risk.TotalCollateralValueUSD(ctx, alice)
	if err != nil {
		t.Fatalf("unexpected error from unused feed: %v", err)
	}
	if !value.Eq(ether(2000)) {
		t.Fatalf("unexpected value %s", value)
	}

	if err := risk.collateral.credit(alice, wbtcAddr, uint256.NewInt(1)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := risk.TotalCollateralValueUSD(ctx, alice); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestAssertHealthy(t *testing.T) {
	ctx := context.Background()
	risk, _ := newTestRisk(t)
	if err := risk.AssertHealthy(ctx, alice); err != nil {
		t.Fatalf("account without debt: %v", err)
	}
	_ = risk.collateral.credit(alice, wethAddr, ether(1))
	_ = risk.debt.credit(alice, ether(1001))
	err := risk.AssertHealthy(ctx, alice)
	var hfErr *HealthFactorError
	if !errors.As(err, &hfErr) || hfErr.Account != alice {
		t.Fatalf("expected HealthFactorError for alice, got %v", err)
	}
}

func TestNormalizePriceRejectsBadAnswers(t *testing.T) {
	for name, quote := range map[string]PriceQuote{
		"nil":      {},
		"zero":     {Answer: ToBig(new(uint256.Int)), Decimals: 8},
		"decimals": {Answer: ToBig(uint256.NewInt(1)), Decimals: 19},
	} {
		if _, err := normalizePrice(quote); !errors.Is(err, ErrOraclePriceInvalid) {
			t.Fatalf("%s: expected ErrOraclePriceInvalid, got %v", name, err)
		}
	}
	price, err := normalizePrice(PriceQuote{Answer: ToBig(uint256.NewInt(200_000_000_000)), Decimals: 8})
	if err != nil || !price.Eq(ether(2000)) {
		t.Fatalf("unexpected price %s err=%v", price, err)
	}
}
