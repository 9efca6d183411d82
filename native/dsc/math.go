package dsc

import (
	"math/big"

	"github.com/holiman/uint256"
)

var ten = uint256.NewInt(10)

func pow10(exp uint8) *uint256.Int {
	return new(uint256.Int).Exp(ten, uint256.NewInt(uint64(exp)))
}

func isPositive(amount *uint256.Int) bool {
	return amount != nil && !amount.IsZero()
}

func zero() *uint256.Int { return new(uint256.Int) }

func copyAmount(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return zero()
	}
	return new(uint256.Int).Set(amount)
}

func checkedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// checkedSub fails with ErrInsufficientBalance instead of wrapping.
func checkedSub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrInsufficientBalance
	}
	return diff, nil
}

// mulDiv computes a*b/d, failing when the product does not fit 256 bits.
func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	if d.IsZero() {
		return nil, ErrOverflow
	}
	return product.Div(product, d), nil
}

// normalizePrice scales a positive oracle answer from its feed decimals to the
// shared 18 decimal precision.
func normalizePrice(quote PriceQuote) (*uint256.Int, error) {
	if quote.Answer == nil || quote.Answer.Sign() <= 0 {
		return nil, ErrOraclePriceInvalid
	}
	if quote.Decimals > PrecisionDecimals {
		return nil, ErrOraclePriceInvalid
	}
	answer, overflow := uint256.FromBig(quote.Answer)
	if overflow {
		return nil, ErrOraclePriceInvalid
	}
	scaled, overflow := new(uint256.Int).MulOverflow(answer, pow10(PrecisionDecimals-quote.Decimals))
	if overflow {
		return nil, ErrOverflow
	}
	return scaled, nil
}

// ToBig converts an amount for callers working in math/big.
func ToBig(amount *uint256.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return amount.ToBig()
}
