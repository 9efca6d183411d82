package config

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stablevault/native/token"
)

// Credit is a genesis allocation resolved to base units.
type Credit struct {
	Account common.Address
	Symbol  string
	Amount  *uint256.Int
}

// EngineAddress returns the parsed custody account.
func (c Config) EngineAddress() common.Address {
	return common.HexToAddress(c.Engine.Address)
}

// AddressOf returns the parsed token address of a collateral asset.
func (a Asset) AddressOf() common.Address {
	return common.HexToAddress(a.Address)
}

// Credits resolves the genesis allocations. Load has already validated them,
// so parsing errors only surface for hand-built configs.
func (c Config) Credits() ([]Credit, error) {
	out := make([]Credit, 0, len(c.Genesis))
	for _, alloc := range c.Genesis {
		decimals, _ := c.Decimals(alloc.Symbol)
		amount, err := token.ParseUnits(alloc.Amount, decimals)
		if err != nil {
			return nil, err
		}
		out = append(out, Credit{
			Account: common.HexToAddress(alloc.Account),
			Symbol:  alloc.Symbol,
			Amount:  amount,
		})
	}
	return out, nil
}
