package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"stablevault/native/token"
)

func (c Config) validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if !common.IsHexAddress(c.Engine.Address) {
		return fmt.Errorf("engine.address must be a hex address")
	}
	engine := common.HexToAddress(c.Engine.Address)
	if engine == (common.Address{}) {
		return fmt.Errorf("engine.address must not be zero")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one collateral asset must be configured")
	}
	symbols := map[string]struct{}{c.Engine.DebtSymbol: {}}
	addresses := map[common.Address]struct{}{engine: {}}
	for i, asset := range c.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("assets[%d]: symbol required", i)
		}
		if _, dup := symbols[asset.Symbol]; dup {
			return fmt.Errorf("assets[%d]: duplicate symbol %s", i, asset.Symbol)
		}
		symbols[asset.Symbol] = struct{}{}
		if !common.IsHexAddress(asset.Address) {
			return fmt.Errorf("assets[%d]: address must be a hex address", i)
		}
		addr := common.HexToAddress(asset.Address)
		if addr == (common.Address{}) {
			return fmt.Errorf("assets[%d]: address must not be zero", i)
		}
		if _, dup := addresses[addr]; dup {
			return fmt.Errorf("assets[%d]: duplicate address %s", i, addr.Hex())
		}
		addresses[addr] = struct{}{}
		if asset.Decimals > 36 || asset.OracleDecimals > 36 {
			return fmt.Errorf("assets[%d]: decimals must not exceed 36", i)
		}
		if asset.Price != "" {
			if _, err := token.ParseUnits(asset.Price, asset.OracleDecimals); err != nil {
				return fmt.Errorf("assets[%d]: price: %w", i, err)
			}
		}
	}
	if c.Engine.DebtDecimals > 36 {
		return fmt.Errorf("engine.debt_decimals must not exceed 36")
	}
	if c.Oracle.MinFeeds < 0 {
		return fmt.Errorf("oracle.min_feeds must not be negative")
	}
	if c.Oracle.Interval.Duration < 0 || c.Oracle.MaxAge.Duration < 0 {
		return fmt.Errorf("oracle durations must not be negative")
	}
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret (or auth.hmac_secret_env) must be configured")
	}
	if len(c.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth.hmac_secret must be at least 32 bytes")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	for i, alloc := range c.Genesis {
		if !common.IsHexAddress(alloc.Account) {
			return fmt.Errorf("genesis[%d]: account must be a hex address", i)
		}
		decimals, ok := c.Decimals(alloc.Symbol)
		if !ok {
			return fmt.Errorf("genesis[%d]: unknown token %q", i, alloc.Symbol)
		}
		if _, err := token.ParseUnits(alloc.Amount, decimals); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}
