package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func formatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func formatAmount(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.Dec()
}

func withOp(attrs map[string]string, opID string) map[string]string {
	if trimmed := strings.TrimSpace(opID); trimmed != "" {
		attrs["opId"] = trimmed
	}
	return attrs
}
