package escrow

import (
	"math"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultNetwork labels ledger entries when no network is configured.
	DefaultNetwork = "HScoin Devnet"

	pseudoHashMultiplier = 987654321
	pseudoHashOffset     = 123456
	pseudoBlockBase      = 500

	gasLocked   = 48000
	gasReleased = 105000
)

// SettlementFee is max(minFee, round(total * feePercent)).
func SettlementFee(total int64, feePercent float64, minFee int64) int64 {
	fee := int64(math.Round(float64(total) * feePercent))
	if fee < minFee {
		return minFee
	}
	return fee
}

// PseudoTxHash derives a stable, displayable transaction reference from an
// order ID for orders without a chain receipt.
func PseudoTxHash(orderID int64) string {
	v := new(big.Int).Mul(big.NewInt(orderID), big.NewInt(pseudoHashMultiplier))
	v.Add(v, big.NewInt(pseudoHashOffset))
	hex := v.Text(16)
	if len(hex) < 40 {
		hex = strings.Repeat("0", 40-len(hex)) + hex
	}
	return "0x" + hex[len(hex)-40:]
}

// PseudoSnapshot builds the deterministic ledger entry for an order in the
// given status. CreatedAt is backdated one second per block.
func PseudoSnapshot(orderID int64, status OrderStatus, network string, now time.Time) LedgerEntry {
	if network == "" {
		network = DefaultNetwork
	}
	ledgerStatus := CanonicalLedgerStatus(status)
	block := int64(pseudoBlockBase) + orderID

	gas := int64(gasLocked)
	if ledgerStatus == LedgerReleased {
		gas = gasReleased
	}
	return LedgerEntry{
		OrderID:     orderID,
		TxHash:      PseudoTxHash(orderID),
		BlockNumber: block,
		GasUsed:     gas,
		Network:     network,
		Status:      ledgerStatus,
		CreatedAt:   now.Add(-time.Duration(block) * time.Second),
	}
}
