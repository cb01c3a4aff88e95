package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncState is the BalanceSynchronizer lifecycle state for one user session.
type SyncState string

const (
	SyncIdle    SyncState = "IDLE"
	SyncPolling SyncState = "POLLING"
	SyncPaused  SyncState = "PAUSED"
	SyncStopped SyncState = "STOPPED"
)

// ExchangeBalance is the available/locked collateral held at the exchange.
type ExchangeBalance struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// BalanceSnapshot is the read-only observation state fed to the UI.
// Amounts are USDC values. Reads are independent: a failed read leaves the
// previous value in place and records the failure in Errors.
type BalanceSnapshot struct {
	WalletCollateral  decimal.Decimal
	ExchangeAvailable decimal.Decimal
	ExchangeLocked    decimal.Decimal
	PositionsValue    decimal.Decimal
	LastSyncAt        time.Time
	Errors            []string
}

// Total returns wallet + exchange collateral + open position value.
func (b BalanceSnapshot) Total() decimal.Decimal {
	return b.WalletCollateral.Add(b.ExchangeAvailable).Add(b.ExchangeLocked).Add(b.PositionsValue)
}
