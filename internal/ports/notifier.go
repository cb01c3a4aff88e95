package ports

import (
	"github.com/alejandrodnm/polyterm/internal/domain"
)

// Notifier presents provisioning progress and balances to the user.
type Notifier interface {
	// NotifyProgress renders the current provisioning flags for a user.
	NotifyProgress(rec domain.ProvisioningRecord)

	// NotifyBalances renders a balance snapshot.
	NotifyBalances(userID string, snap domain.BalanceSnapshot)
}
