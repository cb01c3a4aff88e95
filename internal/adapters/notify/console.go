package notify

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// Console implements ports.Notifier, rendering to the terminal.
type Console struct {
	out     io.Writer
	verbose bool
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole(verbose bool) *Console {
	return &Console{out: os.Stdout, verbose: verbose}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, verbose: true}
}

// NotifyProgress renders the provisioning checklist for a user.
func (c *Console) NotifyProgress(rec domain.ProvisioningRecord) {
	now := time.Now().Format("15:04:05")

	status := "IN PROGRESS"
	if rec.Flags.Complete() {
		status = "READY TO TRADE"
	}
	fmt.Fprintf(c.out, "\n[%s] account %s — %s\n", now, rec.UserID, status)

	table := tablewriter.NewWriter(c.out)
	table.Header("Step", "Done")
	table.Append("Session signer delegated", checkmark(rec.Flags.SessionSignerDelegated))
	table.Append("Safe deployed", checkmark(rec.Flags.SafeDeployed))
	table.Append("Token allowances set", checkmark(rec.Flags.AllowancesSet))
	table.Append("Exchange credentials issued", checkmark(rec.Flags.ClobCredentialsIssued))
	table.Render()

	if rec.SafeAddress != "" {
		fmt.Fprintf(c.out, "  Safe: %s\n", rec.SafeAddress)
	}
	if rec.LastError != "" {
		fmt.Fprintf(c.out, "  !! last error: %s\n", rec.LastError)
	}
	fmt.Fprintln(c.out)
}

// NotifyBalances renders a balance snapshot. In compact mode this is a single
// line; verbose mode adds a per-source table.
func (c *Console) NotifyBalances(userID string, snap domain.BalanceSnapshot) {
	now := time.Now().Format("15:04:05")

	if !c.verbose {
		fmt.Fprintf(c.out, "[%s] %s total $%s (wallet $%s, exchange $%s/$%s, positions $%s)",
			now, userID,
			snap.Total().StringFixed(2),
			snap.WalletCollateral.StringFixed(2),
			snap.ExchangeAvailable.StringFixed(2),
			snap.ExchangeLocked.StringFixed(2),
			snap.PositionsValue.StringFixed(2),
		)
		if len(snap.Errors) > 0 {
			fmt.Fprintf(c.out, " [%d stale]", len(snap.Errors))
		}
		fmt.Fprintln(c.out)
		return
	}

	fmt.Fprintf(c.out, "\n[%s] balances for %s\n", now, userID)

	table := tablewriter.NewWriter(c.out)
	table.Header("Source", "USDC")
	table.Append("Wallet collateral", "$"+snap.WalletCollateral.StringFixed(2))
	table.Append("Exchange available", "$"+snap.ExchangeAvailable.StringFixed(2))
	table.Append("Exchange locked", "$"+snap.ExchangeLocked.StringFixed(2))
	table.Append("Open positions", "$"+snap.PositionsValue.StringFixed(2))
	table.Append("Total", "$"+snap.Total().StringFixed(2))
	table.Render()

	for _, e := range snap.Errors {
		fmt.Fprintf(c.out, "  !! stale read: %s\n", e)
	}
	if !snap.LastSyncAt.IsZero() {
		fmt.Fprintf(c.out, "  synced %s\n", snap.LastSyncAt.Format(time.RFC3339))
	}
	fmt.Fprintln(c.out)
}

func checkmark(done bool) string {
	if done {
		return "yes"
	}
	return "-"
}
