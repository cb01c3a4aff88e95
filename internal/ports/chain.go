package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// ChainClient reads on-chain ground truth and builds the approval calldata
// the relayer submits. All writes go through the Relayer — this client never
// sends transactions itself.
type ChainClient interface {
	// ReadAllowances returns which of the three exchange approvals are still
	// unset for owner. The three reads are issued concurrently.
	ReadAllowances(ctx context.Context, owner common.Address) (domain.AllowanceState, error)

	// ApprovalCalls builds one call per approval still needed in state.
	// Returns an empty slice when nothing is needed.
	ApprovalCalls(state domain.AllowanceState) []Call

	// HasCode reports whether contract code exists at addr.
	HasCode(ctx context.Context, addr common.Address) (bool, error)

	// CollateralBalance returns the collateral token balance of owner in
	// base units (6 decimals for USDC).
	CollateralBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}
