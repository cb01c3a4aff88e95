package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is one target invocation inside a relayed batch.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// TxReceipt is the terminal result of a relayed transaction.
type TxReceipt struct {
	TxHash      string
	BlockNumber uint64
}

// PendingTx is a handle to an in-flight relayed transaction.
type PendingTx interface {
	// Wait blocks until the transaction reaches a terminal state or ctx
	// expires. Exceeding the relay's confirmation window surfaces
	// domain.ErrConfirmationTimeout, never an indefinite hang.
	Wait(ctx context.Context) (TxReceipt, error)
}

// Relayer submits batched meta-transactions on behalf of a Safe wallet.
type Relayer interface {
	// ExpectedSafeAddress computes the deterministic Safe address for a
	// signer. Pure computation, no network call — the address is known
	// before the contract is deployed.
	ExpectedSafeAddress(signer common.Address) common.Address

	// Deploy submits the distinguished Safe deployment batch. When the Safe
	// is already deployed the relayer reports domain.ErrProviderConflict,
	// which callers treat as success.
	Deploy(ctx context.Context, signer common.Address) (PendingTx, error)

	// Execute submits calls as one batch routed through the signer's Safe.
	// note is a human-readable tag carried through relay logs.
	Execute(ctx context.Context, signer common.Address, calls []Call, note string) (PendingTx, error)
}
