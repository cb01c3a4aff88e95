package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// CustodyProvider is the external service operating user signing keys.
// Raw private keys are never exposed to this application.
type CustodyProvider interface {
	// VerifySessionToken validates a session token and returns the userID
	// it was issued for. All identity flows start here — wallet references
	// are re-resolved from the provider, never taken from client input.
	VerifySessionToken(ctx context.Context, token string) (string, error)

	// ResolveWallet returns the user's custodial wallet reference.
	ResolveWallet(ctx context.Context, userID string) (domain.CustodyWallet, error)

	// DelegateSessionSigner registers a scoped, policy-limited signer
	// against the user's key. Returns domain.ErrProviderConflict when the
	// delegation already exists.
	DelegateSessionSigner(ctx context.Context, walletID, signerID string, policies []string) error

	// Signer returns a DigestSigner bound to the given wallet.
	Signer(walletID string, address common.Address) DigestSigner
}

// DigestSigner signs 32-byte digests on behalf of a custodial key.
type DigestSigner interface {
	// SignDigest returns a 65-byte [R || S || V] signature with V in {27, 28}.
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)

	// Address is the on-chain address of the signing key.
	Address() common.Address
}
