package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// ExchangeClient talks to the CLOB exchange API.
type ExchangeClient interface {
	// DeriveAPIKey exchanges a signed typed-data challenge for API
	// credentials. Deterministic on the exchange side: the same signer
	// always yields the same credential, so double execution is harmless.
	DeriveAPIKey(ctx context.Context, signer DigestSigner) (domain.Credential, error)

	// Balance returns the available/locked collateral held at the exchange.
	Balance(ctx context.Context, cred domain.Credential) (domain.ExchangeBalance, error)

	// PositionsValue returns the aggregate current value of open positions
	// held by address.
	PositionsValue(ctx context.Context, address common.Address) (decimal.Decimal, error)
}
