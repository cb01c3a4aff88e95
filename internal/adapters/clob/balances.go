package clob

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

const (
	balancesPath = "/balances"
	valuePath    = "/value"
)

// usdcUnit converts base units (6 decimals) to USDC.
var usdcUnit = decimal.New(1, 6)

type balanceResponse struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// Balance returns the available/locked collateral held at the exchange,
// authenticated with the derived L2 credentials.
func (c *Client) Balance(ctx context.Context, cred domain.Credential) (domain.ExchangeBalance, error) {
	headers := func() (map[string]string, error) {
		return l2Headers(cred, http.MethodGet, balancesPath, "")
	}

	var resp balanceResponse
	if err := c.do(ctx, c.clobLimiter, http.MethodGet, c.clobBase+balancesPath, headers, nil, &resp); err != nil {
		return domain.ExchangeBalance{}, fmt.Errorf("clob.Balance: %w", err)
	}

	available, err := decimal.NewFromString(resp.Available)
	if err != nil {
		return domain.ExchangeBalance{}, fmt.Errorf("clob.Balance: parse available %q: %w", resp.Available, err)
	}
	locked, err := decimal.NewFromString(resp.Locked)
	if err != nil {
		return domain.ExchangeBalance{}, fmt.Errorf("clob.Balance: parse locked %q: %w", resp.Locked, err)
	}

	return domain.ExchangeBalance{
		Available: available.Div(usdcUnit),
		Locked:    locked.Div(usdcUnit),
	}, nil
}

type valueResponse struct {
	User  string  `json:"user"`
	Value float64 `json:"value"`
}

// PositionsValue returns the aggregate current value of address's open
// positions, from the exchange's public data API.
func (c *Client) PositionsValue(ctx context.Context, address common.Address) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s%s?user=%s", c.dataBase, valuePath, address.Hex())

	var resp []valueResponse
	if err := c.do(ctx, c.dataLimiter, http.MethodGet, url, nil, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("clob.PositionsValue: %w", err)
	}

	total := decimal.Zero
	for _, v := range resp {
		total = total.Add(decimal.NewFromFloat(v.Value))
	}
	return total, nil
}
