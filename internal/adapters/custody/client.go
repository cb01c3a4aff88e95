package custody

// client.go — custody provider adapter.
//
// The provider holds user signing keys; this client verifies session tokens,
// resolves wallet references, registers session signers, and requests digest
// signatures. Responses are decoded into typed shapes that fail loudly on
// anything unrecognized — no field-name guessing.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const (
	custodyRatePerSec = 20

	requestBaseBackoff = 500 * time.Millisecond
	requestMaxRetries  = 3
	jitterPercent      = 20
)

// Config holds the provider endpoint and the session-token verification key.
type Config struct {
	BaseURL   string
	APIKey    string
	JWTSecret []byte
}

// Client implements ports.CustodyProvider over the provider's REST API.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     Config
}

// NewClient creates a custody provider client.
func NewClient(cfg Config) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(custodyRatePerSec, 10),
		cfg:     cfg,
	}
}

// VerifySessionToken validates the HMAC-signed session token issued by the
// provider and returns the userID it was issued for.
func (c *Client) VerifySessionToken(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("custody.VerifySessionToken: %w", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("custody.VerifySessionToken: token has no subject")
	}
	return sub, nil
}

// walletResponse is the provider's wallet resolution payload.
type walletResponse struct {
	Wallet struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	} `json:"wallet"`
}

// ResolveWallet returns the user's custodial wallet reference. The address
// returned here is ground truth — client-supplied addresses are never used.
func (c *Client) ResolveWallet(ctx context.Context, userID string) (domain.CustodyWallet, error) {
	var resp walletResponse
	err := c.do(ctx, http.MethodGet, "/v1/users/"+userID+"/wallet", nil, &resp)
	if err != nil {
		return domain.CustodyWallet{}, fmt.Errorf("custody.ResolveWallet: %w", err)
	}

	if resp.Wallet.ID == "" || !common.IsHexAddress(resp.Wallet.Address) {
		return domain.CustodyWallet{}, fmt.Errorf("custody.ResolveWallet: unrecognized response shape: id=%q address=%q",
			resp.Wallet.ID, resp.Wallet.Address)
	}

	return domain.CustodyWallet{
		ID:      resp.Wallet.ID,
		Address: common.HexToAddress(resp.Wallet.Address).Hex(),
	}, nil
}

// DelegateSessionSigner registers a scoped signer against the user's key.
// A provider conflict (delegation already exists) surfaces as
// domain.ErrProviderConflict — the caller treats it as success.
func (c *Client) DelegateSessionSigner(ctx context.Context, walletID, signerID string, policies []string) error {
	body := map[string]any{
		"signer_id": signerID,
		"policies":  policies,
	}
	err := c.do(ctx, http.MethodPost, "/v1/wallets/"+walletID+"/session-signers", body, nil)
	if err != nil {
		return fmt.Errorf("custody.DelegateSessionSigner: %w", err)
	}
	slog.Info("custody: session signer delegated", "wallet", walletID, "signer", signerID)
	return nil
}

// Signer returns a DigestSigner bound to walletID.
func (c *Client) Signer(walletID string, address common.Address) ports.DigestSigner {
	return &digestSigner{client: c, walletID: walletID, address: address}
}

// digestSigner signs 32-byte digests through the provider.
type digestSigner struct {
	client   *Client
	walletID string
	address  common.Address
}

type signResponse struct {
	Signature string `json:"signature"`
}

func (s *digestSigner) Address() common.Address {
	return s.address
}

// SignDigest requests a signature over digest. The result is normalized to
// 65 bytes with V in {27, 28}.
func (s *digestSigner) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	body := map[string]string{"digest": digest.Hex()}

	var resp signResponse
	err := s.client.do(ctx, http.MethodPost, "/v1/wallets/"+s.walletID+"/sign", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("custody.SignDigest: %w", err)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody.SignDigest: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("custody.SignDigest: unrecognized signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// do executes one authenticated request with the shared retry policy.
// 409 responses map to domain.ErrProviderConflict without retrying.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var encoded []byte
	if reqBody != nil {
		var err error
		encoded, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	backoff := retry.WithJitterPercent(jitterPercent,
		retry.WithMaxRetries(requestMaxRetries, retry.NewExponential(requestBaseBackoff)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err))
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusConflict:
			return domain.ErrProviderConflict
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			slog.Warn("custody: transient failure", "status", resp.StatusCode, "path", path)
			return retry.RetryableError(fmt.Errorf("%w: provider status %d", domain.ErrTransientNetwork, resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("provider status %d: %s", resp.StatusCode, respBody)
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}
