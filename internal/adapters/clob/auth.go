package clob

// auth.go — CLOB two-level authentication.
//
//	L1: EIP-712 signature over the ClobAuth challenge → derive API credentials
//	L2: HMAC-SHA256 signing of every authenticated request
//
// The L1 digest is built locally but signed through the custody provider's
// DigestSigner — the raw key never touches this process. Derivation is
// deterministic on the exchange side: the same signer always receives the
// same credential, so repeating the step is harmless.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const (
	polygonChainID = int64(137)

	// CLOB EIP-712 auth domain
	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	// Message signed for deriving API keys
	clobAuthMessage = "This message attests that I control the given wallet"
)

// apiCredentials is the exchange's credential payload.
type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// EIP-712 type hashes (computed once).
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

// clobAuthDomainSeparator computes the EIP-712 domain separator for ClobAuthDomain.
func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// clobAuthDigest builds the EIP-712 digest for the L1 auth challenge.
func clobAuthDigest(address common.Address, timestamp, nonce string) (common.Hash, error) {
	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("invalid nonce: %s", nonce)
	}

	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(nonceInt.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobAuthDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	return crypto.Keccak256Hash(rawBuf), nil
}

// DeriveAPIKey signs the L1 challenge and exchanges it for API credentials.
// Tries derive first (credential already exists), then create.
func (c *Client) DeriveAPIKey(ctx context.Context, signer ports.DigestSigner) (domain.Credential, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	const nonce = "0"

	digest, err := clobAuthDigest(signer.Address(), ts, nonce)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("clob.DeriveAPIKey: digest: %w", err)
	}

	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("clob.DeriveAPIKey: sign l1: %w", err)
	}

	l1 := func() (map[string]string, error) {
		return map[string]string{
			"POLY_ADDRESS":   signer.Address().Hex(),
			"POLY_SIGNATURE": "0x" + common.Bytes2Hex(sig),
			"POLY_TIMESTAMP": ts,
			"POLY_NONCE":     nonce,
		}, nil
	}

	var creds apiCredentials
	err = c.do(ctx, c.clobLimiter, http.MethodGet, c.clobBase+"/auth/derive-api-key", l1, nil, &creds)

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		// No credential to derive yet — create one with the same challenge.
		err = c.do(ctx, c.clobLimiter, http.MethodPost, c.clobBase+"/auth/api-key", l1, nil, &creds)
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("clob.DeriveAPIKey: %w", err)
	}

	if creds.APIKey == "" || creds.Secret == "" {
		return domain.Credential{}, fmt.Errorf("clob.DeriveAPIKey: unrecognized credential shape")
	}

	return domain.Credential{
		Address:    signer.Address().Hex(),
		Key:        creds.APIKey,
		Secret:     creds.Secret,
		Passphrase: creds.Passphrase,
		IssuedAt:   time.Now().UTC(),
	}, nil
}

// l2Headers returns the authenticated headers for L2 API calls.
func l2Headers(cred domain.Credential, method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    cred.Address,
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    cred.Key,
		"POLY_PASSPHRASE": cred.Passphrase,
	}, nil
}
