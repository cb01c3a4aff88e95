package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"
	defaultDataBase = "https://data-api.polymarket.com"

	// Rate limits at 60% of the documented API limits.
	clobRatePerSec = 540
	dataRatePerSec = 18

	requestBaseBackoff = 500 * time.Millisecond
	requestMaxRetries  = 3
	jitterPercent      = 20
)

// Client is the CLOB exchange HTTP client with rate limiting and retries.
type Client struct {
	http        *http.Client
	clobBase    string
	dataBase    string
	clobLimiter *rate.Limiter
	dataLimiter *rate.Limiter
}

// NewClient creates a Client with the given base URLs. Empty values fall
// back to the production endpoints.
func NewClient(clobBase, dataBase string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if dataBase == "" {
		dataBase = defaultDataBase
	}
	return &Client{
		http:        &http.Client{Timeout: 10 * time.Second},
		clobBase:    clobBase,
		dataBase:    dataBase,
		clobLimiter: rate.NewLimiter(clobRatePerSec, 50),
		dataLimiter: rate.NewLimiter(dataRatePerSec, 10),
	}
}

// do executes one request with the shared retry policy. headers is
// re-evaluated on every attempt so HMAC timestamps stay fresh.
func (c *Client) do(ctx context.Context, limiter *rate.Limiter, method, url string, headers func() (map[string]string, error), body []byte, out any) error {
	backoff := retry.WithJitterPercent(jitterPercent,
		retry.WithMaxRetries(requestMaxRetries, retry.NewExponential(requestBaseBackoff)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers != nil {
			h, err := headers()
			if err != nil {
				return err
			}
			for k, v := range h {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err))
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			slog.Warn("clob: transient failure", "status", resp.StatusCode, "url", url)
			return retry.RetryableError(fmt.Errorf("%w: exchange status %d", domain.ErrTransientNetwork, resp.StatusCode))
		case resp.StatusCode >= 400:
			return &apiError{status: resp.StatusCode, body: string(respBody)}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// apiError is a non-retryable exchange rejection.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exchange status %d: %s", e.status, e.body)
}
