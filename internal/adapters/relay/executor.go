package relay

// executor.go — meta-transaction relayer client.
//
// Submits batched calls routed through a user's Safe and exposes a handle
// that can be awaited to a terminal (mined/reverted) result. The relayer
// sponsors gas; this client never signs raw transactions.
//
// Retry policy: transient errors (timeout, 429, 5xx) retry with capped
// exponential backoff and ±20% jitter. Non-transient relayer verdicts
// (reverted, insufficient funds) propagate immediately.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const (
	batchesPath = "/v1/batches"

	submitBaseBackoff = 500 * time.Millisecond
	submitMaxRetries  = 3
	jitterPercent     = 20

	pollInterval       = 3 * time.Second
	defaultWaitTimeout = 90 * time.Second

	// Relayer submissions are infrequent; a small bucket is plenty.
	relayRatePerSec = 5
)

// Config holds the relayer endpoint and the Safe factory parameters used for
// deterministic address derivation.
type Config struct {
	BaseURL          string
	APIKey           string
	SafeFactory      common.Address
	SafeInitCodeHash common.Hash
	WaitTimeout      time.Duration
}

// Executor implements ports.Relayer over the relayer's REST API.
type Executor struct {
	http     *http.Client
	limiter  *rate.Limiter
	cfg      Config
	pollWait time.Duration
}

// NewExecutor creates a relayer client. WaitTimeout defaults to 90s.
func NewExecutor(cfg Config) *Executor {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Executor{
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(relayRatePerSec, 5),
		cfg:      cfg,
		pollWait: pollInterval,
	}
}

// ExpectedSafeAddress derives the Safe address for signer. No network call.
func (e *Executor) ExpectedSafeAddress(signer common.Address) common.Address {
	return ExpectedSafeAddress(e.cfg.SafeFactory, e.cfg.SafeInitCodeHash, signer)
}

// batchRequest is the relayer submission payload.
type batchRequest struct {
	ID     string      `json:"id"`
	Kind   string      `json:"kind"` // EXECUTE | DEPLOY
	Safe   string      `json:"safe"`
	Signer string      `json:"signer"`
	Note   string      `json:"note,omitempty"`
	Calls  []batchCall `json:"calls,omitempty"`
}

type batchCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// batchStatus is the relayer's view of a submitted batch.
type batchStatus struct {
	TaskID      string `json:"taskId"`
	State       string `json:"state"` // pending | submitted | success | reverted | cancelled
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Reason      string `json:"reason"`
}

// Deploy submits the distinguished Safe deployment batch for signer.
// An already-deployed Safe surfaces as domain.ErrProviderConflict.
func (e *Executor) Deploy(ctx context.Context, signer common.Address) (ports.PendingTx, error) {
	return e.submit(ctx, batchRequest{
		ID:     uuid.NewString(),
		Kind:   "DEPLOY",
		Safe:   e.ExpectedSafeAddress(signer).Hex(),
		Signer: signer.Hex(),
		Note:   "safe deployment",
	})
}

// Execute submits calls as one batch routed through the signer's Safe.
func (e *Executor) Execute(ctx context.Context, signer common.Address, calls []ports.Call, note string) (ports.PendingTx, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("relay.Execute: empty batch")
	}

	req := batchRequest{
		ID:     uuid.NewString(),
		Kind:   "EXECUTE",
		Safe:   e.ExpectedSafeAddress(signer).Hex(),
		Signer: signer.Hex(),
		Note:   note,
		Calls:  make([]batchCall, len(calls)),
	}
	for i, call := range calls {
		req.Calls[i] = batchCall{
			To:    call.To.Hex(),
			Value: call.Value.String(),
			Data:  "0x" + hex.EncodeToString(call.Data),
		}
	}
	return e.submit(ctx, req)
}

// submit POSTs the batch with the shared retry policy and returns the
// pending handle. The batch ID is generated client-side so a retried POST
// that actually landed is deduplicated by the relayer instead of
// double-submitting the transaction.
func (e *Executor) submit(ctx context.Context, req batchRequest) (ports.PendingTx, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relay.submit: marshal: %w", err)
	}

	backoff := retry.WithJitterPercent(jitterPercent,
		retry.WithMaxRetries(submitMaxRetries, retry.NewExponential(submitBaseBackoff)))

	var status batchStatus
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			e.cfg.BaseURL+batchesPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

		resp, err := e.http.Do(httpReq)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err))
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusConflict:
			// Already deployed / duplicate batch — the idempotency seam.
			return domain.ErrProviderConflict
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			slog.Warn("relay: transient submit failure", "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("%w: relayer status %d", domain.ErrTransientNetwork, resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("relayer rejected batch: status %d: %s", resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, &status); err != nil {
			return fmt.Errorf("decode submit response: %w", err)
		}
		if status.TaskID == "" {
			return fmt.Errorf("relayer response missing taskId: %s", respBody)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderConflict) {
			return nil, domain.ErrProviderConflict
		}
		return nil, fmt.Errorf("relay.submit: %w", err)
	}

	slog.Info("relay: batch submitted", "task", status.TaskID, "kind", req.Kind, "note", req.Note)
	return &pendingTx{ex: e, taskID: status.TaskID}, nil
}

// pendingTx polls the relayer until the batch reaches a terminal state.
type pendingTx struct {
	ex     *Executor
	taskID string
}

// Wait blocks until mined/reverted or the confirmation window elapses.
func (p *pendingTx) Wait(ctx context.Context) (ports.TxReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.ex.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(p.ex.pollWait)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ports.TxReceipt{}, ctx.Err()
			}
			return ports.TxReceipt{}, fmt.Errorf("relay task %s: %w", p.taskID, domain.ErrConfirmationTimeout)
		case <-ticker.C:
			status, err := p.ex.fetchStatus(waitCtx, p.taskID)
			if err != nil {
				// Transient poll failure — keep waiting, the window bounds us.
				slog.Debug("relay: status poll failed", "task", p.taskID, "err", err)
				continue
			}

			switch status.State {
			case "pending", "submitted":
				continue
			case "success":
				return ports.TxReceipt{TxHash: status.TxHash, BlockNumber: status.BlockNumber}, nil
			case "reverted":
				return ports.TxReceipt{TxHash: status.TxHash}, fmt.Errorf("relay task %s: %w", p.taskID, domain.ErrOnChainRevert)
			case "cancelled":
				if strings.Contains(strings.ToLower(status.Reason), "insufficient") {
					return ports.TxReceipt{}, fmt.Errorf("relay task %s: %w", p.taskID, domain.ErrInsufficientFunds)
				}
				return ports.TxReceipt{}, fmt.Errorf("relay task %s cancelled: %s", p.taskID, status.Reason)
			default:
				return ports.TxReceipt{}, fmt.Errorf("relay task %s: unrecognized state %q", p.taskID, status.State)
			}
		}
	}
}

// fetchStatus GETs the current batch state.
func (e *Executor) fetchStatus(ctx context.Context, taskID string) (batchStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.cfg.BaseURL+batchesPath+"/"+taskID, nil)
	if err != nil {
		return batchStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return batchStatus{}, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return batchStatus{}, fmt.Errorf("relayer status %d: %s", resp.StatusCode, body)
	}

	var status batchStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return batchStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}
