// Package bank wraps the external bank deposit provider. The caller gets a
// three-way outcome: a confirmed deposit with a transaction reference, a
// confirmed decline, or an unknown result when the provider could not be
// reached or answered ambiguously. Unknown is never collapsed into success
// or failure here; the settlement layer decides what to do with it.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/pkg/config"
)

// ErrOutcomeUnknown signals a transport failure, timeout or 5xx: the deposit
// may or may not have happened on the provider side.
var ErrOutcomeUnknown = errors.New("deposit outcome unknown")

// DeclineError is a confirmed rejection by the provider. Retrying with the
// same idempotency key is safe.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("deposit declined (%s): %s", e.Code, e.Message)
}

// DepositRequest describes a single outbound deposit.
type DepositRequest struct {
	BankUserRef      string `json:"bank_user_ref"`
	AccountRef       string `json:"account_ref"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Memo             string `json:"memo"`

	// IdempotencyKey is sent as a header; the provider deduplicates deposits
	// on it, which is what makes blind retries after an unknown outcome safe.
	IdempotencyKey string `json:"-"`
}

// DepositResult carries the provider's confirmation.
type DepositResult struct {
	TransactionRef string `json:"transaction_ref"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client performs deposits against the provider's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a deposit client from configuration.
func NewClient(cfg config.BankConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Deposit executes a deposit. Error classification:
//   - nil error: confirmed success, result carries the transaction reference
//   - *DeclineError: confirmed failure reported by the provider
//   - ErrOutcomeUnknown (wrapped): anything else, including timeouts
func (c *Client) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal deposit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/deposits", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build deposit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("deposit transport failure", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrOutcomeUnknown, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result DepositResult
		if err := json.Unmarshal(body, &result); err != nil || result.TransactionRef == "" {
			// A 2xx without a reference cannot be trusted as a confirmation.
			return nil, fmt.Errorf("%w: malformed confirmation", ErrOutcomeUnknown)
		}
		return &result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err != nil || eb.Code == "" {
			eb = errorBody{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: string(body)}
		}
		return nil, &DeclineError{Code: eb.Code, Message: eb.Message}
	default:
		c.logger.Warn("deposit provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("idempotency_key", req.IdempotencyKey))
		return nil, fmt.Errorf("%w: provider status %d", ErrOutcomeUnknown, resp.StatusCode)
	}
}
