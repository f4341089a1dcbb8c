package bank

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/pkg/config"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.BankConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	}, nil)
}

func TestDepositConfirmed(t *testing.T) {
	var gotKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/deposits", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"transaction_ref":"txn-42"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Deposit(context.Background(), DepositRequest{
		BankUserRef:      "u1",
		AccountRef:       "088:12345",
		AmountMinorUnits: 200,
		IdempotencyKey:   "ex-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-42", result.TransactionRef)
	assert.Equal(t, "ex-1", gotKey)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestDepositDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":"ACCOUNT_CLOSED","message":"account closed"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Deposit(context.Background(), DepositRequest{IdempotencyKey: "ex-1"})
	require.Error(t, err)

	var decline *DeclineError
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "ACCOUNT_CLOSED", decline.Code)
}

func TestDepositDeclinedWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Deposit(context.Background(), DepositRequest{IdempotencyKey: "ex-1"})
	require.Error(t, err)

	var decline *DeclineError
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "HTTP_400", decline.Code)
}

func TestDepositServerErrorIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Deposit(context.Background(), DepositRequest{IdempotencyKey: "ex-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}

func TestDepositTransportFailureIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(server.URL)
	_, err := client.Deposit(context.Background(), DepositRequest{IdempotencyKey: "ex-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}

func TestDepositMalformedConfirmationIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"accepted"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Deposit(context.Background(), DepositRequest{IdempotencyKey: "ex-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeUnknown, "a 2xx without a transaction ref is not a confirmation")
}
