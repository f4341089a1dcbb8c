package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/internal/bank"
	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

type settlementStore interface {
	FindByExchangeID(ctx context.Context, exchangeID string) (*models.Settlement, error)
	Create(ctx context.Context, settlement *models.Settlement) (*models.Settlement, error)
}

type depositor interface {
	Deposit(ctx context.Context, req bank.DepositRequest) (*bank.DepositResult, error)
}

// SettlementService is the boundary with the external bank deposit provider.
// It guarantees at most one deposit per exchange: the settlements table is
// consulted before every call, the exchange id rides along as the provider's
// idempotency key, and an unknown outcome is never promoted to success.
type SettlementService struct {
	store   settlementStore
	bank    depositor
	users   userReader
	metrics *MetricsService
	logger  *zap.Logger
}

// NewSettlementService constructs SettlementService.
func NewSettlementService(store settlementStore, bankClient depositor, users userReader, metrics *MetricsService, logger *zap.Logger) *SettlementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementService{store: store, bank: bankClient, users: users, metrics: metrics, logger: logger}
}

// Settle deposits the amount for an exchange and returns the transaction
// reference. A second call for the same exchange id returns the recorded
// reference without touching the provider.
func (s *SettlementService) Settle(ctx context.Context, exchangeID, userID string, amount int64) (string, error) {
	existing, err := s.store.FindByExchangeID(ctx, exchangeID)
	if err == nil {
		s.metrics.RecordSettlementAttempt(SettlementReplayed, 0)
		return existing.TransactionRef, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check settlement record")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if user.BankCode == "" || user.BankAccount == "" {
		return "", appErrors.Clone(appErrors.ErrSettlementUnavailable, "no bank account on file")
	}

	start := time.Now()
	result, err := s.bank.Deposit(ctx, bank.DepositRequest{
		BankUserRef:      user.ID,
		AccountRef:       fmt.Sprintf("%s:%s", user.BankCode, user.BankAccount),
		AmountMinorUnits: amount,
		Memo:             fmt.Sprintf("mileage exchange %s", exchangeID),
		IdempotencyKey:   exchangeID,
	})
	elapsed := time.Since(start)
	if err != nil {
		var decline *bank.DeclineError
		switch {
		case errors.As(err, &decline):
			s.metrics.RecordSettlementAttempt(SettlementDeclined, elapsed)
			s.logger.Warn("deposit declined",
				zap.String("exchange_id", exchangeID),
				zap.String("decline_code", decline.Code))
			return "", appErrors.Wrap(err, appErrors.ErrSettlementUnavailable.Code, appErrors.ErrSettlementUnavailable.Status, "deposit declined by provider")
		default:
			// Unknown outcome. The deposit may have happened; only the
			// idempotency key makes the next attempt safe.
			s.metrics.RecordSettlementAttempt(SettlementUnknown, elapsed)
			s.logger.Warn("deposit outcome unknown", zap.String("exchange_id", exchangeID), zap.Error(err))
			return "", appErrors.Wrap(err, appErrors.ErrSettlementUnavailable.Code, appErrors.ErrSettlementUnavailable.Status, "deposit outcome unknown")
		}
	}

	recorded, err := s.store.Create(ctx, &models.Settlement{
		ExchangeID:     exchangeID,
		UserID:         userID,
		Amount:         amount,
		TransactionRef: result.TransactionRef,
	})
	if err != nil {
		// The money moved but the record didn't stick. Surface a retryable
		// error; the provider deduplicates the next attempt on the same key.
		s.logger.Error("failed to record settlement", zap.String("exchange_id", exchangeID), zap.Error(err))
		return "", appErrors.Wrap(err, appErrors.ErrSettlementUnavailable.Code, appErrors.ErrSettlementUnavailable.Status, "failed to record settlement")
	}

	s.metrics.RecordSettlementAttempt(SettlementConfirmed, elapsed)
	s.logger.Info("deposit confirmed",
		zap.String("exchange_id", exchangeID),
		zap.String("transaction_ref", recorded.TransactionRef),
		zap.Int64("amount", amount))
	return recorded.TransactionRef, nil
}
