package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

type ledgerTotalReader interface {
	Total(ctx context.Context, userID string) (int64, error)
}

type committedSumReader interface {
	SumCommitted(ctx context.Context, userID string) (int64, error)
}

type snapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BalanceService derives per-user balances from the ledger and the exchange
// table. Balances are never stored as writable state; Redis only memoizes the
// derived snapshot for a short TTL and is dropped on every mutation.
//
// Settled debits already live in the ledger sum, so only PENDING exchange
// amounts count as committed; counting APPROVED ones again would subtract the
// same mileage twice.
type BalanceService struct {
	ledger    ledgerTotalReader
	exchanges committedSumReader
	cache     snapshotCache
	cacheTTL  time.Duration
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewBalanceService constructs BalanceService.
func NewBalanceService(ledger ledgerTotalReader, exchanges committedSumReader, cache snapshotCache, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *BalanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &BalanceService{ledger: ledger, exchanges: exchanges, cache: cache, cacheTTL: cacheTTL, metrics: metrics, logger: logger}
}

func balanceCacheKey(userID string) string {
	return fmt.Sprintf("balance:%s", userID)
}

// Snapshot returns the balance snapshot for a user, served from cache when
// fresh enough.
func (s *BalanceService) Snapshot(ctx context.Context, userID string) (*models.BalanceSnapshot, error) {
	if s.cache != nil {
		var cached models.BalanceSnapshot
		if err := s.cache.Get(ctx, balanceCacheKey(userID), &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, nil
		}
		s.metrics.RecordCacheOperation(false)
	}
	return s.Recompute(ctx, userID)
}

// Recompute derives a fresh snapshot from storage, bypassing the cache, and
// refreshes the cached copy. State transitions always validate against this
// method, never against a cached value.
func (s *BalanceService) Recompute(ctx context.Context, userID string) (*models.BalanceSnapshot, error) {
	total, err := s.ledger.Total(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum ledger")
	}
	committed, err := s.exchanges.SumCommitted(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum committed exchanges")
	}

	snapshot := &models.BalanceSnapshot{
		UserID:    userID,
		Total:     total,
		Committed: committed,
		Available: total - committed,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balanceCacheKey(userID), snapshot, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache balance snapshot", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return snapshot, nil
}

// CanCommit reports whether the user's available balance covers the amount.
func (s *BalanceService) CanCommit(ctx context.Context, userID string, amount int64) (bool, error) {
	snapshot, err := s.Recompute(ctx, userID)
	if err != nil {
		return false, err
	}
	return snapshot.Available >= amount, nil
}

// Invalidate drops the cached snapshot after a balance-affecting mutation.
func (s *BalanceService) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, balanceCacheKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate balance snapshot", zap.String("user_id", userID), zap.Error(err))
	}
}
