package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unischolar/mileage-api/internal/models"
)

// SettlementRepository persists the idempotency records for external bank
// deposits. One row per exchange, keyed on the exchange id.
type SettlementRepository struct {
	db *sqlx.DB
}

// NewSettlementRepository constructs the repository.
func NewSettlementRepository(db *sqlx.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// FindByExchangeID returns the settlement recorded for an exchange, if any.
func (r *SettlementRepository) FindByExchangeID(ctx context.Context, exchangeID string) (*models.Settlement, error) {
	const query = `SELECT exchange_id, user_id, amount, transaction_ref, deposited_at
        FROM settlements WHERE exchange_id = $1`
	var settlement models.Settlement
	if err := r.db.GetContext(ctx, &settlement, query, exchangeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find settlement: %w", err)
	}
	return &settlement, nil
}

// Create records a confirmed deposit. The primary key on exchange_id makes a
// concurrent duplicate a no-op; the caller reads back the surviving row.
func (r *SettlementRepository) Create(ctx context.Context, settlement *models.Settlement) (*models.Settlement, error) {
	if settlement.DepositedAt.IsZero() {
		settlement.DepositedAt = time.Now().UTC()
	}
	const query = `INSERT INTO settlements (exchange_id, user_id, amount, transaction_ref, deposited_at)
        VALUES (:exchange_id, :user_id, :amount, :transaction_ref, :deposited_at)
        ON CONFLICT (exchange_id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, settlement); err != nil {
		return nil, fmt.Errorf("create settlement: %w", err)
	}
	return r.FindByExchangeID(ctx, settlement.ExchangeID)
}
