package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/unischolar/mileage-api/internal/models"
)

// MileageRepository handles persistence of the append-only mileage ledger.
// Entries are only ever inserted; there is no update or delete path.
type MileageRepository struct {
	db *sqlx.DB
}

// NewMileageRepository constructs the repository.
func NewMileageRepository(db *sqlx.DB) *MileageRepository {
	return &MileageRepository{db: db}
}

// Append inserts a grant entry.
func (r *MileageRepository) Append(ctx context.Context, entry *models.MileageEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO mileage_entries (id, user_id, amount, reason, related_scholarship_id, related_exchange_id, created_at)
        VALUES (:id, :user_id, :amount, :reason, :related_scholarship_id, :related_exchange_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append mileage entry: %w", err)
	}
	return nil
}

// insertDebit writes the ledger debit for an exchange. The unique index on
// related_exchange_id makes the insert idempotent, so both the approval
// transaction and the standalone path share one statement.
func insertDebit(ctx context.Context, ext sqlx.ExtContext, entry *models.MileageEntry) error {
	if entry.RelatedExchangeID == nil || *entry.RelatedExchangeID == "" {
		return fmt.Errorf("debit entry requires an exchange id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO mileage_entries (id, user_id, amount, reason, related_scholarship_id, related_exchange_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (related_exchange_id) DO NOTHING`
	if _, err := ext.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Amount, entry.Reason,
		entry.RelatedScholarshipID, entry.RelatedExchangeID, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("append debit entry: %w", err)
	}
	return nil
}

// AppendDebit inserts a debit entry tied to an exchange. A second call for
// the same exchange returns the entry created by the first one instead of
// inserting a duplicate.
func (r *MileageRepository) AppendDebit(ctx context.Context, entry *models.MileageEntry) (*models.MileageEntry, error) {
	if err := insertDebit(ctx, r.db, entry); err != nil {
		return nil, err
	}
	return r.FindByExchangeID(ctx, *entry.RelatedExchangeID)
}

// FindByExchangeID returns the debit entry recorded for an exchange.
func (r *MileageRepository) FindByExchangeID(ctx context.Context, exchangeID string) (*models.MileageEntry, error) {
	const query = `SELECT id, user_id, amount, reason, related_scholarship_id, related_exchange_id, created_at
        FROM mileage_entries WHERE related_exchange_id = $1`
	var entry models.MileageEntry
	if err := r.db.GetContext(ctx, &entry, query, exchangeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find debit entry: %w", err)
	}
	return &entry, nil
}

// ListByUser returns the ledger history for a user in creation order.
func (r *MileageRepository) ListByUser(ctx context.Context, filter models.MileageFilter) ([]models.MileageEntry, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT id, user_id, amount, reason, related_scholarship_id, related_exchange_id, created_at
        FROM mileage_entries WHERE user_id = $1 ORDER BY created_at ASC, id ASC LIMIT %d OFFSET %d`, size, offset)
	var entries []models.MileageEntry
	if err := r.db.SelectContext(ctx, &entries, query, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("list mileage entries: %w", err)
	}

	const countQuery = `SELECT COUNT(*) FROM mileage_entries WHERE user_id = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("count mileage entries: %w", err)
	}
	return entries, total, nil
}

// Total returns the signed sum of all ledger entries for a user.
func (r *MileageRepository) Total(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM mileage_entries WHERE user_id = $1`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, userID); err != nil {
		return 0, fmt.Errorf("sum mileage entries: %w", err)
	}
	return total, nil
}
