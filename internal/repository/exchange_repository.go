package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

// ExchangeRepository handles persistence of exchange requests and the two
// check-then-act critical sections of the engine. Per-user serialization is
// done with a transaction-scoped Postgres advisory lock keyed on the user id,
// so concurrent balance mutations for one user queue up while unrelated users
// proceed in parallel.
type ExchangeRepository struct {
	db *sqlx.DB
}

// NewExchangeRepository constructs the repository.
func NewExchangeRepository(db *sqlx.DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func lockUser(ctx context.Context, tx *sqlx.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	return nil
}

func balanceInTx(ctx context.Context, tx *sqlx.Tx, userID string) (total, committed int64, err error) {
	if err = tx.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(amount), 0) FROM mileage_entries WHERE user_id = $1`, userID); err != nil {
		return 0, 0, fmt.Errorf("sum ledger: %w", err)
	}
	if err = tx.GetContext(ctx, &committed,
		`SELECT COALESCE(SUM(amount), 0) FROM exchange_requests WHERE user_id = $1 AND state = $2`,
		userID, models.ExchangePending); err != nil {
		return 0, 0, fmt.Errorf("sum committed: %w", err)
	}
	return total, committed, nil
}

// InsertPending atomically validates the available balance and inserts a new
// PENDING request. Two concurrent calls for the same user cannot both pass
// the check: the advisory lock serializes them, so the second sees the first
// one's committed amount.
func (r *ExchangeRepository) InsertPending(ctx context.Context, exchange *models.ExchangeRequest) error {
	if exchange.ID == "" {
		exchange.ID = uuid.NewString()
	}
	if exchange.AppliedAt.IsZero() {
		exchange.AppliedAt = time.Now().UTC()
	}
	exchange.State = models.ExchangePending

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert pending: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockUser(ctx, tx, exchange.UserID); err != nil {
		return err
	}

	total, committed, err := balanceInTx(ctx, tx, exchange.UserID)
	if err != nil {
		return err
	}
	if total-committed < exchange.Amount {
		return appErrors.ErrInsufficientBalance
	}

	const query = `INSERT INTO exchange_requests (id, user_id, amount, state, reason, applied_at)
        VALUES (:id, :user_id, :amount, :state, :reason, :applied_at)`
	if _, err := tx.NamedExecContext(ctx, query, exchange); err != nil {
		return fmt.Errorf("insert exchange request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert pending: %w", err)
	}
	return nil
}

// MarkApproved finalizes a settled exchange: it flips PENDING to APPROVED and
// appends the debit ledger entry in one transaction, so an APPROVED row and
// its debit are never observable apart. Returns ErrAlreadyProcessed when the
// request left PENDING in the meantime.
func (r *ExchangeRepository) MarkApproved(ctx context.Context, id, reviewerID, settlementRef string) (*models.ExchangeRequest, error) {
	exchange, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockUser(ctx, tx, exchange.UserID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE exchange_requests SET state = $2, processed_at = $3, reviewer_id = $4, settlement_ref = $5
         WHERE id = $1 AND state = $6`,
		id, models.ExchangeApproved, now, reviewerID, settlementRef, models.ExchangePending)
	if err != nil {
		return nil, fmt.Errorf("approve exchange: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("approve exchange rows: %w", err)
	}
	if affected == 0 {
		return nil, appErrors.ErrAlreadyProcessed
	}

	debit := &models.MileageEntry{
		UserID:            exchange.UserID,
		Amount:            -exchange.Amount,
		Reason:            "exchange settled",
		RelatedExchangeID: &id,
		CreatedAt:         now,
	}
	if err := insertDebit(ctx, tx, debit); err != nil {
		return nil, fmt.Errorf("record settlement debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approve: %w", err)
	}
	return r.FindByID(ctx, id)
}

// MarkRejected finalizes a PENDING exchange as REJECTED with no ledger effect.
func (r *ExchangeRepository) MarkRejected(ctx context.Context, id, reviewerID, reason string) (*models.ExchangeRequest, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE exchange_requests SET state = $2, processed_at = $3, reviewer_id = $4, reject_reason = $5
         WHERE id = $1 AND state = $6`,
		id, models.ExchangeRejected, now, reviewerID, reason, models.ExchangePending)
	if err != nil {
		return nil, fmt.Errorf("reject exchange: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reject exchange rows: %w", err)
	}
	if affected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, appErrors.ErrAlreadyProcessed
	}
	return r.FindByID(ctx, id)
}

// FindByID returns an exchange request by its ID.
func (r *ExchangeRepository) FindByID(ctx context.Context, id string) (*models.ExchangeRequest, error) {
	const query = `SELECT id, user_id, amount, state, reason, applied_at, processed_at, reviewer_id, reject_reason, settlement_ref
        FROM exchange_requests WHERE id = $1`
	var exchange models.ExchangeRequest
	if err := r.db.GetContext(ctx, &exchange, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find exchange request: %w", err)
	}
	return &exchange, nil
}

// SumCommitted returns the total PENDING amount for a user.
func (r *ExchangeRepository) SumCommitted(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM exchange_requests WHERE user_id = $1 AND state = $2`
	var committed int64
	if err := r.db.GetContext(ctx, &committed, query, userID, models.ExchangePending); err != nil {
		return 0, fmt.Errorf("sum committed: %w", err)
	}
	return committed, nil
}

// ListApprovedForStatement returns every approved exchange, oldest
// settlement first. An orgID confines the result to one organization.
// Statements cover the full history, so there is no pagination here.
func (r *ExchangeRepository) ListApprovedForStatement(ctx context.Context, orgID string) ([]models.ExchangeDetail, error) {
	query := `SELECT e.id, e.user_id, e.amount, e.state, e.reason, e.applied_at, e.processed_at,
        e.reviewer_id, e.reject_reason, e.settlement_ref,
        u.full_name AS user_name, u.email AS user_email, u.org_id AS org_id
        FROM exchange_requests e
        LEFT JOIN users u ON u.id = e.user_id
        WHERE e.state = $1`
	args := []interface{}{models.ExchangeApproved}
	if orgID != "" {
		query += " AND u.org_id = $2"
		args = append(args, orgID)
	}
	query += " ORDER BY e.processed_at ASC, e.id ASC"

	var exchanges []models.ExchangeDetail
	if err := r.db.SelectContext(ctx, &exchanges, query, args...); err != nil {
		return nil, fmt.Errorf("list approved exchanges: %w", err)
	}
	return exchanges, nil
}

// List returns exchange requests filtered by the provided criteria.
func (r *ExchangeRepository) List(ctx context.Context, filter models.ExchangeFilter) ([]models.ExchangeDetail, int, error) {
	base := `FROM exchange_requests e
LEFT JOIN users u ON u.id = e.user_id`
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("e.state = $%d", len(args)+1))
		args = append(args, filter.State)
	}
	if filter.OrgID != "" {
		conditions = append(conditions, fmt.Sprintf("u.org_id = $%d", len(args)+1))
		args = append(args, filter.OrgID)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"applied_at":   "e.applied_at",
		"processed_at": "e.processed_at",
		"amount":       "e.amount",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.applied_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.user_id, e.amount, e.state, e.reason, e.applied_at, e.processed_at,
        e.reviewer_id, e.reject_reason, e.settlement_ref,
        u.full_name AS user_name, u.email AS user_email, u.org_id AS org_id
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var exchanges []models.ExchangeDetail
	if err := r.db.SelectContext(ctx, &exchanges, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list exchange requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count exchange requests: %w", err)
	}
	return exchanges, total, nil
}
