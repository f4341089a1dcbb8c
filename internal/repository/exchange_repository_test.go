package repository

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

func newExchangeMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func exchangeColumns() []string {
	return []string{"id", "user_id", "amount", "state", "reason", "applied_at", "processed_at", "reviewer_id", "reject_reason", "settlement_ref"}
}

func pendingRow(id string, amount int64) *sqlmock.Rows {
	return sqlmock.NewRows(exchangeColumns()).
		AddRow(id, "u1", amount, "PENDING", "", time.Now().UTC(), nil, nil, nil, nil)
}

func expectUserLock(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestExchangeRepositoryInsertPending(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectBegin()
	expectUserLock(mock, "u1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM mileage_entries WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(500)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM exchange_requests WHERE user_id = $1 AND state = $2")).
		WithArgs("u1", models.ExchangePending).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO exchange_requests").
		WithArgs(sqlmock.AnyArg(), "u1", int64(200), "PENDING", "laptop fund", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	exchange := &models.ExchangeRequest{UserID: "u1", Amount: 200, Reason: "laptop fund"}
	err := repo.InsertPending(context.Background(), exchange)
	require.NoError(t, err)
	assert.NotEmpty(t, exchange.ID)
	assert.Equal(t, models.ExchangePending, exchange.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryInsertPendingInsufficient(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectBegin()
	expectUserLock(mock, "u1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM mileage_entries WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(150)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM exchange_requests WHERE user_id = $1 AND state = $2")).
		WithArgs("u1", models.ExchangePending).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectRollback()

	err := repo.InsertPending(context.Background(), &models.ExchangeRequest{UserID: "u1", Amount: 200})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInsufficientBalance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryMarkApprovedWritesDebit(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_requests WHERE id = $1")).
		WithArgs("ex-1").
		WillReturnRows(pendingRow("ex-1", 200))

	mock.ExpectBegin()
	expectUserLock(mock, "u1")
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs("ex-1", models.ExchangeApproved, sqlmock.AnyArg(), "admin-1", "txn-1", models.ExchangePending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mileage_entries").
		WithArgs(sqlmock.AnyArg(), "u1", int64(-200), "exchange settled", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_requests WHERE id = $1")).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows(exchangeColumns()).
			AddRow("ex-1", "u1", int64(200), "APPROVED", "", time.Now().UTC(), time.Now().UTC(), "admin-1", nil, "txn-1"))

	approved, err := repo.MarkApproved(context.Background(), "ex-1", "admin-1", "txn-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeApproved, approved.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryMarkApprovedAlreadyProcessed(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_requests WHERE id = $1")).
		WithArgs("ex-1").
		WillReturnRows(pendingRow("ex-1", 200))

	mock.ExpectBegin()
	expectUserLock(mock, "u1")
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs("ex-1", models.ExchangeApproved, sqlmock.AnyArg(), "admin-1", "txn-1", models.ExchangePending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.MarkApproved(context.Background(), "ex-1", "admin-1", "txn-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyProcessed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryMarkRejected(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs("ex-1", models.ExchangeRejected, sqlmock.AnyArg(), "admin-1", "not eligible", models.ExchangePending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_requests WHERE id = $1")).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows(exchangeColumns()).
			AddRow("ex-1", "u1", int64(200), "REJECTED", "", time.Now().UTC(), time.Now().UTC(), "admin-1", "not eligible", nil))

	rejected, err := repo.MarkRejected(context.Background(), "ex-1", "admin-1", "not eligible")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeRejected, rejected.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryMarkRejectedAlreadyProcessed(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs("ex-1", models.ExchangeRejected, sqlmock.AnyArg(), "admin-1", "dup", models.ExchangePending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_requests WHERE id = $1")).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows(exchangeColumns()).
			AddRow("ex-1", "u1", int64(200), "APPROVED", "", time.Now().UTC(), time.Now().UTC(), "admin-1", nil, "txn-1"))

	_, err := repo.MarkRejected(context.Background(), "ex-1", "admin-1", "dup")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyProcessed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositorySumCommitted(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM exchange_requests WHERE user_id = $1 AND state = $2")).
		WithArgs("u1", models.ExchangePending).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(300)))

	committed, err := repo.SumCommitted(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), committed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryListApprovedForStatementUnpaginated(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	now := time.Now().UTC()
	detailColumns := append(exchangeColumns(), "user_name", "user_email", "org_id")
	rows := sqlmock.NewRows(detailColumns)
	for i := 0; i < 150; i++ {
		rows.AddRow(fmt.Sprintf("ex-%d", i), "u1", int64(100), "APPROVED", "",
			now, now, "admin-1", nil, "txn-1", "Student One", "s1@example.edu", "org-1")
	}

	// The statement query ends at the ORDER BY: no LIMIT, no OFFSET.
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY e.processed_at ASC, e.id ASC") + `\s*$`).
		WithArgs(models.ExchangeApproved, "org-1").
		WillReturnRows(rows)

	details, err := repo.ListApprovedForStatement(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, details, 150)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryListApprovedForStatementAllOrgs(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	detailColumns := append(exchangeColumns(), "user_name", "user_email", "org_id")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.state = $1")).
		WithArgs(models.ExchangeApproved).
		WillReturnRows(sqlmock.NewRows(detailColumns))

	details, err := repo.ListApprovedForStatement(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepositoryListFiltersAndCounts(t *testing.T) {
	db, mock, cleanup := newExchangeMock(t)
	defer cleanup()
	repo := NewExchangeRepository(db)

	detailColumns := append(exchangeColumns(), "user_name", "user_email", "org_id")
	mock.ExpectQuery("SELECT e.id, e.user_id, e.amount").
		WithArgs(models.ExchangePending, "org-1").
		WillReturnRows(sqlmock.NewRows(detailColumns).
			AddRow("ex-1", "u1", int64(200), "PENDING", "", time.Now().UTC(), nil, nil, nil, nil, "Student One", "s1@example.edu", "org-1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(models.ExchangePending, "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	details, total, err := repo.List(context.Background(), models.ExchangeFilter{
		State: models.ExchangePending,
		OrgID: "org-1",
	})
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Student One", details[0].UserName)
	assert.NoError(t, mock.ExpectationsWereMet())
}
