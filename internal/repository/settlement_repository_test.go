package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/internal/models"
)

func newSettlementMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func settlementColumns() []string {
	return []string{"exchange_id", "user_id", "amount", "transaction_ref", "deposited_at"}
}

func TestSettlementRepositoryFindByExchangeID(t *testing.T) {
	db, mock, cleanup := newSettlementMock(t)
	defer cleanup()
	repo := NewSettlementRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements WHERE exchange_id = $1")).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows(settlementColumns()).
			AddRow("ex-1", "u1", int64(200), "txn-1", now))

	settlement, err := repo.FindByExchangeID(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", settlement.TransactionRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepositoryFindMissing(t *testing.T) {
	db, mock, cleanup := newSettlementMock(t)
	defer cleanup()
	repo := NewSettlementRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements WHERE exchange_id = $1")).
		WithArgs("ex-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByExchangeID(context.Background(), "ex-missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSettlementRepositoryCreateSurvivesConflict(t *testing.T) {
	db, mock, cleanup := newSettlementMock(t)
	defer cleanup()
	repo := NewSettlementRepository(db)

	now := time.Now().UTC()

	// A concurrent writer already recorded this settlement; the insert is a
	// no-op and the first writer's row comes back.
	mock.ExpectExec("INSERT INTO settlements").
		WithArgs("ex-1", "u1", int64(200), "txn-second", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements WHERE exchange_id = $1")).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows(settlementColumns()).
			AddRow("ex-1", "u1", int64(200), "txn-first", now))

	settlement, err := repo.Create(context.Background(), &models.Settlement{
		ExchangeID:     "ex-1",
		UserID:         "u1",
		Amount:         200,
		TransactionRef: "txn-second",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-first", settlement.TransactionRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}
