package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

type mockLedger struct {
	entries []models.MileageEntry
}

func (m *mockLedger) Append(ctx context.Context, entry *models.MileageEntry) error {
	entry.ID = fmt.Sprintf("entry-%d", len(m.entries)+1)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockLedger) ListByUser(ctx context.Context, filter models.MileageFilter) ([]models.MileageEntry, int, error) {
	var result []models.MileageEntry
	for _, entry := range m.entries {
		if entry.UserID == filter.UserID {
			result = append(result, entry)
		}
	}
	return result, len(result), nil
}

type mockBalanceProvider struct {
	invalidated []string
}

func (m *mockBalanceProvider) Snapshot(ctx context.Context, userID string) (*models.BalanceSnapshot, error) {
	return &models.BalanceSnapshot{UserID: userID}, nil
}

func (m *mockBalanceProvider) Invalidate(ctx context.Context, userID string) {
	m.invalidated = append(m.invalidated, userID)
}

func newMileageFixture() (*MileageService, *mockLedger, *mockBalanceProvider) {
	ledger := &mockLedger{}
	users := &mockUserStore{users: map[string]*models.User{
		"u1":    {ID: "u1", OrgID: "org-1"},
		"other": {ID: "other", OrgID: "org-2"},
	}}
	balances := &mockBalanceProvider{}
	svc := NewMileageService(ledger, users, balances, nil, nil, nil)
	return svc, ledger, balances
}

func TestGrantAppendsLedgerEntry(t *testing.T) {
	svc, ledger, balances := newMileageFixture()

	entry, err := svc.Grant(context.Background(), GrantMileageRequest{
		UserID: "u1",
		Amount: 300,
		Reason: "scholarship award",
	}, adminClaims("org-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), entry.Amount)
	require.Len(t, ledger.entries, 1)
	assert.Contains(t, balances.invalidated, "u1")
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	svc, ledger, _ := newMileageFixture()

	_, err := svc.Grant(context.Background(), GrantMileageRequest{
		UserID: "u1",
		Amount: -300,
		Reason: "bad",
	}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAmount))
	assert.Empty(t, ledger.entries)
}

func TestGrantOutsideOrgScopeForbidden(t *testing.T) {
	svc, ledger, _ := newMileageFixture()

	_, err := svc.Grant(context.Background(), GrantMileageRequest{
		UserID: "other",
		Amount: 300,
		Reason: "scholarship award",
	}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
	assert.Empty(t, ledger.entries)
}

func TestGrantUnknownUser(t *testing.T) {
	svc, _, _ := newMileageFixture()

	_, err := svc.Grant(context.Background(), GrantMileageRequest{
		UserID: "ghost",
		Amount: 300,
		Reason: "scholarship award",
	}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestHistoryReturnsOwnEntries(t *testing.T) {
	svc, ledger, _ := newMileageFixture()
	ledger.entries = []models.MileageEntry{
		{ID: "e1", UserID: "u1", Amount: 300},
		{ID: "e2", UserID: "u1", Amount: -100},
		{ID: "e3", UserID: "other", Amount: 50},
	}

	entries, pagination, err := svc.History(context.Background(), models.MileageFilter{UserID: "u1"}, studentClaims("u1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 2, pagination.TotalCount)
}

func TestHistoryScopedForAdmins(t *testing.T) {
	svc, _, _ := newMileageFixture()

	_, _, err := svc.History(context.Background(), models.MileageFilter{UserID: "other"}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, _, err = svc.History(context.Background(), models.MileageFilter{UserID: "u1"}, adminClaims("org-1"))
	assert.NoError(t, err)
}

func TestBalanceScopedForAdmins(t *testing.T) {
	svc, _, _ := newMileageFixture()

	_, err := svc.Balance(context.Background(), "u1", studentClaims("u1"))
	assert.NoError(t, err)

	_, err = svc.Balance(context.Background(), "other", adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	super := &models.JWTClaims{UserID: "root", Role: models.RoleSuperAdmin}
	_, err = svc.Balance(context.Background(), "other", super)
	assert.NoError(t, err)
}
