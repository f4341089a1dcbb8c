package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

func newConversionFixture(available int64) (*ConversionService, *mockExchangeStore, *mockSettler) {
	store := &mockExchangeStore{available: available}
	users := &mockUserStore{users: map[string]*models.User{
		"u1":    {ID: "u1", OrgID: "org-1", BankCode: "088", BankAccount: "12345"},
		"other": {ID: "other", OrgID: "org-2", BankCode: "088", BankAccount: "99999"},
	}}
	settler := &mockSettler{}
	exchanges := NewExchangeService(store, users, &mockBalances{}, settler, nil, nil, nil, nil, 1)
	svc := NewConversionService(exchanges, users, nil, nil)
	return svc, store, settler
}

func TestConvertRunsFullApprovalPath(t *testing.T) {
	svc, store, settler := newConversionFixture(500)

	exchange, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "u1", Amount: 200}, adminClaims("org-1"))
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeApproved, exchange.State)
	require.NotNil(t, exchange.SettlementRef)
	assert.Equal(t, 1, settler.calls, "conversion settles through the same path as an approval")
	assert.Equal(t, int64(300), store.available)
}

func TestConvertInsufficientBalance(t *testing.T) {
	svc, _, settler := newConversionFixture(100)

	_, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "u1", Amount: 200}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInsufficientBalance))
	assert.Zero(t, settler.calls)
}

func TestConvertOutsideOrgScopeForbidden(t *testing.T) {
	svc, _, settler := newConversionFixture(500)

	_, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "other", Amount: 200}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
	assert.Zero(t, settler.calls)
}

func TestConvertSuperAdminCrossesOrgs(t *testing.T) {
	svc, _, _ := newConversionFixture(500)
	super := &models.JWTClaims{UserID: "root", Role: models.RoleSuperAdmin}

	exchange, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "other", Amount: 200}, super)
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeApproved, exchange.State)
}

func TestConvertUnknownUser(t *testing.T) {
	svc, _, _ := newConversionFixture(500)

	_, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "ghost", Amount: 200}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestConvertRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newConversionFixture(500)

	_, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "u1", Amount: -10}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAmount))
}

func TestConvertBypassesConfiguredMinimum(t *testing.T) {
	store := &mockExchangeStore{available: 500}
	users := &mockUserStore{users: map[string]*models.User{
		"u1": {ID: "u1", OrgID: "org-1", BankCode: "088", BankAccount: "12345"},
	}}
	settler := &mockSettler{}
	exchanges := NewExchangeService(store, users, &mockBalances{}, settler, nil, nil, nil, nil, 100)
	svc := NewConversionService(exchanges, users, nil, nil)

	// The configured minimum still gates user-filed requests.
	_, err := exchanges.Request(context.Background(), RequestExchangeInput{UserID: "u1", Amount: 5})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAmount))

	// Admin conversions only require a positive amount.
	exchange, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "u1", Amount: 5}, adminClaims("org-1"))
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeApproved, exchange.State)
	assert.Equal(t, 1, settler.calls)
}

func TestConvertSettlementFailureLeavesPending(t *testing.T) {
	svc, store, settler := newConversionFixture(500)
	settler.err = appErrors.Clone(appErrors.ErrSettlementUnavailable, "timeout")

	_, err := svc.Convert(context.Background(), ConvertRequest{TargetUserID: "u1", Amount: 200}, adminClaims("org-1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrSettlementUnavailable))

	for _, exchange := range store.exchanges {
		assert.Equal(t, models.ExchangePending, exchange.State)
	}
}
