package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

type mileageLedger interface {
	Append(ctx context.Context, entry *models.MileageEntry) error
	ListByUser(ctx context.Context, filter models.MileageFilter) ([]models.MileageEntry, int, error)
}

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type balanceProvider interface {
	Snapshot(ctx context.Context, userID string) (*models.BalanceSnapshot, error)
	Invalidate(ctx context.Context, userID string)
}

// GrantMileageRequest describes an administrative mileage grant, typically a
// scholarship award.
type GrantMileageRequest struct {
	UserID               string  `json:"user_id" validate:"required"`
	Amount               int64   `json:"amount" validate:"required"`
	Reason               string  `json:"reason" validate:"required"`
	RelatedScholarshipID *string `json:"related_scholarship_id,omitempty"`
}

// MileageService owns the grant side of the ledger and its read surface.
// Debits are never written here; they belong to the exchange transition.
type MileageService struct {
	ledger    mileageLedger
	users     userReader
	balances  balanceProvider
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewMileageService constructs MileageService.
func NewMileageService(ledger mileageLedger, users userReader, balances balanceProvider, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *MileageService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MileageService{ledger: ledger, users: users, balances: balances, validator: validate, metrics: metrics, logger: logger}
}

// Grant appends a grant entry for a user inside the actor's organization
// scope.
func (s *MileageService) Grant(ctx context.Context, req GrantMileageRequest, actor *models.JWTClaims) (*models.MileageEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grant payload")
	}
	if req.Amount <= 0 {
		return nil, appErrors.ErrInvalidAmount
	}

	target, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !actor.CanActOn(target.OrgID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "user outside organization scope")
	}

	entry := &models.MileageEntry{
		UserID:               req.UserID,
		Amount:               req.Amount,
		Reason:               req.Reason,
		RelatedScholarshipID: req.RelatedScholarshipID,
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record grant")
	}

	s.balances.Invalidate(ctx, req.UserID)
	s.metrics.RecordMileageEntry("grant")
	s.logger.Info("mileage granted",
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("granted_by", actor.UserID))
	return entry, nil
}

// Balance returns the derived balance snapshot for a user. Callers other
// than the user themselves must be able to act on the user's organization.
func (s *MileageService) Balance(ctx context.Context, userID string, actor *models.JWTClaims) (*models.BalanceSnapshot, error) {
	if err := s.authorizeRead(ctx, userID, actor); err != nil {
		return nil, err
	}
	snapshot, err := s.balances.Snapshot(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute balance")
	}
	return snapshot, nil
}

// History returns the ledger entries for a user in creation order.
func (s *MileageService) History(ctx context.Context, filter models.MileageFilter, actor *models.JWTClaims) ([]models.MileageEntry, *models.Pagination, error) {
	if err := s.authorizeRead(ctx, filter.UserID, actor); err != nil {
		return nil, nil, err
	}
	entries, total, err := s.ledger.ListByUser(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return entries, pagination, nil
}

func (s *MileageService) authorizeRead(ctx context.Context, userID string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.UserID == userID {
		return nil
	}
	target, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !actor.CanActOn(target.OrgID) {
		return appErrors.Clone(appErrors.ErrForbidden, "user outside organization scope")
	}
	return nil
}
