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

type exchangeEngine interface {
	Request(ctx context.Context, input RequestExchangeInput) (*models.ExchangeRequest, error)
	Approve(ctx context.Context, exchangeID string, reviewer *models.JWTClaims) (*models.ExchangeRequest, error)
}

// ConvertRequest describes an administrative direct conversion for one user.
type ConvertRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
	Amount       int64  `json:"amount" validate:"required"`
	Reason       string `json:"reason"`
}

// ConversionService is the privileged shortcut that pushes mileage to money
// without a prior user request. It synthesizes a Pending exchange and drives
// it through the ordinary approval path, so the balance check, settlement,
// debit and idempotency guarantees are exactly those of the normal flow.
type ConversionService struct {
	exchanges exchangeEngine
	users     userReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewConversionService constructs ConversionService.
func NewConversionService(exchanges exchangeEngine, users userReader, validate *validator.Validate, logger *zap.Logger) *ConversionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversionService{exchanges: exchanges, users: users, validator: validate, logger: logger}
}

// Convert grants-and-settles the amount for the target user. On a settlement
// failure the synthesized exchange stays Pending and is retried in the
// background, identical to a reviewer-approved request.
func (s *ConversionService) Convert(ctx context.Context, req ConvertRequest, admin *models.JWTClaims) (*models.ExchangeRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid conversion payload")
	}
	if req.Amount <= 0 {
		return nil, appErrors.ErrInvalidAmount
	}

	target, err := s.users.FindByID(ctx, req.TargetUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !admin.CanActOn(target.OrgID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "user outside organization scope")
	}

	reason := req.Reason
	if reason == "" {
		reason = "admin conversion"
	}
	exchange, err := s.exchanges.Request(ctx, RequestExchangeInput{
		UserID:      target.ID,
		Amount:      req.Amount,
		Reason:      reason,
		skipMinimum: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin conversion started",
		zap.String("exchange_id", exchange.ID),
		zap.String("target_user_id", target.ID),
		zap.String("admin_id", admin.UserID),
		zap.Int64("amount", req.Amount))

	return s.exchanges.Approve(ctx, exchange.ID, admin)
}
