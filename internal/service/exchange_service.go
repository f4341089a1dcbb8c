package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
	"github.com/unischolar/mileage-api/pkg/jobs"
)

// autoRejectReason marks exchanges rejected by the approval-time balance
// re-validation rather than by a reviewer decision.
const autoRejectReason = "balance changed"

type exchangeStore interface {
	InsertPending(ctx context.Context, exchange *models.ExchangeRequest) error
	FindByID(ctx context.Context, id string) (*models.ExchangeRequest, error)
	MarkApproved(ctx context.Context, id, reviewerID, settlementRef string) (*models.ExchangeRequest, error)
	MarkRejected(ctx context.Context, id, reviewerID, reason string) (*models.ExchangeRequest, error)
	List(ctx context.Context, filter models.ExchangeFilter) ([]models.ExchangeDetail, int, error)
}

type balanceCalculator interface {
	Recompute(ctx context.Context, userID string) (*models.BalanceSnapshot, error)
	Invalidate(ctx context.Context, userID string)
}

type settler interface {
	Settle(ctx context.Context, exchangeID, userID string, amount int64) (string, error)
}

type retryQueue interface {
	Enqueue(job jobs.Job) error
}

// RequestExchangeInput describes a user-filed cash-out request.
type RequestExchangeInput struct {
	UserID string `json:"-"`
	Amount int64  `json:"amount" validate:"required"`
	Reason string `json:"reason"`

	// skipMinimum exempts privileged conversions from the configured
	// user-facing minimum. The amount must still be positive.
	skipMinimum bool
}

// SettlementRetryPayload is carried by jobs on the settlements queue.
type SettlementRetryPayload struct {
	ExchangeID string `json:"exchange_id"`
	ReviewerID string `json:"reviewer_id"`
}

// ExchangeService owns the exchange request lifecycle: Pending is the only
// initial state, Approved and Rejected are terminal. The balance check and
// the Pending insert are atomic per user inside the repository; the external
// settlement call happens outside any database lock.
type ExchangeService struct {
	store     exchangeStore
	users     userReader
	balances  balanceCalculator
	settler   settler
	retry     retryQueue
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	minAmount int64
}

// NewExchangeService constructs ExchangeService. retry may be nil when no
// background queue is wired (tests, recon tooling).
func NewExchangeService(store exchangeStore, users userReader, balances balanceCalculator, settler settler, retry retryQueue, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, minAmount int64) *ExchangeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if minAmount <= 0 {
		minAmount = 1
	}
	return &ExchangeService{
		store:     store,
		users:     users,
		balances:  balances,
		settler:   settler,
		retry:     retry,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		minAmount: minAmount,
	}
}

// Request files a new exchange request. The repository validates available
// balance and inserts the Pending row under the per-user lock, so two
// concurrent requests can never jointly overdraw.
func (s *ExchangeService) Request(ctx context.Context, input RequestExchangeInput) (*models.ExchangeRequest, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid exchange payload")
	}
	if input.Amount <= 0 {
		return nil, appErrors.ErrInvalidAmount
	}
	if input.Amount < s.minAmount && !input.skipMinimum {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, fmt.Sprintf("amount below minimum of %d", s.minAmount))
	}

	exchange := &models.ExchangeRequest{
		UserID: input.UserID,
		Amount: input.Amount,
		Reason: input.Reason,
	}
	if err := s.store.InsertPending(ctx, exchange); err != nil {
		if appErrors.Is(err, appErrors.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create exchange request")
	}

	s.balances.Invalidate(ctx, input.UserID)
	s.metrics.RecordExchangeTransition(OutcomeRequested)
	s.logger.Info("exchange requested",
		zap.String("exchange_id", exchange.ID),
		zap.String("user_id", input.UserID),
		zap.Int64("amount", input.Amount))
	return exchange, nil
}

// Approve drives a Pending exchange to a terminal state. The sequence is:
// load and scope-check, re-validate the balance, settle externally, then
// finalize state plus debit in one transaction. A settlement failure leaves
// the exchange Pending and schedules a background retry.
//
// When re-validation finds the invariant broken the exchange is auto-rejected
// with no external call, and the rejected request is returned without error.
func (s *ExchangeService) Approve(ctx context.Context, exchangeID string, reviewer *models.JWTClaims) (*models.ExchangeRequest, error) {
	exchange, err := s.loadForReview(ctx, exchangeID, reviewer)
	if err != nil {
		return nil, err
	}

	// Balance re-validation. The Pending amount is already committed, so a
	// healthy ledger yields available >= 0; anything below means the mileage
	// backing this request is gone and approving would overdraw.
	if exchange.SettlementRef == nil {
		snapshot, err := s.balances.Recompute(ctx, exchange.UserID)
		if err != nil {
			return nil, err
		}
		if snapshot.Available < 0 {
			rejected, err := s.store.MarkRejected(ctx, exchangeID, reviewer.UserID, autoRejectReason)
			if err != nil {
				return nil, s.mapStoreError(err, "failed to auto-reject exchange")
			}
			s.balances.Invalidate(ctx, exchange.UserID)
			s.metrics.RecordExchangeTransition(OutcomeAutoRejected)
			s.logger.Warn("exchange auto-rejected on re-validation",
				zap.String("exchange_id", exchangeID),
				zap.Int64("available", snapshot.Available))
			return rejected, nil
		}
	}

	ref, err := s.settler.Settle(ctx, exchangeID, exchange.UserID, exchange.Amount)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrSettlementUnavailable) {
			s.enqueueRetry(exchangeID, reviewer.UserID)
		}
		return nil, err
	}

	approved, err := s.store.MarkApproved(ctx, exchangeID, reviewer.UserID, ref)
	if err != nil {
		return nil, s.mapStoreError(err, "failed to finalize approval")
	}

	s.balances.Invalidate(ctx, exchange.UserID)
	s.metrics.RecordExchangeTransition(OutcomeApproved)
	s.metrics.RecordMileageEntry("debit")
	s.logger.Info("exchange approved",
		zap.String("exchange_id", exchangeID),
		zap.String("reviewer_id", reviewer.UserID),
		zap.String("settlement_ref", ref))
	return approved, nil
}

// Reject drives a Pending exchange to Rejected with no ledger effect.
func (s *ExchangeService) Reject(ctx context.Context, exchangeID string, reviewer *models.JWTClaims, reason string) (*models.ExchangeRequest, error) {
	if _, err := s.loadForReview(ctx, exchangeID, reviewer); err != nil {
		return nil, err
	}

	rejected, err := s.store.MarkRejected(ctx, exchangeID, reviewer.UserID, reason)
	if err != nil {
		return nil, s.mapStoreError(err, "failed to reject exchange")
	}

	s.balances.Invalidate(ctx, rejected.UserID)
	s.metrics.RecordExchangeTransition(OutcomeRejected)
	s.logger.Info("exchange rejected",
		zap.String("exchange_id", exchangeID),
		zap.String("reviewer_id", reviewer.UserID))
	return rejected, nil
}

// Get returns a single exchange visible to the caller: its owner, or an
// admin whose scope covers the owner's organization.
func (s *ExchangeService) Get(ctx context.Context, exchangeID string, caller *models.JWTClaims) (*models.ExchangeRequest, error) {
	exchange, err := s.store.FindByID(ctx, exchangeID)
	if err != nil {
		return nil, s.mapStoreError(err, "failed to load exchange")
	}
	if exchange.UserID == caller.UserID {
		return exchange, nil
	}
	owner, err := s.users.FindByID(ctx, exchange.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exchange owner")
	}
	if !caller.CanActOn(owner.OrgID) {
		return nil, appErrors.ErrForbidden
	}
	return exchange, nil
}

// List returns exchanges matching the filter. Org-scoped admins are pinned
// to their own organization regardless of the requested filter.
func (s *ExchangeService) List(ctx context.Context, filter models.ExchangeFilter, caller *models.JWTClaims) ([]models.ExchangeDetail, *models.Pagination, error) {
	if caller.Role == models.RoleAdmin {
		filter.OrgID = caller.OrgID
	}
	exchanges, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list exchanges")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return exchanges, pagination, nil
}

// ListMine returns the caller's own exchange requests.
func (s *ExchangeService) ListMine(ctx context.Context, filter models.ExchangeFilter, caller *models.JWTClaims) ([]models.ExchangeDetail, *models.Pagination, error) {
	filter.UserID = caller.UserID
	filter.OrgID = ""
	exchanges, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list exchanges")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return exchanges, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// HandleSettlementRetry is the settlements queue handler. It re-runs the
// approval for an exchange left Pending by a failed deposit; the settlement
// layer replays recorded deposits so no money can move twice.
func (s *ExchangeService) HandleSettlementRetry(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(SettlementRetryPayload)
	if !ok {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("settlement retry payload: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("settlement retry payload: %w", err)
		}
	}

	reviewer := &models.JWTClaims{UserID: payload.ReviewerID, Role: models.RoleSuperAdmin}
	_, err := s.Approve(ctx, payload.ExchangeID, reviewer)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrAlreadyProcessed) {
			// Finished by a concurrent approval; nothing left to do.
			return nil
		}
		return err
	}
	return nil
}

func (s *ExchangeService) loadForReview(ctx context.Context, exchangeID string, reviewer *models.JWTClaims) (*models.ExchangeRequest, error) {
	exchange, err := s.store.FindByID(ctx, exchangeID)
	if err != nil {
		return nil, s.mapStoreError(err, "failed to load exchange")
	}
	if exchange.State.Terminal() {
		return nil, appErrors.ErrAlreadyProcessed
	}

	owner, err := s.users.FindByID(ctx, exchange.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exchange owner")
	}
	if !reviewer.CanActOn(owner.OrgID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exchange outside organization scope")
	}
	return exchange, nil
}

func (s *ExchangeService) mapStoreError(err error, message string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "exchange not found")
	case appErrors.Is(err, appErrors.ErrAlreadyProcessed):
		return err
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}

func (s *ExchangeService) enqueueRetry(exchangeID, reviewerID string) {
	if s.retry == nil {
		return
	}
	job := jobs.Job{
		ID:      fmt.Sprintf("settle-%s", exchangeID),
		Type:    "settlement_retry",
		Payload: SettlementRetryPayload{ExchangeID: exchangeID, ReviewerID: reviewerID},
	}
	if err := s.retry.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue settlement retry", zap.String("exchange_id", exchangeID), zap.Error(err))
	}
}
