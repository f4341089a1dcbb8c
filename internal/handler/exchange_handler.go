package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/unischolar/mileage-api/internal/models"
	"github.com/unischolar/mileage-api/internal/service"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
	"github.com/unischolar/mileage-api/pkg/response"
)

type exchangeLifecycle interface {
	Request(ctx context.Context, input service.RequestExchangeInput) (*models.ExchangeRequest, error)
	Approve(ctx context.Context, exchangeID string, reviewer *models.JWTClaims) (*models.ExchangeRequest, error)
	Reject(ctx context.Context, exchangeID string, reviewer *models.JWTClaims, reason string) (*models.ExchangeRequest, error)
	Get(ctx context.Context, exchangeID string, caller *models.JWTClaims) (*models.ExchangeRequest, error)
	List(ctx context.Context, filter models.ExchangeFilter, caller *models.JWTClaims) ([]models.ExchangeDetail, *models.Pagination, error)
	ListMine(ctx context.Context, filter models.ExchangeFilter, caller *models.JWTClaims) ([]models.ExchangeDetail, *models.Pagination, error)
}

type converter interface {
	Convert(ctx context.Context, req service.ConvertRequest, admin *models.JWTClaims) (*models.ExchangeRequest, error)
}

// ExchangeHandler exposes the cash-out request lifecycle over HTTP.
type ExchangeHandler struct {
	exchanges   exchangeLifecycle
	conversions converter
}

// NewExchangeHandler constructs ExchangeHandler.
func NewExchangeHandler(exchanges exchangeLifecycle, conversions converter) *ExchangeHandler {
	return &ExchangeHandler{exchanges: exchanges, conversions: conversions}
}

// Request godoc
// @Summary Request a mileage exchange
// @Description Files a cash-out request against the caller's available balance
// @Tags Exchanges
// @Accept json
// @Produce json
// @Param payload body service.RequestExchangeInput true "Exchange payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /exchanges [post]
func (h *ExchangeHandler) Request(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var input service.RequestExchangeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	input.UserID = claims.UserID

	exchange, err := h.exchanges.Request(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, exchange)
}

// Mine godoc
// @Summary List own exchange requests
// @Tags Exchanges
// @Produce json
// @Param state query string false "Filter by state"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /exchanges/mine [get]
func (h *ExchangeHandler) Mine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := exchangeFilter(c)
	details, pagination, err := h.exchanges.ListMine(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, details, pagination)
}

// List godoc
// @Summary List exchange requests
// @Description Admin listing, scoped to the admin's organization
// @Tags Exchanges
// @Produce json
// @Param state query string false "Filter by state"
// @Param userId query string false "Filter by user"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param sort query string false "Sort column"
// @Param order query string false "Sort order"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /exchanges [get]
func (h *ExchangeHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := exchangeFilter(c)
	filter.UserID = c.Query("userId")
	details, pagination, err := h.exchanges.List(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, details, pagination)
}

// Get godoc
// @Summary Get an exchange request
// @Tags Exchanges
// @Produce json
// @Param id path string true "Exchange ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /exchanges/{id} [get]
func (h *ExchangeHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	exchange, err := h.exchanges.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exchange, nil)
}

// Approve godoc
// @Summary Approve an exchange request
// @Description Settles the deposit and debits the ledger; on unconfirmed settlement the request stays pending and the response is retryable
// @Tags Exchanges
// @Produce json
// @Param id path string true "Exchange ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /exchanges/{id}/approve [post]
func (h *ExchangeHandler) Approve(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	exchange, err := h.exchanges.Approve(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exchange, nil)
}

// Reject godoc
// @Summary Reject an exchange request
// @Tags Exchanges
// @Accept json
// @Produce json
// @Param id path string true "Exchange ID"
// @Param payload body object false "Rejection reason"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /exchanges/{id}/reject [post]
func (h *ExchangeHandler) Reject(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var payload struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&payload)

	exchange, err := h.exchanges.Reject(c.Request.Context(), c.Param("id"), claims, payload.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exchange, nil)
}

// Convert godoc
// @Summary Convert mileage for a user
// @Description Admin shortcut that files and approves an exchange in one call
// @Tags Exchanges
// @Accept json
// @Produce json
// @Param payload body service.ConvertRequest true "Conversion payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /exchanges/convert [post]
func (h *ExchangeHandler) Convert(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	exchange, err := h.conversions.Convert(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exchange, nil)
}

func exchangeFilter(c *gin.Context) models.ExchangeFilter {
	var filter models.ExchangeFilter
	filter.State = models.ExchangeState(c.Query("state"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")
	return filter
}
