package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/unischolar/mileage-api/internal/models"
	"github.com/unischolar/mileage-api/internal/service"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
	"github.com/unischolar/mileage-api/pkg/response"
)

// MileageHandler exposes the ledger read surface and the admin grant path.
type MileageHandler struct {
	mileage *service.MileageService
}

// NewMileageHandler constructs MileageHandler.
func NewMileageHandler(mileage *service.MileageService) *MileageHandler {
	return &MileageHandler{mileage: mileage}
}

// Balance godoc
// @Summary Get own mileage balance
// @Description Returns the caller's derived total, committed and available balance
// @Tags Mileage
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /mileage/balance [get]
func (h *MileageHandler) Balance(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	snapshot, err := h.mileage.Balance(c.Request.Context(), claims.UserID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// UserBalance godoc
// @Summary Get a user's mileage balance
// @Description Admin balance lookup, scoped to the admin's organization
// @Tags Mileage
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /mileage/users/{id}/balance [get]
func (h *MileageHandler) UserBalance(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	snapshot, err := h.mileage.Balance(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// History godoc
// @Summary Get own ledger history
// @Tags Mileage
// @Produce json
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /mileage/history [get]
func (h *MileageHandler) History(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := historyFilter(c)
	filter.UserID = claims.UserID

	entries, pagination, err := h.mileage.History(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// UserHistory godoc
// @Summary Get a user's ledger history
// @Description Admin ledger lookup, scoped to the admin's organization
// @Tags Mileage
// @Produce json
// @Param id path string true "User ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /mileage/users/{id}/history [get]
func (h *MileageHandler) UserHistory(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := historyFilter(c)
	filter.UserID = c.Param("id")

	entries, pagination, err := h.mileage.History(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// Grant godoc
// @Summary Grant mileage to a user
// @Description Records a scholarship grant entry on the ledger
// @Tags Mileage
// @Accept json
// @Produce json
// @Param payload body service.GrantMileageRequest true "Grant payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /mileage/grants [post]
func (h *MileageHandler) Grant(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.GrantMileageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	entry, err := h.mileage.Grant(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

func historyFilter(c *gin.Context) models.MileageFilter {
	var filter models.MileageFilter
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		filter.PageSize = size
	}
	return filter
}
