package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modulus-app/studyplan-api/internal/dto"
	"github.com/modulus-app/studyplan-api/internal/middleware"
	"github.com/modulus-app/studyplan-api/internal/models"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
	"github.com/modulus-app/studyplan-api/pkg/response"
)

type preferenceService interface {
	Get(ctx context.Context, userID string) (*models.UserPreference, bool, error)
	Update(ctx context.Context, userID string, req dto.PreferenceRequest) (*models.UserPreference, error)
}

// PreferenceHandler serves a user's default import settings.
type PreferenceHandler struct {
	service preferenceService
}

// NewPreferenceHandler creates a new handler.
func NewPreferenceHandler(svc preferenceService) *PreferenceHandler {
	return &PreferenceHandler{service: svc}
}

// Get godoc
// @Summary Get the user's import preferences
// @Tags Preferences
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /preferences [get]
func (h *PreferenceHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	pref, cacheHit, err := h.service.Get(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, pref, nil, middleware.ExtractMeta(c))
}

// Update godoc
// @Summary Update the user's import preferences
// @Tags Preferences
// @Accept json
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /preferences [put]
func (h *PreferenceHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid preference payload"))
		return
	}

	pref, err := h.service.Update(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pref, nil)
}
