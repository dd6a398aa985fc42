package handler

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modulus-app/studyplan-api/internal/dto"
	"github.com/modulus-app/studyplan-api/internal/models"
	"github.com/modulus-app/studyplan-api/internal/service"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
	"github.com/modulus-app/studyplan-api/pkg/response"
)

type planService interface {
	Import(ctx context.Context, userID string, req dto.ImportPlanRequest) (*models.PlanRun, error)
	Generate(ctx context.Context, userID, runID string) (*models.PlanRun, error)
	GetRun(ctx context.Context, userID, runID string) (*models.PlanRun, error)
	ListRuns(ctx context.Context, userID string, params models.ListParams) ([]dto.PlanRunSummary, *models.Pagination, error)
	DeleteRun(ctx context.Context, userID, runID string) error
	Preview(ctx context.Context, userID, runID string) (models.PreviewState, error)
	UpdateBlock(ctx context.Context, userID, runID, blockID string, req dto.UpdateBlockRequest) (models.PreviewState, error)
	DeleteBlock(ctx context.Context, userID, runID, blockID string) (models.PreviewState, error)
	CreateBlock(ctx context.Context, userID, runID string, req dto.CreateBlockRequest) (models.PreviewState, error)
	UpdateAssignment(ctx context.Context, userID, runID, assignmentID string, req dto.UpdateAssignmentRequest) (models.PreviewState, error)
	Regenerate(ctx context.Context, userID, runID string) (models.PreviewState, error)
	Finalize(ctx context.Context, userID, runID string) (string, []byte, error)
	CanvasFeed(ctx context.Context, runID, token string) ([]byte, error)
}

type exportService interface {
	Generate(ctx context.Context, userID, runID string, format service.ExportFormat) (*service.ExportResult, error)
	ParseToken(token string, allowExpired bool) (runID, relPath string, expiresAt time.Time, err error)
	Open(relPath string) (*os.File, error)
}

// PlanHandler wires the plan run lifecycle to HTTP.
type PlanHandler struct {
	plans          planService
	exports        exportService
	maxUploadBytes int64
}

// NewPlanHandler creates a new handler.
func NewPlanHandler(plans planService, exports exportService, maxUploadBytes int64) *PlanHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 5 * 1024 * 1024
	}
	return &PlanHandler{plans: plans, exports: exports, maxUploadBytes: maxUploadBytes}
}

// Import godoc
// @Summary Import calendars for a new plan run
// @Description Accepts a Canvas calendar upload or URL plus an optional busy calendar
// @Tags Plans
// @Accept mpfd
// @Produce json
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 413 {object} response.Envelope
// @Router /plans/import [post]
func (h *PlanHandler) Import(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	req, err := h.parseImportForm(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	run, err := h.plans.Import(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, run)
}

// Generate godoc
// @Summary Run the schedule engine for a plan run
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /plans/runs/{id}/generate [post]
func (h *PlanHandler) Generate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	run, err := h.plans.Generate(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// List godoc
// @Summary List the user's plan runs
// @Tags Plans
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /plans/runs [get]
func (h *PlanHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	params := models.ListParams{}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		params.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil {
		params.PageSize = size
	}

	runs, pagination, err := h.plans.ListRuns(c.Request.Context(), claims.UserID, params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, pagination)
}

// Get godoc
// @Summary Get one plan run
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /plans/runs/{id} [get]
func (h *PlanHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	run, err := h.plans.GetRun(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// Delete godoc
// @Summary Delete a plan run and its files
// @Tags Plans
// @Param id path string true "Run ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /plans/runs/{id} [delete]
func (h *PlanHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.plans.DeleteRun(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Preview godoc
// @Summary Get the editable preview state
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /plans/runs/{id}/preview [get]
func (h *PlanHandler) Preview(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	state, err := h.plans.Preview(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// UpdateBlock godoc
// @Summary Edit one work block
// @Description Applies a partial edit and redistributes effort across the assignment
// @Tags Plans
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param blockId path string true "Block ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /plans/runs/{id}/blocks/{blockId} [patch]
func (h *PlanHandler) UpdateBlock(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.UpdateBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid block update payload"))
		return
	}

	state, err := h.plans.UpdateBlock(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("blockId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// DeleteBlock godoc
// @Summary Delete one work block
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Param blockId path string true "Block ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /plans/runs/{id}/blocks/{blockId} [delete]
func (h *PlanHandler) DeleteBlock(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	state, err := h.plans.DeleteBlock(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("blockId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// CreateBlock godoc
// @Summary Add a work block to an assignment
// @Tags Plans
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /plans/runs/{id}/blocks [post]
func (h *PlanHandler) CreateBlock(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid block create payload"))
		return
	}

	state, err := h.plans.CreateBlock(c.Request.Context(), claims.UserID, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, state, nil)
}

// UpdateAssignment godoc
// @Summary Edit assignment-level settings
// @Tags Plans
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param assignmentId path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Router /plans/runs/{id}/assignments/{assignmentId} [patch]
func (h *PlanHandler) UpdateAssignment(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.UpdateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment update payload"))
		return
	}

	state, err := h.plans.UpdateAssignment(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("assignmentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// Regenerate godoc
// @Summary Rebuild the preview from the stored calendars, discarding edits
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /plans/runs/{id}/regenerate [post]
func (h *PlanHandler) Regenerate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	state, err := h.plans.Regenerate(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// Download godoc
// @Summary Download the edited plan as an iCalendar file
// @Tags Plans
// @Produce text/calendar
// @Param id path string true "Run ID"
// @Success 200 {file} file
// @Failure 409 {object} response.Envelope
// @Router /plans/runs/{id}/download [get]
func (h *PlanHandler) Download(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filename, content, err := h.plans.Finalize(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", content)
}

// CanvasFeed godoc
// @Summary Serve a run's stored canvas calendar
// @Description Token-guarded route consumed by the schedule engine
// @Tags Plans
// @Produce text/calendar
// @Param id path string true "Run ID"
// @Param t query string true "Feed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /plans/runs/{id}/canvas.ics [get]
func (h *PlanHandler) CanvasFeed(c *gin.Context) {
	body, err := h.plans.CanvasFeed(c.Request.Context(), c.Param("id"), c.Query("t"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", body)
}

// Export godoc
// @Summary Export the schedule as CSV or PDF
// @Tags Plans
// @Produce json
// @Param id path string true "Run ID"
// @Param format query string true "csv or pdf"
// @Success 200 {object} response.Envelope
// @Router /plans/runs/{id}/export [post]
func (h *PlanHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	result, err := h.exports.Generate(c.Request.Context(), claims.UserID, c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"url":        result.URL,
		"format":     result.Format,
		"expires_at": result.ExpiresAt,
	}, nil)
}

// DownloadExport godoc
// @Summary Download a previously exported schedule file
// @Tags Plans
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /plans/export/{token} [get]
func (h *PlanHandler) DownloadExport(c *gin.Context) {
	_, relPath, _, err := h.exports.ParseToken(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired download token"))
		return
	}

	file, err := h.exports.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "export file not found"))
		return
	}
	defer file.Close()

	c.FileAttachment(file.Name(), path.Base(relPath))
}

func (h *PlanHandler) parseImportForm(c *gin.Context) (dto.ImportPlanRequest, error) {
	var req dto.ImportPlanRequest

	req.Name = c.PostForm("name")
	req.CanvasURL = c.PostForm("canvas_url")

	if raw := c.PostForm("horizon"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "horizon must be an integer")
		}
		req.Horizon = &value
	}
	if raw := c.PostForm("soft_cap"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "soft_cap must be an integer")
		}
		req.SoftCap = &value
	}
	if raw := c.PostForm("hard_cap"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "hard_cap must be an integer")
		}
		req.HardCap = &value
	}
	if raw := c.PostForm("skip_weekends"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "skip_weekends must be a boolean")
		}
		req.SkipWeek = &value
	}
	if raw := c.PostForm("busy_weight"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, appErrors.Clone(appErrors.ErrValidation, "busy_weight must be a number")
		}
		req.BusyWeight = &value
	}

	canvas, err := h.readUpload(c, "canvas")
	if err != nil {
		return req, err
	}
	req.CanvasICS = canvas

	busy, err := h.readUpload(c, "busy")
	if err != nil {
		return req, err
	}
	req.BusyICS = busy

	return req, nil
}

// readUpload returns nil bytes when the field is absent.
func (h *PlanHandler) readUpload(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid multipart payload")
	}
	if header.Size > h.maxUploadBytes {
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, "")
	}
	return readMultipartFile(header)
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open uploaded file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read uploaded file")
	}
	return data, nil
}
