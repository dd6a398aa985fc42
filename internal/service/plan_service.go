package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/dto"
	"github.com/modulus-app/studyplan-api/internal/ics"
	"github.com/modulus-app/studyplan-api/internal/models"
	"github.com/modulus-app/studyplan-api/internal/plan"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
)

type planRunRepository interface {
	Create(ctx context.Context, run *models.PlanRun) error
	FindByID(ctx context.Context, id string) (*models.PlanRun, error)
	FindByToken(ctx context.Context, token string) (*models.PlanRun, error)
	FindLatestForUser(ctx context.Context, userID string) (*models.PlanRun, error)
	ListByUser(ctx context.Context, userID string, params models.ListParams) ([]models.PlanRun, int, error)
	Save(ctx context.Context, run *models.PlanRun) error
	Delete(ctx context.Context, id string) error
	FindExpiredForUser(ctx context.Context, userID string, keep int) ([]models.PlanRun, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

type planStorage interface {
	Save(filename string, data []byte) (string, error)
	Read(filename string) ([]byte, error)
	Exists(filename string) bool
	DeleteDir(dir string) error
}

type planEngine interface {
	Generate(ctx context.Context, run *models.PlanRun) (models.RunPaths, error)
}

type calendarFetcher interface {
	Calendar(ctx context.Context, url string) ([]byte, error)
}

// PlanServiceConfig carries plan run tunables.
type PlanServiceConfig struct {
	MaxUploadBytes int64
	KeepRuns       int
}

// PlanService owns the plan run lifecycle: import, engine generation, the
// interactive preview edit session, and finalization back to calendar text.
type PlanService struct {
	repo      planRunRepository
	store     planStorage
	engine    planEngine
	fetcher   calendarFetcher
	locker    EditLocker
	builder   *plan.Builder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PlanServiceConfig
}

// NewPlanService constructs a PlanService.
func NewPlanService(repo planRunRepository, store planStorage, engine planEngine, fetcher calendarFetcher, locker EditLocker, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg PlanServiceConfig) *PlanService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NoopEditLock{}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 * 1024 * 1024
	}
	if cfg.KeepRuns <= 0 {
		cfg.KeepRuns = 3
	}
	return &PlanService{
		repo:      repo,
		store:     store,
		engine:    engine,
		fetcher:   fetcher,
		locker:    locker,
		builder:   plan.NewBuilder(),
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Import stores the calendars for a new run and creates its record. The
// canvas feed comes either as uploaded bytes or from a URL; the busy
// calendar is always an optional upload.
func (s *PlanService) Import(ctx context.Context, userID string, req dto.ImportPlanRequest) (*models.PlanRun, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import payload")
	}
	if len(req.CanvasICS) == 0 && req.CanvasURL == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "either canvas file or canvas url is required")
	}
	if int64(len(req.CanvasICS)) > s.cfg.MaxUploadBytes || int64(len(req.BusyICS)) > s.cfg.MaxUploadBytes {
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, "")
	}

	canvasICS := req.CanvasICS
	if len(canvasICS) == 0 {
		body, err := s.fetcher.Calendar(ctx, req.CanvasURL)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "could not fetch the canvas calendar from the provided url")
		}
		canvasICS = body
	}

	runID := uuid.NewString()
	baseDir := fmt.Sprintf("plans/%s/%s", userID, runID)
	inputDir := baseDir + "/inputs"

	paths := models.RunPaths{
		Canvas: inputDir + "/canvas.ics",
		OutDir: baseDir + "/out",
	}
	if _, err := s.store.Save(paths.Canvas, canvasICS); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store canvas calendar")
	}
	if len(req.BusyICS) > 0 {
		paths.Busy = inputDir + "/busy.ics"
		if _, err := s.store.Save(paths.Busy, req.BusyICS); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store busy calendar")
		}
	}

	name := req.Name
	if name == "" {
		name = "Plan " + time.Now().UTC().Format("2006-01-02")
	}

	run := &models.PlanRun{
		ID:     runID,
		UserID: userID,
		Name:   name,
		Token:  newFeedToken(),
	}
	if err := run.SetPaths(paths); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode run paths")
	}
	if err := run.SetSettings(req.Settings(models.DefaultPlanSettings())); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode run settings")
	}

	if err := s.repo.Create(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create plan run")
	}

	s.logger.Info("plan run imported",
		zap.String("run_id", run.ID),
		zap.String("user_id", userID),
		zap.Bool("from_url", len(req.CanvasICS) == 0),
	)
	return run, nil
}

// Generate runs the engine for a run and builds the editable preview from
// the two calendars. A previous preview, edits included, is replaced.
func (s *PlanService) Generate(ctx context.Context, userID, runID string) (*models.PlanRun, error) {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	paths, err := s.engine.Generate(ctx, run)
	s.metrics.ObserveEngineRun(time.Since(start), err)
	if err != nil {
		s.logger.Error("engine run failed", zap.String("run_id", run.ID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrEngineFailed.Code, appErrors.ErrEngineFailed.Status, "schedule engine run failed")
	}
	if err := run.SetPaths(paths); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode run paths")
	}

	if err := s.rebuildPreview(run); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save plan run")
	}

	s.logger.Info("plan generated", zap.String("run_id", run.ID), zap.String("user_id", userID))
	return run, nil
}

// Preview returns the run's editable state.
func (s *PlanService) Preview(ctx context.Context, userID, runID string) (models.PreviewState, error) {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return models.PreviewState{}, err
	}
	return s.decodePreview(run)
}

// UpdateBlock applies a partial block edit under the run's edit lock.
func (s *PlanService) UpdateBlock(ctx context.Context, userID, runID, blockID string, req dto.UpdateBlockRequest) (models.PreviewState, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid block update payload")
	}
	return s.mutatePreview(ctx, userID, runID, func(state models.PreviewState) (models.PreviewState, error) {
		return plan.AfterBlockUpdate(state, blockID, models.WorkBlockUpdate{
			Date:            req.Date,
			StartTime:       req.StartTime,
			DurationMinutes: req.DurationMinutes,
		}), nil
	})
}

// DeleteBlock removes a block and redistributes its effort under the lock.
func (s *PlanService) DeleteBlock(ctx context.Context, userID, runID, blockID string) (models.PreviewState, error) {
	return s.mutatePreview(ctx, userID, runID, func(state models.PreviewState) (models.PreviewState, error) {
		return plan.AfterBlockDelete(state, blockID), nil
	})
}

// CreateBlock adds a user block under an assignment.
func (s *PlanService) CreateBlock(ctx context.Context, userID, runID string, req dto.CreateBlockRequest) (models.PreviewState, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid block create payload")
	}
	return s.mutatePreview(ctx, userID, runID, func(state models.PreviewState) (models.PreviewState, error) {
		next, err := plan.CreateBlock(state, req.AssignmentID, models.NewWorkBlockInput{
			Date:            req.Date,
			StartTime:       req.StartTime,
			DurationMinutes: req.DurationMinutes,
		})
		if err != nil {
			if errors.Is(err, plan.ErrAssignmentNotFound) {
				return state, appErrors.Clone(appErrors.ErrNotFound, "assignment not found")
			}
			return state, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create block")
		}
		return next, nil
	})
}

// UpdateAssignment applies assignment-level toggles.
func (s *PlanService) UpdateAssignment(ctx context.Context, userID, runID, assignmentID string, req dto.UpdateAssignmentRequest) (models.PreviewState, error) {
	return s.mutatePreview(ctx, userID, runID, func(state models.PreviewState) (models.PreviewState, error) {
		return plan.UpdateAssignmentSettings(state, assignmentID, models.AssignmentSettingsUpdate{
			AllowWorkOnDueDate: req.AllowWorkOnDueDate,
		}), nil
	})
}

// Regenerate rebuilds the preview from the stored calendars, discarding all
// edits, without re-running the engine.
func (s *PlanService) Regenerate(ctx context.Context, userID, runID string) (models.PreviewState, error) {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return models.PreviewState{}, err
	}

	release, err := s.locker.Acquire(ctx, run.ID)
	if err != nil {
		return models.PreviewState{}, err
	}
	defer release()

	if err := s.rebuildPreview(run); err != nil {
		return models.PreviewState{}, err
	}
	if err := s.repo.Save(ctx, run); err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save plan run")
	}
	return s.decodePreview(run)
}

// Finalize serializes the edited preview back to calendar text, stores it as
// the run's calendar, and returns the bytes for download.
func (s *PlanService) Finalize(ctx context.Context, userID, runID string) (string, []byte, error) {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return "", nil, err
	}
	state, err := s.decodePreview(run)
	if err != nil {
		return "", nil, err
	}

	content := []byte(ics.Generate(state))

	paths, err := run.DecodePaths()
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run paths")
	}
	target := paths.OutDir + "/StudyPlan.ics"
	if _, err := s.store.Save(target, content); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store finalized calendar")
	}
	if paths.StudyPlanICS != target {
		paths.StudyPlanICS = target
		if err := run.SetPaths(paths); err != nil {
			return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode run paths")
		}
		if err := s.repo.Save(ctx, run); err != nil {
			return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save plan run")
		}
	}

	s.logger.Info("plan finalized", zap.String("run_id", run.ID), zap.String("user_id", userID))
	return "StudyPlan.ics", content, nil
}

// CanvasFeed serves a run's stored canvas calendar for the engine. Access is
// guarded by the run's feed token rather than a user session.
func (s *PlanService) CanvasFeed(ctx context.Context, runID, token string) ([]byte, error) {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan run")
	}
	if subtle.ConstantTimeCompare([]byte(run.Token), []byte(token)) != 1 {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "")
	}

	paths, err := run.DecodePaths()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run paths")
	}
	if paths.Canvas == "" || !s.store.Exists(paths.Canvas) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "canvas calendar not found")
	}
	return s.store.Read(paths.Canvas)
}

// GetRun returns one run owned by the user.
func (s *PlanService) GetRun(ctx context.Context, userID, runID string) (*models.PlanRun, error) {
	return s.loadOwnedRun(ctx, userID, runID)
}

// ListRuns returns a user's runs newest first.
func (s *PlanService) ListRuns(ctx context.Context, userID string, params models.ListParams) ([]dto.PlanRunSummary, *models.Pagination, error) {
	runs, total, err := s.repo.ListByUser(ctx, userID, params)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list plan runs")
	}

	summaries := make([]dto.PlanRunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, dto.PlanRunSummary{
			ID:         run.ID,
			Name:       run.Name,
			HasPreview: run.HasPreview(),
			CreatedAt:  run.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return summaries, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// DeleteRun removes a run's record and files.
func (s *PlanService) DeleteRun(ctx context.Context, userID, runID string) error {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, run.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete plan run")
	}
	if err := s.store.DeleteDir(fmt.Sprintf("plans/%s/%s", run.UserID, run.ID)); err != nil {
		s.logger.Warn("failed to delete run files", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

// CleanupExpired removes every user's runs beyond the newest KeepRuns, rows
// and files both. It is invoked by the background cleanup job.
func (s *PlanService) CleanupExpired(ctx context.Context) (int, error) {
	userIDs, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users with runs: %w", err)
	}

	removed := 0
	for _, userID := range userIDs {
		expired, err := s.repo.FindExpiredForUser(ctx, userID, s.cfg.KeepRuns)
		if err != nil {
			s.logger.Warn("failed to find expired runs", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		for _, run := range expired {
			if err := s.repo.Delete(ctx, run.ID); err != nil {
				s.logger.Warn("failed to delete expired run", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			if err := s.store.DeleteDir(fmt.Sprintf("plans/%s/%s", run.UserID, run.ID)); err != nil {
				s.logger.Warn("failed to delete expired run files", zap.String("run_id", run.ID), zap.Error(err))
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired plan runs removed", zap.Int("count", removed))
	}
	return removed, nil
}

// mutatePreview runs one locked read-modify-write cycle over a run's preview.
func (s *PlanService) mutatePreview(ctx context.Context, userID, runID string, mutate func(models.PreviewState) (models.PreviewState, error)) (models.PreviewState, error) {
	run, err := s.loadOwnedRun(ctx, userID, runID)
	if err != nil {
		return models.PreviewState{}, err
	}

	release, err := s.locker.Acquire(ctx, run.ID)
	if err != nil {
		return models.PreviewState{}, err
	}
	defer release()

	// Reload under the lock so we never apply an edit over a stale state.
	run, err = s.loadOwnedRun(ctx, userID, run.ID)
	if err != nil {
		return models.PreviewState{}, err
	}
	state, err := s.decodePreview(run)
	if err != nil {
		return models.PreviewState{}, err
	}

	next, err := mutate(state)
	if err != nil {
		return models.PreviewState{}, err
	}

	if err := run.SetPreview(next); err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode preview state")
	}
	if err := s.repo.Save(ctx, run); err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save plan run")
	}
	return next, nil
}

// rebuildPreview parses the stored calendars and replaces the run's preview.
func (s *PlanService) rebuildPreview(run *models.PlanRun) error {
	paths, err := run.DecodePaths()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run paths")
	}
	settings, err := run.DecodeSettings()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run settings")
	}

	canvasICS, err := s.store.Read(paths.Canvas)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read canvas calendar")
	}
	engineICS := []byte{}
	if paths.StudyPlanICS != "" && s.store.Exists(paths.StudyPlanICS) {
		engineICS, err = s.store.Read(paths.StudyPlanICS)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read engine calendar")
		}
	}

	state := s.builder.Build(string(canvasICS), string(engineICS), settings)
	if err := run.SetPreview(state); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode preview state")
	}
	return nil
}

func (s *PlanService) decodePreview(run *models.PlanRun) (models.PreviewState, error) {
	if !run.HasPreview() {
		return models.PreviewState{}, appErrors.Clone(appErrors.ErrNoPreview, "")
	}
	state, err := run.DecodePreview()
	if err != nil {
		return models.PreviewState{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode preview state")
	}
	return state, nil
}

// loadOwnedRun resolves a run for a user. An empty runID means the user's
// most recent run.
func (s *PlanService) loadOwnedRun(ctx context.Context, userID, runID string) (*models.PlanRun, error) {
	var run *models.PlanRun
	var err error
	if runID == "" {
		run, err = s.repo.FindLatestForUser(ctx, userID)
	} else {
		run, err = s.repo.FindByID(ctx, runID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan run")
	}
	if run.UserID != userID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "plan run not found")
	}
	return run, nil
}

func newFeedToken() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
