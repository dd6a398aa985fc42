package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/dto"
	"github.com/modulus-app/studyplan-api/internal/models"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
)

type preferenceRepository interface {
	FindByUserID(ctx context.Context, userID string) (*models.UserPreference, error)
	Upsert(ctx context.Context, pref *models.UserPreference) error
}

// PreferenceService manages a user's default import settings.
type PreferenceService struct {
	repo      preferenceRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPreferenceService constructs a PreferenceService.
func NewPreferenceService(repo preferenceRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *PreferenceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// Get returns a user's preference, falling back to the plan defaults for
// users who never saved one. The bool reports whether the cache served it.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*models.UserPreference, bool, error) {
	key := preferenceCacheKey(userID)
	var cached models.UserPreference
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, true, nil
	}

	pref, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultPreference(userID), false, nil
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load preferences")
	}

	_ = s.cache.Set(ctx, key, pref, 0)
	return pref, false, nil
}

// Update folds the request over the user's current preference and saves it.
func (s *PreferenceService) Update(ctx context.Context, userID string, req dto.PreferenceRequest) (*models.UserPreference, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid preference payload")
	}

	pref, _, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if req.CanvasURL != nil {
		if *req.CanvasURL == "" {
			pref.CanvasURL = nil
		} else {
			pref.CanvasURL = req.CanvasURL
		}
	}
	if req.Horizon != nil {
		pref.Horizon = *req.Horizon
	}
	if req.SoftCap != nil {
		pref.SoftCap = *req.SoftCap
	}
	if req.HardCap != nil {
		pref.HardCap = *req.HardCap
	}
	if req.SkipWeek != nil {
		pref.SkipWeekends = *req.SkipWeek
	}
	if req.BusyWeight != nil {
		pref.BusyWeight = *req.BusyWeight
	}

	if err := s.repo.Upsert(ctx, pref); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save preferences")
	}
	_ = s.cache.Invalidate(ctx, preferenceCacheKey(userID))

	s.logger.Info("preferences updated", zap.String("user_id", userID))
	return pref, nil
}

// Settings converts a preference row into plan settings for an import.
func (s *PreferenceService) Settings(ctx context.Context, userID string) (models.PlanSettings, error) {
	pref, _, err := s.Get(ctx, userID)
	if err != nil {
		return models.PlanSettings{}, err
	}
	settings := models.DefaultPlanSettings()
	settings.Horizon = pref.Horizon
	settings.SoftCap = pref.SoftCap
	settings.HardCap = pref.HardCap
	settings.SkipWeekends = pref.SkipWeekends
	settings.BusyWeight = pref.BusyWeight
	return settings, nil
}

func preferenceCacheKey(userID string) string {
	return "pref:" + userID
}

func defaultPreference(userID string) *models.UserPreference {
	defaults := models.DefaultPlanSettings()
	return &models.UserPreference{
		UserID:       userID,
		Horizon:      defaults.Horizon,
		SoftCap:      defaults.SoftCap,
		HardCap:      defaults.HardCap,
		SkipWeekends: defaults.SkipWeekends,
		BusyWeight:   defaults.BusyWeight,
	}
}
