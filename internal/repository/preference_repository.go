package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/modulus-app/studyplan-api/internal/models"
)

// PreferenceRepository provides database access for user import preferences.
type PreferenceRepository struct {
	db *sqlx.DB
}

// NewPreferenceRepository creates a new instance of PreferenceRepository.
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// FindByUserID returns the preference row for a user.
func (r *PreferenceRepository) FindByUserID(ctx context.Context, userID string) (*models.UserPreference, error) {
	const query = `SELECT id, user_id, canvas_url, horizon, soft_cap, hard_cap, skip_weekends, busy_weight, created_at, updated_at FROM user_preferences WHERE user_id = $1 LIMIT 1`
	var pref models.UserPreference
	if err := r.db.GetContext(ctx, &pref, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find preference by user: %w", err)
	}
	return &pref, nil
}

// Upsert inserts or updates a user's preference row.
func (r *PreferenceRepository) Upsert(ctx context.Context, pref *models.UserPreference) error {
	if pref.ID == "" {
		pref.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = now
	}
	pref.UpdatedAt = now

	const query = `INSERT INTO user_preferences (id, user_id, canvas_url, horizon, soft_cap, hard_cap, skip_weekends, busy_weight, created_at, updated_at)
VALUES (:id, :user_id, :canvas_url, :horizon, :soft_cap, :hard_cap, :skip_weekends, :busy_weight, :created_at, :updated_at)
ON CONFLICT (user_id) DO UPDATE SET canvas_url = EXCLUDED.canvas_url, horizon = EXCLUDED.horizon, soft_cap = EXCLUDED.soft_cap, hard_cap = EXCLUDED.hard_cap, skip_weekends = EXCLUDED.skip_weekends, busy_weight = EXCLUDED.busy_weight, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, pref); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}
