package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/modulus-app/studyplan-api/internal/models"
)

const planRunColumns = `id, user_id, name, token, paths, settings, preview_state, created_at, updated_at`

// PlanRunRepository provides database access for plan runs.
type PlanRunRepository struct {
	db *sqlx.DB
}

// NewPlanRunRepository creates a new instance of PlanRunRepository.
func NewPlanRunRepository(db *sqlx.DB) *PlanRunRepository {
	return &PlanRunRepository{db: db}
}

// Create inserts a new plan run.
func (r *PlanRunRepository) Create(ctx context.Context, run *models.PlanRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	const query = `INSERT INTO plan_runs (id, user_id, name, token, paths, settings, preview_state, created_at, updated_at) VALUES (:id, :user_id, :name, :token, :paths, :settings, :preview_state, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create plan run: %w", err)
	}
	return nil
}

// FindByID returns a plan run by identifier.
func (r *PlanRunRepository) FindByID(ctx context.Context, id string) (*models.PlanRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM plan_runs WHERE id = $1 LIMIT 1`, planRunColumns)
	var run models.PlanRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find plan run by id: %w", err)
	}
	return &run, nil
}

// FindByToken returns a plan run by its feed token.
func (r *PlanRunRepository) FindByToken(ctx context.Context, token string) (*models.PlanRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM plan_runs WHERE token = $1 LIMIT 1`, planRunColumns)
	var run models.PlanRun
	if err := r.db.GetContext(ctx, &run, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find plan run by token: %w", err)
	}
	return &run, nil
}

// FindLatestForUser returns the most recently created run for a user.
func (r *PlanRunRepository) FindLatestForUser(ctx context.Context, userID string) (*models.PlanRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM plan_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, planRunColumns)
	var run models.PlanRun
	if err := r.db.GetContext(ctx, &run, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find latest plan run: %w", err)
	}
	return &run, nil
}

// ListByUser returns a user's runs, newest first, with a total count.
func (r *PlanRunRepository) ListByUser(ctx context.Context, userID string, params models.ListParams) ([]models.PlanRun, int, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	sortOrder := strings.ToUpper(params.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	listQuery := fmt.Sprintf(`SELECT %s FROM plan_runs WHERE user_id = $1 ORDER BY created_at %s LIMIT %d OFFSET %d`, planRunColumns, sortOrder, pageSize, offset)
	var runs []models.PlanRun
	if err := r.db.SelectContext(ctx, &runs, listQuery, userID); err != nil {
		return nil, 0, fmt.Errorf("list plan runs: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM plan_runs WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("count plan runs: %w", err)
	}

	return runs, total, nil
}

// Save persists mutable run fields (name, paths, settings, preview state).
func (r *PlanRunRepository) Save(ctx context.Context, run *models.PlanRun) error {
	run.UpdatedAt = time.Now().UTC()
	const query = `UPDATE plan_runs SET name = :name, paths = :paths, settings = :settings, preview_state = :preview_state, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("save plan run: %w", err)
	}
	return nil
}

// Delete removes a run row.
func (r *PlanRunRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM plan_runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete plan run: %w", err)
	}
	return nil
}

// FindExpiredForUser returns runs beyond the newest keep, oldest first, so the
// cleanup job can remove their rows and files.
func (r *PlanRunRepository) FindExpiredForUser(ctx context.Context, userID string, keep int) ([]models.PlanRun, error) {
	if keep < 0 {
		keep = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM plan_runs WHERE user_id = $1 ORDER BY created_at DESC OFFSET $2`, planRunColumns)
	var runs []models.PlanRun
	if err := r.db.SelectContext(ctx, &runs, query, userID, keep); err != nil {
		return nil, fmt.Errorf("find expired plan runs: %w", err)
	}
	return runs, nil
}

// ListUserIDs returns the distinct users with at least one run.
func (r *PlanRunRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT DISTINCT user_id FROM plan_runs`); err != nil {
		return nil, fmt.Errorf("list plan run users: %w", err)
	}
	return ids, nil
}
