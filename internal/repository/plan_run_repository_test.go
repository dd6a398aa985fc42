package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modulus-app/studyplan-api/internal/models"
)

func newPlanRunMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func planRunRows(now time.Time, ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "user_id", "name", "token", "paths", "settings", "preview_state", "created_at", "updated_at"})
	for _, id := range ids {
		rows.AddRow(id, "user-1", "Spring import", "tok-"+id, `{"canvas":"runs/`+id+`/canvas.ics","out_dir":"runs/`+id+`/out"}`, `{}`, nil, now, now)
	}
	return rows
}

func TestPlanRunRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	mock.ExpectExec("INSERT INTO plan_runs").
		WithArgs(sqlmock.AnyArg(), "user-1", "Spring import", "tok-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := &models.PlanRun{
		UserID:   "user-1",
		Name:     "Spring import",
		Token:    "tok-1",
		Paths:    types.JSONText(`{}`),
		Settings: types.JSONText(`{}`),
	}
	err := repo.Create(context.Background(), run)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, name, token, paths, settings, preview_state, created_at, updated_at FROM plan_runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(planRunRows(now, "run-1"))

	run, err := repo.FindByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "tok-run-1", run.Token)

	paths, err := run.DecodePaths()
	require.NoError(t, err)
	assert.Equal(t, "runs/run-1/canvas.ics", paths.Canvas)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	mock.ExpectQuery("SELECT .+ FROM plan_runs WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryFindByToken(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, name, token, paths, settings, preview_state, created_at, updated_at FROM plan_runs WHERE token = $1")).
		WithArgs("tok-run-2").
		WillReturnRows(planRunRows(now, "run-2"))

	run, err := repo.FindByToken(context.Background(), "tok-run-2")
	require.NoError(t, err)
	assert.Equal(t, "run-2", run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryListByUser(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM plan_runs WHERE user_id = .+ ORDER BY created_at DESC LIMIT 20 OFFSET 0").
		WithArgs("user-1").
		WillReturnRows(planRunRows(now, "run-3", "run-2", "run-1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM plan_runs WHERE user_id = $1")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	runs, total, err := repo.ListByUser(context.Background(), "user-1", models.ListParams{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	assert.Equal(t, 3, total)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositorySave(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	mock.ExpectExec("UPDATE plan_runs SET name").
		WithArgs("Spring import", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &models.PlanRun{
		ID:           "run-1",
		Name:         "Spring import",
		Paths:        types.JSONText(`{}`),
		Settings:     types.JSONText(`{}`),
		PreviewState: types.JSONText(`{"assignments":[]}`),
	}
	err := repo.Save(context.Background(), run)
	require.NoError(t, err)
	assert.False(t, run.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryFindExpiredForUser(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC OFFSET $2")).
		WithArgs("user-1", 3).
		WillReturnRows(planRunRows(now, "run-old-1", "run-old-2"))

	runs, err := repo.FindExpiredForUser(context.Background(), "user-1", 3)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRunRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newPlanRunMock(t)
	defer cleanup()
	repo := NewPlanRunRepository(db)

	mock.ExpectExec("DELETE FROM plan_runs WHERE id").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Delete(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
