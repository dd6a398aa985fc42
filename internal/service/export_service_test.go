package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/models"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
	"github.com/modulus-app/studyplan-api/pkg/export"
	"github.com/modulus-app/studyplan-api/pkg/storage"
)

type exportRunStub struct {
	run *models.PlanRun
	err error
}

func (s exportRunStub) GetRun(ctx context.Context, userID, runID string) (*models.PlanRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.run, nil
}

func exportRunFixture(t *testing.T) *models.PlanRun {
	t.Helper()
	due := "2026-02-10"
	state := models.PreviewState{
		Assignments: []models.Assignment{
			{ID: "assignment-1", Title: "Essay Draft", Course: "ENGL-201", DueDate: &due, AllowWorkOnDueDate: true, TotalEffortMinutes: 120},
		},
		WorkBlocks: []models.WorkBlock{
			{ID: "block-001", AssignmentID: "assignment-1", Date: "2026-02-03", StartTime: "09:00", DurationMinutes: 60, OriginalDurationMinutes: 60, Label: "[research]"},
			{ID: "block-002", AssignmentID: "assignment-1", Date: "2026-02-05", StartTime: "09:00", DurationMinutes: 60, OriginalDurationMinutes: 60, Label: "[draft]"},
		},
	}
	run := &models.PlanRun{ID: "run-1", UserID: "user-1", Name: "Spring finals"}
	require.NoError(t, run.SetPaths(models.RunPaths{
		Canvas: "plans/user-1/run-1/inputs/canvas.ics",
		OutDir: "plans/user-1/run-1/out",
	}))
	require.NoError(t, run.SetPreview(state))
	return run
}

func newExportServiceForTest(t *testing.T, run *models.PlanRun) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(exportRunStub{run: run}, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	return svc, store
}

func TestExportServiceGenerateCSV(t *testing.T) {
	run := exportRunFixture(t)
	svc, store := newExportServiceForTest(t, run)

	result, err := svc.Generate(context.Background(), "user-1", "run-1", ExportFormatCSV)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.RelativePath, "plans/user-1/run-1/out/schedule_"))
	assert.Contains(t, result.URL, "/plans/export/")

	content, err := os.ReadFile(store.Path(result.RelativePath))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "Essay Draft")
	assert.Contains(t, text, "ENGL-201")
	assert.Contains(t, text, "2026-02-03")
	assert.Contains(t, text, "research")
}

func TestExportServiceGeneratePDF(t *testing.T) {
	run := exportRunFixture(t)
	svc, store := newExportServiceForTest(t, run)

	result, err := svc.Generate(context.Background(), "user-1", "run-1", ExportFormatPDF)
	require.NoError(t, err)
	assert.Equal(t, ExportFormatPDF, result.Format)

	info, err := os.Stat(store.Path(result.RelativePath))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExportServiceGenerateUnsupportedFormat(t *testing.T) {
	run := exportRunFixture(t)
	svc, _ := newExportServiceForTest(t, run)

	_, err := svc.Generate(context.Background(), "user-1", "run-1", ExportFormat("xlsx"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportServiceGenerateRequiresPreview(t *testing.T) {
	run := &models.PlanRun{ID: "run-1", UserID: "user-1", Name: "Empty"}
	require.NoError(t, run.SetPaths(models.RunPaths{OutDir: "plans/user-1/run-1/out"}))
	svc, _ := newExportServiceForTest(t, run)

	_, err := svc.Generate(context.Background(), "user-1", "run-1", ExportFormatCSV)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoPreview.Code, appErrors.FromError(err).Code)
}

func TestExportServiceTokenRoundTrip(t *testing.T) {
	run := exportRunFixture(t)
	svc, _ := newExportServiceForTest(t, run)

	result, err := svc.Generate(context.Background(), "user-1", "run-1", ExportFormatCSV)
	require.NoError(t, err)

	runID, relPath, _, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, result.RelativePath, relPath)
}
