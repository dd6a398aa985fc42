package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modulus-app/studyplan-api/internal/dto"
	"github.com/modulus-app/studyplan-api/internal/models"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
)

type planRunRepoStub struct {
	runs map[string]*models.PlanRun
	// creation order, oldest first
	order []string
	err   error
}

func newPlanRunRepoStub() *planRunRepoStub {
	return &planRunRepoStub{runs: make(map[string]*models.PlanRun)}
}

func (s *planRunRepoStub) Create(ctx context.Context, run *models.PlanRun) error {
	if s.err != nil {
		return s.err
	}
	copied := *run
	s.runs[run.ID] = &copied
	s.order = append(s.order, run.ID)
	return nil
}

func (s *planRunRepoStub) FindByID(ctx context.Context, id string) (*models.PlanRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *run
	return &copied, nil
}

func (s *planRunRepoStub) FindByToken(ctx context.Context, token string) (*models.PlanRun, error) {
	for _, run := range s.runs {
		if run.Token == token {
			copied := *run
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *planRunRepoStub) FindLatestForUser(ctx context.Context, userID string) (*models.PlanRun, error) {
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if run != nil && run.UserID == userID {
			copied := *run
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *planRunRepoStub) ListByUser(ctx context.Context, userID string, params models.ListParams) ([]models.PlanRun, int, error) {
	var result []models.PlanRun
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if run != nil && run.UserID == userID {
			result = append(result, *run)
		}
	}
	return result, len(result), nil
}

func (s *planRunRepoStub) Save(ctx context.Context, run *models.PlanRun) error {
	if s.err != nil {
		return s.err
	}
	if _, ok := s.runs[run.ID]; !ok {
		return sql.ErrNoRows
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *planRunRepoStub) Delete(ctx context.Context, id string) error {
	if _, ok := s.runs[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.runs, id)
	return nil
}

func (s *planRunRepoStub) FindExpiredForUser(ctx context.Context, userID string, keep int) ([]models.PlanRun, error) {
	var owned []models.PlanRun
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if run != nil && run.UserID == userID {
			owned = append(owned, *run)
		}
	}
	if len(owned) <= keep {
		return nil, nil
	}
	return owned[keep:], nil
}

func (s *planRunRepoStub) ListUserIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, run := range s.runs {
		seen[run.UserID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memStorageStub struct {
	files map[string][]byte
}

func newMemStorageStub() *memStorageStub {
	return &memStorageStub{files: make(map[string][]byte)}
}

func (s *memStorageStub) Save(filename string, data []byte) (string, error) {
	s.files[filename] = append([]byte(nil), data...)
	return filename, nil
}

func (s *memStorageStub) Read(filename string) ([]byte, error) {
	data, ok := s.files[filename]
	if !ok {
		return nil, errors.New("file not found: " + filename)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStorageStub) Exists(filename string) bool {
	_, ok := s.files[filename]
	return ok
}

func (s *memStorageStub) DeleteDir(dir string) error {
	prefix := dir + "/"
	for name := range s.files {
		if strings.HasPrefix(name, prefix) {
			delete(s.files, name)
		}
	}
	return nil
}

type engineStub struct {
	paths models.RunPaths
	err   error
	calls int
}

func (e *engineStub) Generate(ctx context.Context, run *models.PlanRun) (models.RunPaths, error) {
	e.calls++
	if e.err != nil {
		return models.RunPaths{}, e.err
	}
	return e.paths, nil
}

type fetcherStub struct {
	body []byte
	err  error
	url  string
}

func (f *fetcherStub) Calendar(ctx context.Context, url string) ([]byte, error) {
	f.url = url
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func canvasFixture() []byte {
	return []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:a1@canvas",
		"DTSTART;VALUE=DATE:20260210",
		"SUMMARY:Essay Draft [ENGL-201]",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n"))
}

func engineFixture() []byte {
	return []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:b1@engine",
		"DTSTART:20260203",
		"SUMMARY:[research] Essay Draft [ENGL-201]",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b2@engine",
		"DTSTART:20260205",
		"SUMMARY:[draft] Essay Draft [ENGL-201]",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n"))
}

type planServiceFixture struct {
	service *PlanService
	repo    *planRunRepoStub
	store   *memStorageStub
	engine  *engineStub
	fetcher *fetcherStub
}

func newPlanServiceFixture(t *testing.T) *planServiceFixture {
	t.Helper()
	repo := newPlanRunRepoStub()
	store := newMemStorageStub()
	engine := &engineStub{}
	fetcher := &fetcherStub{}
	service := NewPlanService(repo, store, engine, fetcher, NoopEditLock{}, nil, validator.New(), nil, PlanServiceConfig{KeepRuns: 3})
	return &planServiceFixture{service: service, repo: repo, store: store, engine: engine, fetcher: fetcher}
}

func (f *planServiceFixture) importRun(t *testing.T, userID string) *models.PlanRun {
	t.Helper()
	run, err := f.service.Import(context.Background(), userID, dto.ImportPlanRequest{CanvasICS: canvasFixture()})
	require.NoError(t, err)
	return run
}

func (f *planServiceFixture) generatedRun(t *testing.T, userID string) *models.PlanRun {
	t.Helper()
	run := f.importRun(t, userID)
	paths, err := run.DecodePaths()
	require.NoError(t, err)
	paths.StudyPlanICS = paths.OutDir + "/StudyPlan.ics"
	f.store.files[paths.StudyPlanICS] = engineFixture()
	f.engine.paths = paths
	generated, err := f.service.Generate(context.Background(), userID, run.ID)
	require.NoError(t, err)
	return generated
}

func TestPlanServiceImportStoresCanvasUpload(t *testing.T) {
	f := newPlanServiceFixture(t)

	softCap := 6
	run, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{
		Name:      "Spring finals",
		CanvasICS: canvasFixture(),
		SoftCap:   &softCap,
	})
	require.NoError(t, err)

	assert.Equal(t, "Spring finals", run.Name)
	assert.Len(t, run.Token, 40)

	paths, err := run.DecodePaths()
	require.NoError(t, err)
	assert.Equal(t, "plans/user-1/"+run.ID+"/inputs/canvas.ics", paths.Canvas)
	assert.Empty(t, paths.Busy)
	assert.Equal(t, canvasFixture(), f.store.files[paths.Canvas])

	settings, err := run.DecodeSettings()
	require.NoError(t, err)
	assert.Equal(t, 6, settings.SoftCap)
	assert.Equal(t, 30, settings.Horizon)
}

func TestPlanServiceImportStoresBusyUpload(t *testing.T) {
	f := newPlanServiceFixture(t)

	run, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{
		CanvasICS: canvasFixture(),
		BusyICS:   []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR"),
	})
	require.NoError(t, err)

	paths, err := run.DecodePaths()
	require.NoError(t, err)
	assert.Equal(t, "plans/user-1/"+run.ID+"/inputs/busy.ics", paths.Busy)
	assert.True(t, f.store.Exists(paths.Busy))
}

func TestPlanServiceImportFetchesFromURL(t *testing.T) {
	f := newPlanServiceFixture(t)
	f.fetcher.body = canvasFixture()

	run, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{
		CanvasURL: "https://canvas.example.edu/feeds/user_1.ics",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://canvas.example.edu/feeds/user_1.ics", f.fetcher.url)
	paths, err := run.DecodePaths()
	require.NoError(t, err)
	assert.Equal(t, canvasFixture(), f.store.files[paths.Canvas])
}

func TestPlanServiceImportRequiresCanvasSource(t *testing.T) {
	f := newPlanServiceFixture(t)

	_, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceImportRejectsOversizedUpload(t *testing.T) {
	f := newPlanServiceFixture(t)
	f.service.cfg.MaxUploadBytes = 16

	_, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{
		CanvasICS: canvasFixture(),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPayloadTooLarge.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceImportFetchFailure(t *testing.T) {
	f := newPlanServiceFixture(t)
	f.fetcher.err = errors.New("connection refused")

	_, err := f.service.Import(context.Background(), "user-1", dto.ImportPlanRequest{
		CanvasURL: "https://canvas.example.edu/feeds/user_1.ics",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceGenerateBuildsPreview(t *testing.T) {
	f := newPlanServiceFixture(t)

	run := f.generatedRun(t, "user-1")

	assert.Equal(t, 1, f.engine.calls)
	require.True(t, run.HasPreview())
	state, err := run.DecodePreview()
	require.NoError(t, err)
	require.Len(t, state.Assignments, 1)
	assert.Equal(t, "Essay Draft", state.Assignments[0].Title)
	require.Len(t, state.WorkBlocks, 2)

	stored, err := f.repo.FindByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasPreview())
}

func TestPlanServiceGenerateEngineFailure(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")
	f.engine.err = errors.New("ERROR: no feasible schedule")

	_, err := f.service.Generate(context.Background(), "user-1", run.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrEngineFailed.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceGenerateDiscardsEarlierEdits(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	_, err := f.service.DeleteBlock(context.Background(), "user-1", run.ID, "block-001")
	require.NoError(t, err)

	_, err = f.service.Generate(context.Background(), "user-1", run.ID)
	require.NoError(t, err)

	state, err := f.service.Preview(context.Background(), "user-1", run.ID)
	require.NoError(t, err)
	assert.Len(t, state.WorkBlocks, 2)
}

func TestPlanServicePreviewWithoutState(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")

	_, err := f.service.Preview(context.Background(), "user-1", run.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoPreview.Code, appErrors.FromError(err).Code)
}

func TestPlanServicePreviewEmptyRunIDUsesLatest(t *testing.T) {
	f := newPlanServiceFixture(t)
	f.generatedRun(t, "user-1")

	state, err := f.service.Preview(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Len(t, state.WorkBlocks, 2)
}

func TestPlanServiceRejectsForeignRun(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	_, err := f.service.Preview(context.Background(), "user-2", run.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceUpdateBlockPersistsRedistribution(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	duration := 30
	state, err := f.service.UpdateBlock(context.Background(), "user-1", run.ID, "block-001", dto.UpdateBlockRequest{
		DurationMinutes: &duration,
	})
	require.NoError(t, err)

	require.Len(t, state.WorkBlocks, 2)
	assert.Equal(t, 30, state.WorkBlocks[0].DurationMinutes)
	assert.True(t, state.WorkBlocks[0].IsAnchored)
	assert.Equal(t, 90, state.WorkBlocks[1].DurationMinutes)

	stored, err := f.service.Preview(context.Background(), "user-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.WorkBlocks, stored.WorkBlocks)
}

func TestPlanServiceUpdateBlockValidatesPayload(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	bad := "25:99"
	_, err := f.service.UpdateBlock(context.Background(), "user-1", run.ID, "block-001", dto.UpdateBlockRequest{
		StartTime: &bad,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceDeleteBlockPersists(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	state, err := f.service.DeleteBlock(context.Background(), "user-1", run.ID, "block-001")
	require.NoError(t, err)

	require.Len(t, state.WorkBlocks, 1)
	assert.Equal(t, "block-002", state.WorkBlocks[0].ID)
	assert.Equal(t, 120, state.WorkBlocks[0].DurationMinutes)
}

func TestPlanServiceCreateBlockUnknownAssignment(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	_, err := f.service.CreateBlock(context.Background(), "user-1", run.ID, dto.CreateBlockRequest{
		AssignmentID: "assignment-404",
		Date:         "2026-02-06",
		StartTime:    "10:00",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceCreateBlockAppendsAnchored(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	state, err := f.service.Preview(context.Background(), "user-1", run.ID)
	require.NoError(t, err)
	assignmentID := state.Assignments[0].ID

	next, err := f.service.CreateBlock(context.Background(), "user-1", run.ID, dto.CreateBlockRequest{
		AssignmentID: assignmentID,
		Date:         "2026-02-06",
		StartTime:    "10:00",
	})
	require.NoError(t, err)

	require.Len(t, next.WorkBlocks, 3)
	created := next.WorkBlocks[2]
	assert.Equal(t, "block-003", created.ID)
	assert.True(t, created.IsAnchored)
}

func TestPlanServiceUpdateAssignmentToggle(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	state, err := f.service.Preview(context.Background(), "user-1", run.ID)
	require.NoError(t, err)
	assignmentID := state.Assignments[0].ID

	allow := false
	next, err := f.service.UpdateAssignment(context.Background(), "user-1", run.ID, assignmentID, dto.UpdateAssignmentRequest{
		AllowWorkOnDueDate: &allow,
	})
	require.NoError(t, err)
	assert.False(t, next.Assignments[0].AllowWorkOnDueDate)
}

func TestPlanServiceEditRespectsLock(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")
	f.service.locker = lockedEditLock{}

	_, err := f.service.DeleteBlock(context.Background(), "user-1", run.ID, "block-001")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrEditLocked.Code, appErrors.FromError(err).Code)
}

type lockedEditLock struct{}

func (lockedEditLock) Acquire(ctx context.Context, runID string) (func(), error) {
	return nil, appErrors.Clone(appErrors.ErrEditLocked, "")
}

func TestPlanServiceRegenerateDiscardsEdits(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	_, err := f.service.DeleteBlock(context.Background(), "user-1", run.ID, "block-001")
	require.NoError(t, err)

	engineCalls := f.engine.calls
	state, err := f.service.Regenerate(context.Background(), "user-1", run.ID)
	require.NoError(t, err)

	assert.Equal(t, engineCalls, f.engine.calls, "regenerate must not re-run the engine")
	assert.Len(t, state.WorkBlocks, 2)
}

func TestPlanServiceFinalizeWritesCalendar(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.generatedRun(t, "user-1")

	filename, content, err := f.service.Finalize(context.Background(), "user-1", run.ID)
	require.NoError(t, err)

	assert.Equal(t, "StudyPlan.ics", filename)
	text := string(content)
	assert.True(t, strings.HasPrefix(text, "BEGIN:VCALENDAR\r\n"))
	assert.Contains(t, text, "SUMMARY:[research] Essay Draft [ENGL-201]")

	paths, err := run.DecodePaths()
	require.NoError(t, err)
	assert.Equal(t, content, f.store.files[paths.OutDir+"/StudyPlan.ics"])
}

func TestPlanServiceFinalizeWithoutPreview(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")

	_, _, err := f.service.Finalize(context.Background(), "user-1", run.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoPreview.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceCanvasFeed(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")

	body, err := f.service.CanvasFeed(context.Background(), run.ID, run.Token)
	require.NoError(t, err)
	assert.Equal(t, canvasFixture(), body)
}

func TestPlanServiceCanvasFeedRejectsBadToken(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")

	_, err := f.service.CanvasFeed(context.Background(), run.ID, "wrong-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceCanvasFeedUnknownRun(t *testing.T) {
	f := newPlanServiceFixture(t)

	_, err := f.service.CanvasFeed(context.Background(), "run-404", "token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestPlanServiceDeleteRunRemovesFiles(t *testing.T) {
	f := newPlanServiceFixture(t)
	run := f.importRun(t, "user-1")
	paths, err := run.DecodePaths()
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteRun(context.Background(), "user-1", run.ID))

	_, err = f.repo.FindByID(context.Background(), run.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.False(t, f.store.Exists(paths.Canvas))
}

func TestPlanServiceCleanupKeepsNewestRuns(t *testing.T) {
	f := newPlanServiceFixture(t)
	var runs []*models.PlanRun
	for i := 0; i < 5; i++ {
		runs = append(runs, f.importRun(t, "user-1"))
	}

	removed, err := f.service.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The two oldest runs are gone, rows and files both.
	for _, run := range runs[:2] {
		_, err := f.repo.FindByID(context.Background(), run.ID)
		assert.ErrorIs(t, err, sql.ErrNoRows)
		paths, decodeErr := run.DecodePaths()
		require.NoError(t, decodeErr)
		assert.False(t, f.store.Exists(paths.Canvas))
	}
	for _, run := range runs[2:] {
		_, err := f.repo.FindByID(context.Background(), run.ID)
		assert.NoError(t, err)
	}
}

func TestPlanServiceListRuns(t *testing.T) {
	f := newPlanServiceFixture(t)
	first := f.importRun(t, "user-1")
	second := f.importRun(t, "user-1")
	f.importRun(t, "user-2")

	summaries, pagination, err := f.service.ListRuns(context.Background(), "user-1", models.ListParams{})
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, second.ID, summaries[0].ID)
	assert.Equal(t, first.ID, summaries[1].ID)
	assert.Equal(t, 2, pagination.TotalCount)
}
