package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/models"
	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
	"github.com/modulus-app/studyplan-api/pkg/export"
	"github.com/modulus-app/studyplan-api/pkg/storage"
)

// ExportFormat selects the rendered output type.
type ExportFormat string

// Supported export formats.
const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

type exportRunLoader interface {
	GetRun(ctx context.Context, userID, runID string) (*models.PlanRun, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       ExportFormat
	ExpiresAt    time.Time
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders a run's schedule as a downloadable CSV or PDF table.
type ExportService struct {
	runs    exportRunLoader
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(runs exportRunLoader, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		runs:    runs,
		storage: storage,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate renders the run's preview as a schedule table and stores it under
// the run's output directory.
func (s *ExportService) Generate(ctx context.Context, userID, runID string, format ExportFormat) (*ExportResult, error) {
	run, err := s.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	if !run.HasPreview() {
		return nil, appErrors.Clone(appErrors.ErrNoPreview, "")
	}
	state, err := run.DecodePreview()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode preview state")
	}

	dataset, title := buildScheduleDataset(run, state)

	var payload []byte
	switch format {
	case ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case ExportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	paths, err := run.DecodePaths()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run paths")
	}
	timestamp := time.Now().UTC().Format("20060102_150405")
	relPath, err := s.storage.Save(fmt.Sprintf("%s/schedule_%s.%s", paths.OutDir, timestamp, format), payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate(run.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	s.logger.Info("schedule exported",
		zap.String("run_id", run.ID),
		zap.String("format", string(format)),
	)
	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/plans/export/%s", prefix, token),
		Format:       format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (runID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes export files older than ttl (defaults to ResultTTL).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func buildScheduleDataset(run *models.PlanRun, state models.PreviewState) (export.Dataset, string) {
	assignments := make(map[string]models.Assignment, len(state.Assignments))
	for _, assignment := range state.Assignments {
		assignments[assignment.ID] = assignment
	}

	rows := make([]map[string]string, 0, len(state.WorkBlocks))
	for _, block := range state.WorkBlocks {
		row := map[string]string{
			"Date":           block.Date,
			"Start":          block.StartTime,
			"Duration (min)": fmt.Sprintf("%d", block.DurationMinutes),
			"Phase":          strings.Trim(block.Label, "[]"),
			"Assignment":     "",
			"Course":         "",
			"Due Date":       "",
		}
		if assignment, ok := assignments[block.AssignmentID]; ok {
			row["Assignment"] = assignment.Title
			row["Course"] = assignment.Course
			if assignment.DueDate != nil {
				row["Due Date"] = *assignment.DueDate
			}
		}
		rows = append(rows, row)
	}

	dataset := export.Dataset{
		Headers: []string{"Date", "Start", "Duration (min)", "Phase", "Assignment", "Course", "Due Date"},
		Rows:    rows,
	}
	return dataset, fmt.Sprintf("Study Plan: %s", run.Name)
}
