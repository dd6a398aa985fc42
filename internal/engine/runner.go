// Package engine invokes the external scheduling engine that turns a Canvas
// feed into scheduled work blocks. The engine is a Java jar driven by a
// per-run properties file; it reads the canvas feed over HTTP and writes its
// calendar output into the run's out directory.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/models"
	"github.com/modulus-app/studyplan-api/pkg/storage"
)

// Config locates the engine binary and bounds its runtime.
type Config struct {
	JavaBin string
	JarPath string
	Timeout time.Duration
	// FeedBaseURL is the externally reachable base URL the engine uses to
	// fetch the run's canvas feed (token-guarded).
	FeedBaseURL string
}

// Runner executes engine runs against run directories in local storage.
type Runner struct {
	cfg     Config
	store   *storage.LocalStorage
	logger  *zap.Logger
	execRun func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// NewRunner constructs a Runner.
func NewRunner(cfg Config, store *storage.LocalStorage, logger *zap.Logger) *Runner {
	if cfg.JavaBin == "" {
		cfg.JavaBin = "java"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		store:  store,
		logger: logger,
		execRun: func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Dir = dir
			return cmd.CombinedOutput()
		},
	}
}

// Generate runs the engine for one plan run and returns the updated paths
// with the produced calendar and config recorded. The run's paths and
// settings must already be populated by the import step.
func (r *Runner) Generate(ctx context.Context, run *models.PlanRun) (models.RunPaths, error) {
	paths, err := run.DecodePaths()
	if err != nil {
		return paths, fmt.Errorf("decode run paths: %w", err)
	}
	settings, err := run.DecodeSettings()
	if err != nil {
		return paths, fmt.Errorf("decode run settings: %w", err)
	}
	if paths.Canvas == "" {
		return paths, fmt.Errorf("run %s has no canvas feed", run.ID)
	}

	baseRel := filepath.Dir(paths.Canvas)
	if paths.OutDir == "" {
		paths.OutDir = baseRel + "/out"
	}

	configRel := baseRel + "/local.properties"
	props := r.renderProperties(run, settings)
	if _, err := r.store.Save(configRel, []byte(props)); err != nil {
		return paths, fmt.Errorf("write engine config: %w", err)
	}
	paths.Config = configRel

	args := []string{
		"-jar", r.cfg.JarPath,
		"run",
		"--out", r.store.Path(paths.OutDir),
		"--config", r.store.Path(configRel),
	}
	if paths.Busy != "" {
		args = append(args, "--busy", r.store.Path(paths.Busy))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	output, runErr := r.execRun(runCtx, r.store.Path(baseRel), r.cfg.JavaBin, args...)

	r.logger.Info("engine run finished",
		zap.String("run_id", run.ID),
		zap.Strings("args", args),
		zap.Int("output_bytes", len(output)),
		zap.Error(runErr),
	)

	// The engine reports scheduling problems on stdout with a zero exit
	// code, so the marker check comes before the exit status.
	if strings.Contains(string(output), "ERROR:") {
		return paths, fmt.Errorf("engine reported error: %s", strings.TrimSpace(string(output)))
	}
	if runErr != nil {
		return paths, fmt.Errorf("engine run failed: %w: %s", runErr, strings.TrimSpace(string(output)))
	}

	icsRel, err := r.locateOutput(paths.OutDir, baseRel)
	if err != nil {
		return paths, err
	}
	paths.StudyPlanICS = icsRel
	return paths, nil
}

// renderProperties builds the per-run local.properties content. The feed URL
// points back at the token-guarded canvas route so the engine never touches
// the upstream Canvas server.
func (r *Runner) renderProperties(run *models.PlanRun, settings models.PlanSettings) string {
	canvasURL := fmt.Sprintf("%s/plans/runs/%s/canvas.ics?t=%s",
		strings.TrimRight(r.cfg.FeedBaseURL, "/"), run.ID, run.Token)

	lines := []string{
		"ICAL_URLS=" + canvasURL,
		fmt.Sprintf("horizon=%d", settings.Horizon),
		fmt.Sprintf("softCap=%d", settings.SoftCap),
		fmt.Sprintf("hardCap=%d", settings.HardCap),
		fmt.Sprintf("skipWeekends=%t", settings.SkipWeekends),
		fmt.Sprintf("busyWeight=%g", settings.BusyWeight),
	}
	return strings.Join(lines, "\n") + "\n"
}

// locateOutput finds the produced calendar: StudyPlan.ics in the out dir, or
// the newest .ics under the run's exports dir when the engine named its
// output dynamically.
func (r *Runner) locateOutput(outDir, baseRel string) (string, error) {
	canonical := outDir + "/StudyPlan.ics"
	if r.store.Exists(canonical) {
		return canonical, nil
	}

	fallbackDir := baseRel + "/exports"
	newest, err := r.store.NewestWithExt(fallbackDir, ".ics")
	if err == nil && newest != "" {
		return newest, nil
	}

	return "", fmt.Errorf("engine produced no calendar output in %s or %s", outDir, fallbackDir)
}
