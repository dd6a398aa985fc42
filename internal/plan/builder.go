// Package plan holds the preview-state core: the builder that fuses the two
// calendar feeds into an editable state, and the effort redistributor that
// keeps per-assignment totals consistent across edits. Every operation is a
// pure function over a state value; persistence and locking live in the
// service layer.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modulus-app/studyplan-api/internal/ics"
	"github.com/modulus-app/studyplan-api/internal/models"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Builder fuses a Canvas calendar and an engine work-block calendar into a
// preview state. The engine feed carries no per-block duration yet, so every
// block starts with the configured defaults; override the fields once the
// engine output format grows richer.
type Builder struct {
	// DefaultBlockMinutes seeds duration_minutes and
	// original_duration_minutes for each engine block.
	DefaultBlockMinutes int
	// DefaultStartTime seeds start_time (HH:MM) for each engine block.
	DefaultStartTime string

	newAssignmentID func() string
	now             func() time.Time
}

// NewBuilder returns a builder with the standard defaults.
func NewBuilder() *Builder {
	return &Builder{
		DefaultBlockMinutes: models.DefaultBlockMinutes,
		DefaultStartTime:    models.DefaultBlockStartTime,
		newAssignmentID:     randomAssignmentID,
		now:                 time.Now,
	}
}

func randomAssignmentID() string {
	return "assignment-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Build parses and fuses both calendars. It never fails: empty or malformed
// input simply yields a preview state with fewer (or zero) assignments and
// blocks, and the caller decides whether that is worth showing.
func (b *Builder) Build(canvasICS, engineICS string, settings models.PlanSettings) models.PreviewState {
	canvasAssignments := ics.ExtractAssignments(canvasICS)
	engineBlocks := ics.ExtractWorkBlocks(engineICS)

	assignments, byTitle := b.buildAssignments(canvasAssignments, engineBlocks)
	workBlocks := b.buildWorkBlocks(engineBlocks, assignments, byTitle)

	state := models.PreviewState{
		GeneratedAt: b.now().UTC(),
		Settings:    normalizeSettings(settings),
		Assignments: assignments,
		WorkBlocks:  workBlocks,
		BusyTimes:   []json.RawMessage{},
	}
	recalculateEffort(&state)
	return state
}

// buildAssignments seeds one assignment per Canvas event and then creates a
// minimal assignment for every engine block whose title the Canvas feed did
// not enumerate, so each work block always resolves to a valid assignment.
// The returned map goes from normalized title to index in the slice.
func (b *Builder) buildAssignments(canvasAssignments []ics.CanvasAssignment, engineBlocks []ics.EngineBlock) ([]models.Assignment, map[string]int) {
	assignments := make([]models.Assignment, 0, len(canvasAssignments))
	byTitle := make(map[string]int)

	for _, ca := range canvasAssignments {
		key := normalizeTitle(ca.Title)
		if existing, ok := byTitle[key]; ok {
			// Canvas is the source of record; the later duplicate refreshes
			// the due-date fields.
			assignments[existing].DueDate = optional(ca.DueDate)
			assignments[existing].Description = ca.Description
			assignments[existing].CanvasURL = optional(ca.URL)
			continue
		}
		byTitle[key] = len(assignments)
		assignments = append(assignments, models.Assignment{
			ID:                 b.newAssignmentID(),
			Title:              ca.Title,
			Course:             ca.Course,
			DueDate:            optional(ca.DueDate),
			AllowWorkOnDueDate: true,
			CanvasURL:          optional(ca.URL),
			Description:        ca.Description,
		})
	}

	for _, block := range engineBlocks {
		key := normalizeTitle(block.AssignmentTitle)
		if _, ok := byTitle[key]; ok {
			continue
		}
		byTitle[key] = len(assignments)
		assignments = append(assignments, models.Assignment{
			ID:                 b.newAssignmentID(),
			Title:              block.AssignmentTitle,
			Course:             block.Course,
			AllowWorkOnDueDate: true,
		})
	}

	return assignments, byTitle
}

func (b *Builder) buildWorkBlocks(engineBlocks []ics.EngineBlock, assignments []models.Assignment, byTitle map[string]int) []models.WorkBlock {
	workBlocks := make([]models.WorkBlock, 0, len(engineBlocks))
	for i, block := range engineBlocks {
		assignmentID := ""
		if idx, ok := byTitle[normalizeTitle(block.AssignmentTitle)]; ok {
			assignmentID = assignments[idx].ID
		}
		workBlocks = append(workBlocks, models.WorkBlock{
			ID:                      fmt.Sprintf("block-%03d", i+1),
			AssignmentID:            assignmentID,
			Date:                    block.Date,
			StartTime:               b.DefaultStartTime,
			DurationMinutes:         b.DefaultBlockMinutes,
			Label:                   block.Label,
			IsAnchored:              false,
			OriginalDurationMinutes: b.DefaultBlockMinutes,
		})
	}
	return workBlocks
}

// normalizeTitle is the join key between the two feeds: lower-cased,
// internal whitespace collapsed, outer whitespace trimmed. Distinct titles
// that normalize identically collide; that is a documented limitation of
// the title-based join.
func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRe.ReplaceAllString(title, " ")))
}

func normalizeSettings(settings models.PlanSettings) models.PlanSettings {
	defaults := models.DefaultPlanSettings()
	if settings.Horizon <= 0 {
		settings.Horizon = defaults.Horizon
	}
	if settings.SoftCap <= 0 {
		settings.SoftCap = defaults.SoftCap
	}
	if settings.HardCap <= 0 {
		settings.HardCap = defaults.HardCap
	}
	if settings.BusyWeight <= 0 {
		settings.BusyWeight = defaults.BusyWeight
	}
	settings.MinBlockMinutes = models.MinBlockMinutes
	settings.MaxBlockMinutes = models.MaxBlockMinutes
	return settings
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
