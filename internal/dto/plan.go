package dto

import "github.com/modulus-app/studyplan-api/internal/models"

// ImportPlanRequest defines the payload for starting a new plan run. Exactly
// one of the canvas upload or the canvas URL must be provided; the upload
// bytes arrive via multipart form and are attached by the handler.
type ImportPlanRequest struct {
	Name       string   `json:"name"`
	CanvasURL  string   `json:"canvas_url" validate:"omitempty,url"`
	Horizon    *int     `json:"horizon" validate:"omitempty,min=1,max=365"`
	SoftCap    *int     `json:"soft_cap" validate:"omitempty,min=1,max=24"`
	HardCap    *int     `json:"hard_cap" validate:"omitempty,min=1,max=24"`
	SkipWeek   *bool    `json:"skip_weekends"`
	BusyWeight *float64 `json:"busy_weight" validate:"omitempty,min=0,max=10"`

	CanvasICS []byte `json:"-"`
	BusyICS   []byte `json:"-"`
}

// Settings folds the request knobs over the given defaults.
func (r ImportPlanRequest) Settings(defaults models.PlanSettings) models.PlanSettings {
	settings := defaults
	if r.Horizon != nil {
		settings.Horizon = *r.Horizon
	}
	if r.SoftCap != nil {
		settings.SoftCap = *r.SoftCap
	}
	if r.HardCap != nil {
		settings.HardCap = *r.HardCap
	}
	if r.SkipWeek != nil {
		settings.SkipWeekends = *r.SkipWeek
	}
	if r.BusyWeight != nil {
		settings.BusyWeight = *r.BusyWeight
	}
	return settings
}

// UpdateBlockRequest is a partial edit of one work block.
type UpdateBlockRequest struct {
	Date            *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	StartTime       *string `json:"start_time" validate:"omitempty,datetime=15:04"`
	DurationMinutes *int    `json:"duration_minutes" validate:"omitempty,min=15,max=240"`
}

// CreateBlockRequest adds a new block under an assignment.
type CreateBlockRequest struct {
	AssignmentID    string `json:"assignment_id" validate:"required"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime       string `json:"start_time" validate:"required,datetime=15:04"`
	DurationMinutes *int   `json:"duration_minutes" validate:"omitempty,min=15,max=240"`
}

// UpdateAssignmentRequest edits assignment-level toggles.
type UpdateAssignmentRequest struct {
	AllowWorkOnDueDate *bool `json:"allow_work_on_due_date"`
}

// PlanRunSummary is the list representation of a run.
type PlanRunSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	HasPreview bool   `json:"has_preview"`
	CreatedAt  string `json:"created_at"`
}

// PreferenceRequest updates a user's default import settings.
type PreferenceRequest struct {
	CanvasURL  *string  `json:"canvas_url" validate:"omitempty,url"`
	Horizon    *int     `json:"horizon" validate:"omitempty,min=1,max=365"`
	SoftCap    *int     `json:"soft_cap" validate:"omitempty,min=1,max=24"`
	HardCap    *int     `json:"hard_cap" validate:"omitempty,min=1,max=24"`
	SkipWeek   *bool    `json:"skip_weekends"`
	BusyWeight *float64 `json:"busy_weight" validate:"omitempty,min=0,max=10"`
}
