package models

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RunPaths records where a run's input and output files live, relative to
// the plan storage root.
type RunPaths struct {
	Canvas       string `json:"canvas"`
	Busy         string `json:"busy,omitempty"`
	OutDir       string `json:"out_dir"`
	Config       string `json:"config,omitempty"`
	StudyPlanICS string `json:"studyplan_ics,omitempty"`
}

// PlanRun is one import/generate cycle for a user. Paths, Settings and
// PreviewState are stored as JSONB columns; Token guards the engine-facing
// canvas feed route.
type PlanRun struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"user_id"`
	Name         string         `db:"name" json:"name"`
	Token        string         `db:"token" json:"-"`
	Paths        types.JSONText `db:"paths" json:"paths"`
	Settings     types.JSONText `db:"settings" json:"settings"`
	PreviewState types.JSONText `db:"preview_state" json:"preview_state,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// DecodePaths unmarshals the paths column.
func (r *PlanRun) DecodePaths() (RunPaths, error) {
	var paths RunPaths
	if len(r.Paths) == 0 {
		return paths, nil
	}
	err := json.Unmarshal(r.Paths, &paths)
	return paths, err
}

// SetPaths marshals and stores the paths column.
func (r *PlanRun) SetPaths(paths RunPaths) error {
	raw, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	r.Paths = types.JSONText(raw)
	return nil
}

// DecodeSettings unmarshals the settings column, falling back to defaults
// for an empty column.
func (r *PlanRun) DecodeSettings() (PlanSettings, error) {
	settings := DefaultPlanSettings()
	if len(r.Settings) == 0 {
		return settings, nil
	}
	err := json.Unmarshal(r.Settings, &settings)
	return settings, err
}

// SetSettings marshals and stores the settings column.
func (r *PlanRun) SetSettings(settings PlanSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	r.Settings = types.JSONText(raw)
	return nil
}

// HasPreview reports whether a preview state has been built for this run.
func (r *PlanRun) HasPreview() bool {
	return len(r.PreviewState) > 0 && string(r.PreviewState) != "null"
}

// DecodePreview unmarshals the preview_state column.
func (r *PlanRun) DecodePreview() (PreviewState, error) {
	var state PreviewState
	if !r.HasPreview() {
		return state, nil
	}
	err := json.Unmarshal(r.PreviewState, &state)
	return state, err
}

// SetPreview marshals and stores the preview_state column.
func (r *PlanRun) SetPreview(state PreviewState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.PreviewState = types.JSONText(raw)
	return nil
}
