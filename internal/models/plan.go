package models

import (
	"encoding/json"
	"time"
)

// Work block duration bounds, enforced by every preview mutation. The
// builder and redistributor clamp rather than reject out-of-range values.
const (
	MinBlockMinutes = 15
	MaxBlockMinutes = 240
)

// Defaults applied to engine blocks, which carry no duration or start time
// of their own yet.
const (
	DefaultBlockMinutes   = 60
	DefaultBlockStartTime = "09:00"
)

// PlanSettings carries the scheduling knobs supplied at import time plus the
// fixed block bounds.
type PlanSettings struct {
	Horizon         int     `json:"horizon"`
	SoftCap         int     `json:"soft_cap"`
	HardCap         int     `json:"hard_cap"`
	SkipWeekends    bool    `json:"skip_weekends"`
	BusyWeight      float64 `json:"busy_weight"`
	MinBlockMinutes int     `json:"min_block_minutes"`
	MaxBlockMinutes int     `json:"max_block_minutes"`
}

// DefaultPlanSettings returns the settings applied when the user provides none.
func DefaultPlanSettings() PlanSettings {
	return PlanSettings{
		Horizon:         30,
		SoftCap:         4,
		HardCap:         5,
		SkipWeekends:    false,
		BusyWeight:      1,
		MinBlockMinutes: MinBlockMinutes,
		MaxBlockMinutes: MaxBlockMinutes,
	}
}

// Assignment is one deliverable fused from the Canvas calendar and the engine
// output. TotalEffortMinutes is derived from the assignment's work blocks and
// recomputed after every mutation; it is never set directly.
type Assignment struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Course             string  `json:"course"`
	DueDate            *string `json:"due_date"`
	TotalEffortMinutes int     `json:"total_effort_minutes"`
	AllowWorkOnDueDate bool    `json:"allow_work_on_due_date"`
	CanvasURL          *string `json:"canvas_url"`
	Description        string  `json:"description"`
}

// WorkBlock is a scheduled study interval belonging to one assignment.
// OriginalDurationMinutes is fixed at creation and serves as the
// redistribution baseline; IsAnchored marks blocks the user has edited,
// which excludes them from automatic redistribution.
type WorkBlock struct {
	ID                      string `json:"id"`
	AssignmentID            string `json:"assignment_id"`
	Date                    string `json:"date"`
	StartTime               string `json:"start_time"`
	DurationMinutes         int    `json:"duration_minutes"`
	Label                   string `json:"label"`
	IsAnchored              bool   `json:"is_anchored"`
	OriginalDurationMinutes int    `json:"original_duration_minutes"`
}

// PreviewState is the editable fusion of the two calendars. It is a value:
// every operation takes a state and returns a new one.
type PreviewState struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Settings    PlanSettings      `json:"settings"`
	Assignments []Assignment      `json:"assignments"`
	WorkBlocks  []WorkBlock       `json:"work_blocks"`
	BusyTimes   []json.RawMessage `json:"busy_times"`
}

// Clone returns a deep copy so callers can mutate the result without
// touching the receiver.
func (s PreviewState) Clone() PreviewState {
	out := s
	out.Assignments = make([]Assignment, len(s.Assignments))
	copy(out.Assignments, s.Assignments)
	out.WorkBlocks = make([]WorkBlock, len(s.WorkBlocks))
	copy(out.WorkBlocks, s.WorkBlocks)
	if s.BusyTimes != nil {
		out.BusyTimes = make([]json.RawMessage, len(s.BusyTimes))
		copy(out.BusyTimes, s.BusyTimes)
	}
	return out
}

// FindWorkBlock returns the index of the block with the given id, or -1.
func (s PreviewState) FindWorkBlock(blockID string) int {
	for i := range s.WorkBlocks {
		if s.WorkBlocks[i].ID == blockID {
			return i
		}
	}
	return -1
}

// FindAssignment returns the index of the assignment with the given id, or -1.
func (s PreviewState) FindAssignment(assignmentID string) int {
	for i := range s.Assignments {
		if s.Assignments[i].ID == assignmentID {
			return i
		}
	}
	return -1
}

// WorkBlockUpdate is a partial edit of a single block; nil fields are left
// untouched.
type WorkBlockUpdate struct {
	Date            *string `json:"date"`
	StartTime       *string `json:"start_time"`
	DurationMinutes *int    `json:"duration_minutes"`
}

// AssignmentSettingsUpdate is a partial edit of assignment-level toggles.
type AssignmentSettingsUpdate struct {
	AllowWorkOnDueDate *bool `json:"allow_work_on_due_date"`
}

// NewWorkBlockInput describes a user-created block. Duration falls back to
// DefaultBlockMinutes when nil.
type NewWorkBlockInput struct {
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	DurationMinutes *int   `json:"duration_minutes"`
}
