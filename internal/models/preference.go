package models

import "time"

// UserPreference stores a user's default import settings so repeat imports
// can be prefilled.
type UserPreference struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	CanvasURL    *string   `db:"canvas_url" json:"canvas_url"`
	Horizon      int       `db:"horizon" json:"horizon"`
	SoftCap      int       `db:"soft_cap" json:"soft_cap"`
	HardCap      int       `db:"hard_cap" json:"hard_cap"`
	SkipWeekends bool      `db:"skip_weekends" json:"skip_weekends"`
	BusyWeight   float64   `db:"busy_weight" json:"busy_weight"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
