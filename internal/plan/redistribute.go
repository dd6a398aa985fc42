package plan

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/modulus-app/studyplan-api/internal/models"
)

// ErrAssignmentNotFound is returned by CreateBlock when the target
// assignment does not exist. Unlike block edits, creation has no meaningful
// unchanged-state fallback.
var ErrAssignmentNotFound = errors.New("assignment not found")

var blockIDRe = regexp.MustCompile(`^block-(\d+)$`)

// AfterBlockUpdate applies a partial edit to one block and rebalances its
// assignment. Any direct edit anchors the block: the user has taken manual
// control of its timing or size, so automatic redistribution must leave it
// alone from now on. An unknown block id is a no-op.
func AfterBlockUpdate(state models.PreviewState, blockID string, updates models.WorkBlockUpdate) models.PreviewState {
	idx := state.FindWorkBlock(blockID)
	if idx < 0 {
		return state
	}

	next := state.Clone()
	block := &next.WorkBlocks[idx]
	if updates.Date != nil {
		block.Date = *updates.Date
	}
	if updates.StartTime != nil {
		block.StartTime = *updates.StartTime
	}
	if updates.DurationMinutes != nil {
		block.DurationMinutes = *updates.DurationMinutes
	}
	block.IsAnchored = true

	redistributeForAssignment(next.WorkBlocks, block.AssignmentID)
	recalculateEffort(&next)
	return next
}

// AfterBlockDelete removes a block and spreads its effort across the
// remaining non-anchored blocks of the same assignment. When no flexible
// block remains the effort is dropped: an assignment whose blocks are all
// anchored has no valid redistribution target, and its total simply shrinks.
// An unknown block id is a no-op.
func AfterBlockDelete(state models.PreviewState, blockID string) models.PreviewState {
	idx := state.FindWorkBlock(blockID)
	if idx < 0 {
		return state
	}

	next := state.Clone()
	deleted := next.WorkBlocks[idx]
	next.WorkBlocks = append(next.WorkBlocks[:idx], next.WorkBlocks[idx+1:]...)

	var flexible []int
	for i := range next.WorkBlocks {
		b := &next.WorkBlocks[i]
		if b.AssignmentID == deleted.AssignmentID && !b.IsAnchored {
			flexible = append(flexible, i)
		}
	}

	if len(flexible) > 0 {
		share := deleted.DurationMinutes / len(flexible)
		remainder := deleted.DurationMinutes % len(flexible)
		for i, blockIdx := range flexible {
			extra := share
			if i == 0 {
				extra += remainder
			}
			next.WorkBlocks[blockIdx].DurationMinutes = clampDuration(next.WorkBlocks[blockIdx].DurationMinutes + extra)
		}
	}

	recalculateEffort(&next)
	return next
}

// CreateBlock appends a user-created block under an assignment. Created
// blocks are born anchored and add new effort rather than reallocating
// existing effort, so no redistribution runs.
func CreateBlock(state models.PreviewState, assignmentID string, input models.NewWorkBlockInput) (models.PreviewState, error) {
	if state.FindAssignment(assignmentID) < 0 {
		return state, ErrAssignmentNotFound
	}

	next := state.Clone()

	maxNum := 0
	for _, block := range next.WorkBlocks {
		if m := blockIDRe.FindStringSubmatch(block.ID); m != nil {
			var n int
			fmt.Sscanf(m[1], "%d", &n)
			if n > maxNum {
				maxNum = n
			}
		}
	}

	duration := models.DefaultBlockMinutes
	if input.DurationMinutes != nil {
		duration = *input.DurationMinutes
	}

	next.WorkBlocks = append(next.WorkBlocks, models.WorkBlock{
		ID:                      fmt.Sprintf("block-%03d", maxNum+1),
		AssignmentID:            assignmentID,
		Date:                    input.Date,
		StartTime:               input.StartTime,
		DurationMinutes:         duration,
		Label:                   "[added]",
		IsAnchored:              true,
		OriginalDurationMinutes: duration,
	})

	recalculateEffort(&next)
	return next, nil
}

// UpdateAssignmentSettings applies assignment-level toggles. An unknown
// assignment id is a no-op.
func UpdateAssignmentSettings(state models.PreviewState, assignmentID string, updates models.AssignmentSettingsUpdate) models.PreviewState {
	idx := state.FindAssignment(assignmentID)
	if idx < 0 {
		return state
	}

	next := state.Clone()
	if updates.AllowWorkOnDueDate != nil {
		next.Assignments[idx].AllowWorkOnDueDate = *updates.AllowWorkOnDueDate
	}
	return next
}

// redistributeForAssignment resizes the non-anchored blocks of one
// assignment so the assignment's total tracks its original baseline.
//
// The baseline is the sum of original_duration_minutes, fixed at creation
// and unaffected by anchoring history, so repeated edits converge toward the
// original total instead of compounding drift. When anchored blocks already
// claim the whole baseline the flexible blocks collapse to the minimum
// duration rather than growing the assignment's total.
func redistributeForAssignment(blocks []models.WorkBlock, assignmentID string) {
	if assignmentID == "" {
		return
	}

	targetTotal := 0
	anchoredSum := 0
	var flexible []int
	found := false
	for i := range blocks {
		b := &blocks[i]
		if b.AssignmentID != assignmentID {
			continue
		}
		found = true
		original := b.OriginalDurationMinutes
		if original == 0 {
			original = b.DurationMinutes
		}
		targetTotal += original
		if b.IsAnchored {
			anchoredSum += b.DurationMinutes
		} else {
			flexible = append(flexible, i)
		}
	}
	if !found || len(flexible) == 0 {
		return
	}

	remaining := targetTotal - anchoredSum
	if remaining < 0 {
		remaining = 0
	}

	if remaining > 0 {
		share := remaining / len(flexible)
		remainder := remaining % len(flexible)
		for i, blockIdx := range flexible {
			duration := share
			if i == 0 {
				duration += remainder
			}
			blocks[blockIdx].DurationMinutes = clampDuration(duration)
		}
		return
	}

	for _, blockIdx := range flexible {
		blocks[blockIdx].DurationMinutes = models.MinBlockMinutes
	}
}

// recalculateEffort re-derives every assignment's total from its blocks,
// re-establishing the conservation invariant after a mutation.
func recalculateEffort(state *models.PreviewState) {
	totals := make(map[string]int, len(state.Assignments))
	for _, block := range state.WorkBlocks {
		if block.AssignmentID != "" {
			totals[block.AssignmentID] += block.DurationMinutes
		}
	}
	for i := range state.Assignments {
		state.Assignments[i].TotalEffortMinutes = totals[state.Assignments[i].ID]
	}
}

func clampDuration(minutes int) int {
	if minutes < models.MinBlockMinutes {
		return models.MinBlockMinutes
	}
	if minutes > models.MaxBlockMinutes {
		return models.MaxBlockMinutes
	}
	return minutes
}
