package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/modulus-app/studyplan-api/internal/models"
)

// timeNow is swapped out by tests that pin DTSTAMP.
var timeNow = time.Now

// Generate renders a preview state as calendar text, one VEVENT per work
// block in array order. Lines use CRLF terminators with a trailing CRLF.
func Generate(state models.PreviewState) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Modulus//Interactive Preview//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"X-WR-CALNAME:Study Plan",
		"X-WR-CALDESC:Generated study plan from Modulus",
	}

	assignments := make(map[string]models.Assignment, len(state.Assignments))
	for _, assignment := range state.Assignments {
		assignments[assignment.ID] = assignment
	}

	for index, block := range state.WorkBlocks {
		assignment, found := assignments[block.AssignmentID]
		lines = append(lines, blockEvent(block, assignment, found, index)...)
	}

	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

func blockEvent(block models.WorkBlock, assignment models.Assignment, hasAssignment bool, index int) []string {
	lines := []string{"BEGIN:VEVENT"}

	// The UID is derived from date + array index rather than the block id so
	// it stays unique within one export even if ids were reused across
	// regenerations.
	lines = append(lines, fmt.Sprintf("UID:studyplan-%s-%d@modulus", block.Date, index))
	lines = append(lines, "DTSTAMP:"+timeNow().UTC().Format("20060102T150405Z"))

	date := strings.ReplaceAll(block.Date, "-", "")
	start := strings.ReplaceAll(block.StartTime, ":", "") + "00"
	lines = append(lines, "DTSTART:"+date+"T"+start)
	lines = append(lines, "DTEND:"+date+"T"+endTime(block.StartTime, block.DurationMinutes))

	summary := block.Label
	if hasAssignment {
		summary += " " + assignment.Title
		if assignment.Course != "" {
			summary += " [" + assignment.Course + "]"
		}
	}
	lines = append(lines, "SUMMARY:"+escapeValue(strings.TrimSpace(summary)))

	description := "Scheduled study block"
	if hasAssignment && assignment.Description != "" {
		description += "\n\n" + assignment.Description
	}
	lines = append(lines, "DESCRIPTION:"+escapeValue(description))

	if hasAssignment && assignment.Course != "" {
		lines = append(lines, "CATEGORIES:"+escapeValue(assignment.Course))
	}

	lines = append(lines, "END:VEVENT")
	return lines
}

// endTime adds the duration to the start time, wrapping past midnight
// rather than rolling the date forward.
func endTime(startTime string, durationMinutes int) string {
	var hours, minutes int
	fmt.Sscanf(startTime, "%d:%d", &hours, &minutes)

	total := hours*60 + minutes + durationMinutes
	return fmt.Sprintf("%02d%02d00", (total/60)%24, total%60)
}

// escapeValue applies RFC 5545 text escaping. Backslashes go first so the
// later substitutions are not double-escaped.
func escapeValue(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, ";", `\;`)
	value = strings.ReplaceAll(value, ",", `\,`)
	value = strings.ReplaceAll(value, "\r\n", `\n`)
	value = strings.ReplaceAll(value, "\r", `\n`)
	value = strings.ReplaceAll(value, "\n", `\n`)
	return value
}
