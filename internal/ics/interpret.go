package ics

import (
	"regexp"
	"strings"
)

// CanvasAssignment is one due-date event extracted from the Canvas feed.
type CanvasAssignment struct {
	UID         string
	Title       string
	Course      string
	DueDate     string
	Description string
	URL         string
}

// EngineBlock is one scheduled work block extracted from the engine feed.
// The engine encodes its metadata in the SUMMARY line:
//
//	[phase label] Assignment Title [Course Code]
type EngineBlock struct {
	UID             string
	Date            string
	Label           string
	AssignmentTitle string
	Course          string
	Description     string
}

var (
	leadingBracketRe  = regexp.MustCompile(`^\[([^\]]+)\]\s*`)
	trailingBracketRe = regexp.MustCompile(`\s*\[([^\]]+)\]$`)
)

// ExtractAssignments parses Canvas calendar text and lifts assignments out
// of its events. Canvas puts the course code in brackets at the end of the
// summary; the due date falls back from DTSTART to DTEND.
func ExtractAssignments(content string) []CanvasAssignment {
	events := Parse(content)
	assignments := make([]CanvasAssignment, 0, len(events))

	for _, event := range events {
		title, course := splitTrailingBracket(event.Get("summary"))
		dueDate := event.Get("dtstart")
		if dueDate == "" {
			dueDate = event.Get("dtend")
		}
		assignments = append(assignments, CanvasAssignment{
			UID:         event.Get("uid"),
			Title:       title,
			Course:      course,
			DueDate:     dueDate,
			Description: event.Get("description"),
			URL:         event.Get("url"),
		})
	}
	return assignments
}

// ExtractWorkBlocks parses engine output text and lifts work blocks out of
// its events.
func ExtractWorkBlocks(content string) []EngineBlock {
	events := Parse(content)
	blocks := make([]EngineBlock, 0, len(events))

	for _, event := range events {
		label, title, course := splitBlockSummary(event.Get("summary"))
		blocks = append(blocks, EngineBlock{
			UID:             event.Get("uid"),
			Date:            event.Get("dtstart"),
			Label:           label,
			AssignmentTitle: title,
			Course:          course,
			Description:     event.Get("description"),
		})
	}
	return blocks
}

// splitBlockSummary decomposes an engine summary. A missing leading label or
// trailing course yields an empty string, never an error.
func splitBlockSummary(summary string) (label, title, course string) {
	if m := leadingBracketRe.FindStringSubmatch(summary); m != nil {
		label = "[" + m[1] + "]"
		summary = summary[len(m[0]):]
	}
	title, course = splitTrailingBracket(summary)
	return label, title, course
}

// splitTrailingBracket pulls a "[Course Code]" suffix off a summary,
// returning the trimmed remainder as the title.
func splitTrailingBracket(summary string) (title, course string) {
	if m := trailingBracketRe.FindStringSubmatch(summary); m != nil {
		course = m[1]
		title = strings.TrimSpace(summary[:len(summary)-len(m[0])])
		return title, course
	}
	return strings.TrimSpace(summary), ""
}
