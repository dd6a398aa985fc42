package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modulus-app/studyplan-api/internal/models"
)

func pinTime(t *testing.T, value time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return value }
	t.Cleanup(func() { timeNow = orig })
}

func previewFixture() models.PreviewState {
	return models.PreviewState{
		Assignments: []models.Assignment{
			{ID: "assignment-1", Title: "Essay Draft", Course: "ENGL-201", Description: "Submit via Canvas"},
		},
		WorkBlocks: []models.WorkBlock{
			{ID: "block-001", AssignmentID: "assignment-1", Date: "2026-02-05", StartTime: "09:00", DurationMinutes: 60, Label: "[research]"},
			{ID: "block-002", AssignmentID: "assignment-1", Date: "2026-02-06", StartTime: "14:30", DurationMinutes: 90, Label: "[draft]"},
		},
	}
}

func TestGenerateCalendarStructure(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	output := Generate(previewFixture())

	assert.True(t, strings.HasPrefix(output, "BEGIN:VCALENDAR\r\n"))
	assert.True(t, strings.HasSuffix(output, "END:VCALENDAR\r\n"))
	assert.Contains(t, output, "VERSION:2.0\r\n")
	assert.Contains(t, output, "X-WR-CALNAME:Study Plan\r\n")
	assert.Equal(t, 2, strings.Count(output, "BEGIN:VEVENT"))
	assert.Equal(t, 2, strings.Count(output, "END:VEVENT"))
	assert.NotContains(t, strings.ReplaceAll(output, "\r\n", ""), "\n")
}

func TestGenerateEventFields(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	output := Generate(previewFixture())

	assert.Contains(t, output, "UID:studyplan-2026-02-05-0@modulus\r\n")
	assert.Contains(t, output, "UID:studyplan-2026-02-06-1@modulus\r\n")
	assert.Contains(t, output, "DTSTAMP:20260201T120000Z\r\n")
	assert.Contains(t, output, "DTSTART:20260205T090000\r\n")
	assert.Contains(t, output, "DTEND:20260205T100000\r\n")
	assert.Contains(t, output, "DTSTART:20260206T143000\r\n")
	assert.Contains(t, output, "DTEND:20260206T160000\r\n")
	assert.Contains(t, output, "SUMMARY:[research] Essay Draft [ENGL-201]\r\n")
	assert.Contains(t, output, "CATEGORIES:ENGL-201\r\n")
	assert.Contains(t, output, "DESCRIPTION:Scheduled study block\\n\\nSubmit via Canvas\r\n")
}

func TestGenerateDtendWrapsPastMidnight(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	state := models.PreviewState{
		WorkBlocks: []models.WorkBlock{
			{ID: "block-001", Date: "2026-02-05", StartTime: "23:30", DurationMinutes: 60, Label: "[late]"},
		},
	}

	output := Generate(state)

	assert.Contains(t, output, "DTSTART:20260205T233000\r\n")
	assert.Contains(t, output, "DTEND:20260205T003000\r\n")
}

func TestGenerateBlockWithoutAssignment(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	state := models.PreviewState{
		WorkBlocks: []models.WorkBlock{
			{ID: "block-001", AssignmentID: "missing", Date: "2026-02-05", StartTime: "09:00", DurationMinutes: 60, Label: "[orphan]"},
		},
	}

	output := Generate(state)

	assert.Contains(t, output, "SUMMARY:[orphan]\r\n")
	assert.NotContains(t, output, "CATEGORIES:")
}

func TestGenerateEscapesSpecialCharacters(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	state := models.PreviewState{
		Assignments: []models.Assignment{
			{ID: "a1", Title: "Reading; ch. 1, 2", Course: "HIST-300"},
		},
		WorkBlocks: []models.WorkBlock{
			{ID: "block-001", AssignmentID: "a1", Date: "2026-02-05", StartTime: "09:00", DurationMinutes: 60, Label: "[read]"},
		},
	}

	output := Generate(state)

	assert.Contains(t, output, `SUMMARY:[read] Reading\; ch. 1\, 2 [HIST-300]`+"\r\n")
}

func TestGenerateRoundTripsThroughParser(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	state := previewFixture()
	output := Generate(state)

	blocks := ExtractWorkBlocks(output)
	require.Len(t, blocks, len(state.WorkBlocks))
	for i, block := range blocks {
		assert.Equal(t, state.WorkBlocks[i].Date, block.Date)
		assert.Equal(t, state.WorkBlocks[i].Label, block.Label)
		assert.Equal(t, "Essay Draft", block.AssignmentTitle)
		assert.Equal(t, "ENGL-201", block.Course)
	}
}

func TestGenerateEmptyState(t *testing.T) {
	pinTime(t, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	output := Generate(models.PreviewState{})

	assert.True(t, strings.HasPrefix(output, "BEGIN:VCALENDAR\r\n"))
	assert.True(t, strings.HasSuffix(output, "END:VCALENDAR\r\n"))
	assert.NotContains(t, output, "BEGIN:VEVENT")
}
