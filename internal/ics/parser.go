// Package ics implements the calendar plumbing for study plans: a permissive
// iCalendar parser, the Canvas/engine extraction passes, and the serializer
// that turns an edited preview state back into a calendar feed.
//
// The parser is deliberately forgiving. Third-party feeds are frequently
// slightly non-conformant, so it never fails on malformed input: unknown
// constructs are skipped and unparsable date values are passed through as-is.
package ics

import (
	"regexp"
	"strings"
)

// Event is one parsed VEVENT as a flat property map keyed by lower-cased
// property name. Date-valued properties (dtstart, dtend, dtstamp) are
// normalized to YYYY-MM-DD; when normalization strips a time portion the
// original value is retained under "<name>_raw".
type Event map[string]string

// Get returns the value for the given property, or "" when absent.
func (e Event) Get(name string) string {
	return e[name]
}

var (
	foldedLineRe = regexp.MustCompile(`\r?\n[ \t]`)
	lineSplitRe  = regexp.MustCompile(`\r\n|\r|\n`)
	dateOnlyRe   = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
	dateTimeRe   = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})T(\d{2})(\d{2})(\d{2})Z?$`)
)

// Parse splits raw calendar text into events. Only lines between
// BEGIN:VEVENT and END:VEVENT markers are interpreted; events with no
// recognized properties are dropped. Output order matches input order.
func Parse(content string) []Event {
	content = foldedLineRe.ReplaceAllString(content, "")

	var events []Event
	inEvent := false
	var current map[string]rawProperty

	for _, line := range lineSplitRe.Split(content, -1) {
		line = strings.TrimSpace(line)

		if line == "BEGIN:VEVENT" {
			inEvent = true
			current = make(map[string]rawProperty)
			continue
		}
		if line == "END:VEVENT" {
			inEvent = false
			if len(current) > 0 {
				events = append(events, normalizeEvent(current))
			}
			continue
		}
		if !inEvent {
			continue
		}

		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		propertyPart := line[:colon]
		value := line[colon+1:]

		name := propertyPart
		params := ""
		if semi := strings.Index(propertyPart, ";"); semi >= 0 {
			name = propertyPart[:semi]
			params = propertyPart[semi+1:]
		}
		current[name] = rawProperty{value: unescapeValue(value), params: params}
	}

	return events
}

type rawProperty struct {
	value  string
	params string
}

// unescapeValue reverses RFC 5545 text escaping. The replacement order
// matters: the literal backslash pair is handled last so it is not
// re-interpreted by the earlier substitutions.
func unescapeValue(value string) string {
	value = strings.ReplaceAll(value, `\n`, "\n")
	value = strings.ReplaceAll(value, `\N`, "\n")
	value = strings.ReplaceAll(value, `\,`, ",")
	value = strings.ReplaceAll(value, `\;`, ";")
	value = strings.ReplaceAll(value, `\\`, `\`)
	return value
}

func normalizeEvent(raw map[string]rawProperty) Event {
	event := make(Event, len(raw))
	for name, prop := range raw {
		key := strings.ToLower(name)
		value := prop.value

		switch key {
		case "dtstart", "dtend", "dtstamp":
			parsed := parseDate(value, prop.params)
			if parsed != value {
				event[key+"_raw"] = value
			}
			value = parsed
		}
		event[key] = value
	}
	return event
}

// parseDate normalizes an ICS date or date-time value to YYYY-MM-DD.
// Time-of-day is intentionally discarded: work-block scheduling assigns its
// own start times. Unrecognized values pass through unchanged.
func parseDate(value, params string) string {
	if strings.Contains(params, "VALUE=DATE") || len(value) == 8 {
		if m := dateOnlyRe.FindStringSubmatch(value); m != nil {
			return m[1] + "-" + m[2] + "-" + m[3]
		}
	}
	if m := dateTimeRe.FindStringSubmatch(value); m != nil {
		return m[1] + "-" + m[2] + "-" + m[3]
	}
	return value
}
