package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// timestampLayouts are tried in order when the date-range filter parses a
// mapped timestamp column.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// Evaluate applies the configured quality filters and classifies the sender
// role for one row. It is a pure function over (row, mapping, config): no
// input is mutated.
//
// Checks short-circuit in order: message column present, minimum message
// length, minimum character count, required status value, date range. A row
// whose message column cannot be resolved is an error, not a filter.
func Evaluate(row Row, mapping Mapping, cfg *ProcessingConfig) (FilterOutcome, error) {
	col, ok := mapping[TargetMessageContent]
	if !ok || col == "" {
		return FilterOutcome{}, fmt.Errorf("no message content field mapped")
	}

	content, ok := row[col]
	if !ok {
		return FilterOutcome{}, fmt.Errorf("column %q not present in row", col)
	}

	if cfg.MinMessageLength > 0 && len(content) < cfg.MinMessageLength {
		return FilterOutcome{Filtered: true, FilterReason: ReasonMinLength}, nil
	}

	if cfg.MinCharacterCount > 0 && countCharacters(content) < cfg.MinCharacterCount {
		return FilterOutcome{Filtered: true, FilterReason: ReasonMinCharacters}, nil
	}

	if cfg.ResolvedStatusValue != "" {
		if status, ok := lookupField(row, mapping, TargetStatus, cfg.ResolvedStatusField); ok {
			if !strings.EqualFold(strings.TrimSpace(status), cfg.ResolvedStatusValue) {
				return FilterOutcome{Filtered: true, FilterReason: ReasonStatus}, nil
			}
		}
	}

	if cfg.DateRangeStart != nil || cfg.DateRangeEnd != nil {
		if raw, ok := lookupField(row, mapping, TargetTimestamp, ""); ok {
			if ts, ok := parseTimestamp(raw); ok {
				if cfg.DateRangeStart != nil && ts.Before(*cfg.DateRangeStart) {
					return FilterOutcome{Filtered: true, FilterReason: ReasonDateRange}, nil
				}
				if cfg.DateRangeEnd != nil && ts.After(*cfg.DateRangeEnd) {
					return FilterOutcome{Filtered: true, FilterReason: ReasonDateRange}, nil
				}
			}
		}
	}

	return FilterOutcome{Role: classifyRole(row, mapping, cfg), Content: content}, nil
}

// classifyRole resolves the sender role from the mapped role column.
// Comparison is a case-insensitive substring match; agent wins over
// customer when both would match.
func classifyRole(row Row, mapping Mapping, cfg *ProcessingConfig) Role {
	raw, ok := lookupField(row, mapping, TargetSenderRole, cfg.RoleIdentifierField)
	if !ok {
		return RoleUnknown
	}

	value := strings.ToLower(raw)
	if cfg.AgentRoleValue != "" && strings.Contains(value, strings.ToLower(cfg.AgentRoleValue)) {
		return RoleAgent
	}
	if cfg.CustomerRoleValue != "" && strings.Contains(value, strings.ToLower(cfg.CustomerRoleValue)) {
		return RoleCustomer
	}
	return RoleUnknown
}

// lookupField reads the column mapped to target, falling back to an
// explicitly configured column name.
func lookupField(row Row, mapping Mapping, target, fallbackColumn string) (string, bool) {
	if col, ok := mapping[target]; ok && col != "" {
		v, ok := row[col]
		return v, ok
	}
	if fallbackColumn != "" {
		v, ok := row[fallbackColumn]
		return v, ok
	}
	return "", false
}

// countCharacters counts letters and digits, ignoring whitespace and
// punctuation.
func countCharacters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// metadataFromRow builds the auxiliary metadata for a processed record from
// the mapped ticket id, subject and timestamp columns.
func metadataFromRow(row Row, mapping Mapping) Metadata {
	meta := Metadata{}
	if v, ok := lookupField(row, mapping, TargetTicketID, ""); ok {
		meta.TicketID = v
	}
	if v, ok := lookupField(row, mapping, TargetSubject, ""); ok {
		meta.Subject = v
	}
	if v, ok := lookupField(row, mapping, TargetTimestamp, ""); ok {
		meta.Timestamp = v
	}
	return meta
}
