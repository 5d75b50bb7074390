package ingest

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	dateLayout,
}

// ParseDate parses an optional YYYY-MM-DD value. Absent values return nil;
// malformed values are an error.
func ParseDate(n Node) (*time.Time, error) {
	if !n.Present() {
		return nil, nil
	}
	raw := n.String()
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return &t, nil
}

// ParseInvoiceDate is ParseDate with absence mapped to the processing day.
func ParseInvoiceDate(n Node, now time.Time) (time.Time, error) {
	t, err := ParseDate(n)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return *t, nil
}

// ParseTimestamp parses an ISO-8601 timestamp, defaulting to now when absent.
// Timestamps without a zone are read as UTC.
func ParseTimestamp(n Node, now time.Time) (time.Time, error) {
	if !n.Present() {
		return now, nil
	}
	raw := n.String()
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}
