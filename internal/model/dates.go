package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

// timestampLayouts are tried in order by ParseFlexibleTime. The backend has
// emitted all of these over time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	dateLayout,
}

// ParseFlexibleTime parses a server timestamp in any of the known encodings:
// RFC 3339 with or without fractional seconds, naive date-times (read as
// UTC) and date-only values (midnight UTC).
func ParseFlexibleTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised timestamp %q", ErrDecode, s)
}

// Date is a calendar day without a zone, encoded as "YYYY-MM-DD".
type Date string

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// ParseDate accepts a date-only string or any timestamp ParseFlexibleTime
// understands, keeping only the calendar day.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	t, err := ParseFlexibleTime(s)
	if err != nil {
		return "", err
	}
	return DateOf(t), nil
}

// Time returns midnight of d in loc.
func (d Date) Time(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, string(d), loc)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d == "" }

// Before compares two non-empty dates lexically, which matches calendar order
// for the fixed layout.
func (d Date) Before(o Date) bool { return d < o }

// UnmarshalJSON accepts date-only strings and full timestamps.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: date: %v", ErrDecode, err)
	}
	if s == nil {
		*d = ""
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time encoded as "HH:MM".
type TimeOfDay string

// ParseTimeOfDay accepts "HH:MM", "HH:MM:SS" and "HH:MM:SS.ffffff" (the
// seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range []string{timeOfDayLayout, "15:04:05", "15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Format(timeOfDayLayout)), nil
		}
	}
	return "", fmt.Errorf("%w: unrecognised time of day %q", ErrDecode, s)
}

// On returns the instant at which t falls on day d in loc.
func (t TimeOfDay) On(d Date, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout+" "+timeOfDayLayout, string(d)+" "+string(t), loc)
}

// UnmarshalJSON accepts any layout ParseTimeOfDay understands.
func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: time of day: %v", ErrDecode, err)
	}
	if s == nil {
		*t = ""
		return nil
	}
	parsed, err := ParseTimeOfDay(*s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
