package models

import (
	"strings"
	"time"
)

// DateLayout is the ISO-8601 calendar date format used in every XML document
const DateLayout = "2006-01-02"

// PackageRecord represents one installed package in a target's ledger
type PackageRecord struct {
	Name        string
	Pixmap      string
	Title       string
	Description string
	Version     string

	Dependencies []string

	InstallDate    time.Time
	LastUpdateDate time.Time

	UncompressedSize uint64
}

// Equal reports whether two records carry the same data
func (p PackageRecord) Equal(o PackageRecord) bool {
	if p.Name != o.Name || p.Pixmap != o.Pixmap || p.Title != o.Title ||
		p.Description != o.Description || p.Version != o.Version ||
		p.UncompressedSize != o.UncompressedSize {
		return false
	}
	if !SameDate(p.InstallDate, o.InstallDate) || !SameDate(p.LastUpdateDate, o.LastUpdateDate) {
		return false
	}
	return strings.Join(p.Dependencies, ",") == strings.Join(o.Dependencies, ",")
}

// ParseDate parses a date in ISO-8601 form. Full RFC 3339 timestamps are
// accepted and truncated to their calendar date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}

// FormatDate formats t as an ISO-8601 calendar date, or "" for the zero time
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Date strips the clock part of t, keeping its calendar date in UTC
func Date(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar date
func Today() time.Time {
	return Date(time.Now())
}

// SameDate reports whether a and b fall on the same calendar date
func SameDate(a, b time.Time) bool {
	return Date(a).Equal(Date(b))
}
