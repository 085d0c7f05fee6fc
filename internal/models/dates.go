package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateLayout is the canonical rendering of publication dates.
const DateLayout = "2006-01-02"

var (
	fullDatePattern  = regexp.MustCompile(`(\d{4})\s*[-./년]\s*(\d{1,2})\s*[-./월]\s*(\d{1,2})`)
	shortDatePattern = regexp.MustCompile(`(?:^|[^\d])(\d{2})[-./](\d{1,2})[-./](\d{1,2})(?:[^\d]|$)`)
	yearTokenPattern = regexp.MustCompile(`(?:^|[^\d])\d{4}(?:[^\d]|$)`)
)

// ParseDate parses a board date string. Site layouts are tried first, then
// YYYY-MM-DD style dates with '-', '.', '/' or Korean separators, then
// two-digit-year variants read as 20YY, then a free-form parse that is only
// attempted when a four-digit year token is present.
//
// The result is nil when nothing matches. Callers must treat nil as unknown.
func ParseDate(raw string, layouts ...string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t.Year(), int(t.Month()), t.Day())
		}
	}

	if m := fullDatePattern.FindStringSubmatch(s); m != nil {
		if t := build(m[1], m[2], m[3], 0); t != nil {
			return t
		}
	}

	if m := shortDatePattern.FindStringSubmatch(s); m != nil {
		if t := build(m[1], m[2], m[3], 2000); t != nil {
			return t
		}
	}

	if !yearTokenPattern.MatchString(s) {
		return nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	return dateOnly(t.Year(), int(t.Month()), t.Day())
}

// FormatDate renders d as YYYY-MM-DD, or "" for an unknown date.
func FormatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(DateLayout)
}

func build(ys, ms, ds string, century int) *time.Time {
	y, err1 := strconv.Atoi(ys)
	m, err2 := strconv.Atoi(ms)
	d, err3 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	y += century
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return nil
	}
	t := dateOnly(y, m, d)
	// time.Date normalizes 2024-02-31 to March; reject it instead.
	if t.Day() != d || int(t.Month()) != m {
		return nil
	}
	return t
}

func dateOnly(y, m, d int) *time.Time {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return &t
}
