package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SMSSettings is per-client messaging configuration. The engine consults
// it for business hours, the monthly SMS quota and the booking CTA; the
// CRUD screens that edit it are external.
type SMSSettings struct {
	ClientID           string
	BusinessHoursStart string
	BusinessHoursEnd   string
	Timezone           string
	MonthlySMSLimit    int
	SMSSentThisMonth   int
	BookingURL         string
}

// Window returns the configured business-hours window, or an error when
// the clock strings are malformed.
func (s *SMSSettings) Window() (BusinessWindow, error) {
	start, err := parseClock(s.BusinessHoursStart)
	if err != nil {
		return BusinessWindow{}, fmt.Errorf("business hours start: %w", err)
	}
	end, err := parseClock(s.BusinessHoursEnd)
	if err != nil {
		return BusinessWindow{}, fmt.Errorf("business hours end: %w", err)
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	return BusinessWindow{start: start, end: end, loc: loc}, nil
}

// BusinessWindow is a daily local-time window such as 09:00-18:00.
type BusinessWindow struct {
	start int // minutes since midnight
	end   int
	loc   *time.Location
}

// Contains reports whether t falls inside the window. The start is
// inclusive, the end exclusive.
func (w BusinessWindow) Contains(t time.Time) bool {
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start == w.end {
		// Degenerate window, treat as always open.
		return true
	}
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	// Overnight window, e.g. 20:00-04:00.
	return m >= w.start || m < w.end
}

// NextOpen returns the earliest instant at or after t that falls inside
// the window.
func (w BusinessWindow) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	local := t.In(w.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), w.start/60, w.start%60, 0, 0, w.loc)
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}
