// Package calendar loads the yearly holiday/special-session file and
// answers trading-day and session-hours questions from it, replacing the
// hardcoded NSE holiday table with a file the operator can update per year.
package calendar

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Holiday is one full-day market closure.
type Holiday struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

// SpecialSession is a non-standard trading day with its own open/close.
type SpecialSession struct {
	Date  string `json:"date"`
	Name  string `json:"name"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type calendarFile struct {
	Holidays        []Holiday        `json:"holidays"`
	SpecialSessions []SpecialSession `json:"special_sessions"`
}

// Calendar answers session-hours questions for one loaded year file. A date
// present in both holidays and special_sessions is treated as a special
// session — the special session overrides the holiday.
type Calendar struct {
	holidays map[string]string
	special  map[string]SpecialSession
}

// Load reads holidays_YYYY.json from path.
func Load(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calendar: read %s: %w", path, err)
	}
	var cf calendarFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("calendar: parse %s: %w", path, err)
	}

	c := &Calendar{
		holidays: make(map[string]string, len(cf.Holidays)),
		special:  make(map[string]SpecialSession, len(cf.SpecialSessions)),
	}
	for _, h := range cf.Holidays {
		c.holidays[h.Date] = h.Name
	}
	for _, s := range cf.SpecialSessions {
		c.special[s.Date] = s
		delete(c.holidays, s.Date)
	}
	return c, nil
}

// Empty returns a Calendar with no holidays or special sessions, used when
// no calendar file is configured.
func Empty() *Calendar {
	return &Calendar{holidays: map[string]string{}, special: map[string]SpecialSession{}}
}

func dateKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}

// IsHoliday reports whether t's IST calendar date is a full-day holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[dateKey(t)]
	return ok
}

// SpecialSessionFor returns the special session for t's date, if any.
func (c *Calendar) SpecialSessionFor(t time.Time) (SpecialSession, bool) {
	s, ok := c.special[dateKey(t)]
	return s, ok
}

// IsTradingDay reports whether t is a weekday that is either a special
// session or not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if _, ok := c.SpecialSessionFor(t); ok {
		return true
	}
	return !c.IsHoliday(t)
}

// SessionHours returns the open/close instants for t's calendar date: the
// special session's times if one is configured, else the standard
// 09:15-15:30 IST session.
func (c *Calendar) SessionHours(t time.Time) (open, close time.Time, err error) {
	ist := t.In(IST)
	if s, ok := c.SpecialSessionFor(ist); ok {
		open, err = parseClock(ist, s.Open)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("calendar: special session %s open: %w", s.Date, err)
		}
		close, err = parseClock(ist, s.Close)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("calendar: special session %s close: %w", s.Date, err)
		}
		return open, close, nil
	}
	open = time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	close = time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
	return open, close, nil
}

func parseClock(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", hhmm, IST)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, IST), nil
}
