// Package markethours answers session-timing questions (pre-market
// warm-up, next open, time until close) against a calendar.Calendar,
// reading holidays and special sessions from a file the operator
// updates per year rather than a hardcoded table.
package markethours

import (
	"fmt"
	"time"

	"nse-volharvester/internal/calendar"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = calendar.IST

// Pre-market warm-up timing.
const (
	PreOpenMinutesBefore   = 5 // wake 5 min before open for login/re-auth
	WSConnectMinutesBefore = 1 // connect the feed 1 min before open
)

// IsMarketOpen returns true if t falls within cal's session hours for its
// trading day.
func IsMarketOpen(cal *calendar.Calendar, t time.Time) bool {
	if !cal.IsTradingDay(t) {
		return false
	}
	open, close, err := cal.SessionHours(t)
	if err != nil {
		return false
	}
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next session open at or after t: today's open if t
// precedes it on a trading day, else the open of the next trading day.
func NextOpen(cal *calendar.Calendar, t time.Time) (time.Time, error) {
	ist := t.In(IST)

	if cal.IsTradingDay(ist) {
		open, _, err := cal.SessionHours(ist)
		if err != nil {
			return time.Time{}, err
		}
		if ist.Before(open) {
			return open, nil
		}
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 15; i++ {
		if cal.IsTradingDay(d) {
			open, _, err := cal.SessionHours(d)
			return open, err
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("markethours: no trading day found within 15 days of %s", ist)
}

// NextPreOpen returns the warm-up instant PreOpenMinutesBefore ahead of the
// next session open.
func NextPreOpen(cal *calendar.Calendar, t time.Time) (time.Time, error) {
	open, err := NextOpen(cal, t)
	if err != nil {
		return time.Time{}, err
	}
	return open.Add(-time.Duration(PreOpenMinutesBefore) * time.Minute), nil
}

// WSConnectTime returns the feed-connect instant relative to a session open.
func WSConnectTime(openTime time.Time) time.Time {
	return openTime.Add(-time.Duration(WSConnectMinutesBefore) * time.Minute)
}

// TimeUntilClose returns the duration until close. Returns 0 if t is
// already at or past close.
func TimeUntilClose(t, close time.Time) time.Duration {
	d := close.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable market status for logging.
func StatusString(cal *calendar.Calendar, t time.Time) string {
	if IsMarketOpen(cal, t) {
		_, close, err := cal.SessionHours(t)
		if err == nil {
			return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(t, close)))
		}
	}
	next, err := NextOpen(cal, t)
	if err != nil {
		return "Market status unknown"
	}
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
