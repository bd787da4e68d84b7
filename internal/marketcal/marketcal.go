// Package marketcal provides US equity market calendar math: trading-day
// checks, days-to-expiration, and Friday expiration stepping. The broker's
// market clock stays authoritative for "is the market open right now";
// this package covers offline date math.
package marketcal

import (
	"fmt"
	"time"
)

// eastern is the exchange timezone.
var eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Eastern returns the exchange timezone.
func Eastern() *time.Location {
	return eastern
}

// marketHolidays are full-day NYSE closures. Dates are YYYY-MM-DD in ET.
// Extend annually.
var marketHolidays = map[string]bool{
	// 2025
	"2025-01-01": true, // New Year's Day
	"2025-01-20": true, // MLK Day
	"2025-02-17": true, // Presidents Day
	"2025-04-18": true, // Good Friday
	"2025-05-26": true, // Memorial Day
	"2025-06-19": true, // Juneteenth
	"2025-07-04": true, // Independence Day
	"2025-09-01": true, // Labor Day
	"2025-11-27": true, // Thanksgiving
	"2025-12-25": true, // Christmas
	// 2026
	"2026-01-01": true,
	"2026-01-19": true,
	"2026-02-16": true,
	"2026-04-03": true,
	"2026-05-25": true,
	"2026-06-19": true,
	"2026-07-03": true, // Independence Day observed
	"2026-09-07": true,
	"2026-11-26": true,
	"2026-12-25": true,
}

// IsTradingDay reports whether the given instant falls on a weekday that
// is not a full-day market holiday.
func IsTradingDay(t time.Time) bool {
	local := t.In(eastern)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !marketHolidays[local.Format("2006-01-02")]
}

// DTE returns whole calendar days from now until the expiration date
// (YYYY-MM-DD), both evaluated in ET. Same-day expiration is 0.
func DTE(now time.Time, expiration string) (int, error) {
	exp, err := time.ParseInLocation("2006-01-02", expiration, eastern)
	if err != nil {
		return 0, fmt.Errorf("invalid expiration %q: %w", expiration, err)
	}
	nowLocal := now.In(eastern)
	today := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, eastern)
	days := int(exp.Sub(today).Hours() / 24)
	return days, nil
}

// FridayExpirations returns YYYY-MM-DD dates for Fridays whose DTE falls
// within [minDte, maxDte], capped at limit. A Friday that is a market
// holiday steps back to Thursday, matching listed weekly expirations.
func FridayExpirations(now time.Time, minDte, maxDte, limit int) []string {
	if limit <= 0 || minDte > maxDte {
		return nil
	}
	nowLocal := now.In(eastern)
	today := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, eastern)

	// First Friday on or after today.
	d := today
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}

	var out []string
	for len(out) < limit {
		dte := int(d.Sub(today).Hours() / 24)
		if dte > maxDte {
			break
		}
		if dte >= minDte {
			exp := d
			if marketHolidays[exp.Format("2006-01-02")] {
				exp = exp.AddDate(0, 0, -1)
			}
			out = append(out, exp.Format("2006-01-02"))
		}
		d = d.AddDate(0, 0, 7)
	}
	return out
}

// AfterCutoff reports whether the ET wall-clock time of now is at or past
// the "HH:MM" cutoff.
func AfterCutoff(now time.Time, cutoff string) (bool, error) {
	c, err := time.ParseInLocation("15:04", cutoff, eastern)
	if err != nil {
		return false, fmt.Errorf("invalid cutoff %q: %w", cutoff, err)
	}
	local := now.In(eastern)
	nowMin := local.Hour()*60 + local.Minute()
	cutMin := c.Hour()*60 + c.Minute()
	return nowMin >= cutMin, nil
}
