package salesync

import (
	"fmt"
	"time"
)

// SyncLocation is the POS platform's business timezone. It has no daylight saving.
var SyncLocation = time.FixedZone("UTC-3", -3*60*60)

const dateLayout = "2006-01-02"

// Window is an inclusive sync period. Start and End carry their own offset so the
// instants are unambiguous.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ComputeTrailingWindow returns the last `days` calendar days in SyncLocation, today included:
// start at 00:00:00 of today-(days-1) and end at 23:59:59 of today.
func ComputeTrailingWindow(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	y, m, d := now.In(SyncLocation).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, SyncLocation)
	return Window{
		Start: today.AddDate(0, 0, -(days - 1)),
		End:   time.Date(y, m, d, 23, 59, 59, 0, SyncLocation),
	}
}

// StartDate is the window start as a calendar date in the window's own location.
func (w Window) StartDate() string { return w.Start.Format(dateLayout) }

// EndDate is the window end as a calendar date in the window's own location.
func (w Window) EndDate() string { return w.End.Format(dateLayout) }

// UTCStartDate and UTCEndDate are the window bounds as UTC calendar dates.
// A UTC-3 window spills one day past EndDate in these terms.
func (w Window) UTCStartDate() string { return w.Start.UTC().Format(dateLayout) }

func (w Window) UTCEndDate() string { return w.End.UTC().Format(dateLayout) }

// ContainsDate reports whether the UTC calendar date of t falls inside the window's
// UTC calendar dates, both ends inclusive. The upstream date filter is not trusted to be
// exact at the boundaries, so this check is authoritative.
func (w Window) ContainsDate(t time.Time) bool {
	day := t.UTC().Format(dateLayout)
	return day >= w.UTCStartDate() && day <= w.UTCEndDate()
}

func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.End.Before(w.Start)
}

// WindowFromDates builds a window from two YYYY-MM-DD dates in SyncLocation.
func WindowFromDates(startDay, endDay string) (Window, error) {
	s, err := time.ParseInLocation(dateLayout, startDay, SyncLocation)
	if err != nil {
		return Window{}, fmt.Errorf("start date %q: %w", startDay, err)
	}
	e, err := time.ParseInLocation(dateLayout, endDay, SyncLocation)
	if err != nil {
		return Window{}, fmt.Errorf("end date %q: %w", endDay, err)
	}
	w := Window{Start: s, End: e.Add(24*time.Hour - time.Second)}
	if !w.Valid() {
		return Window{}, fmt.Errorf("start date %s is after end date %s", startDay, endDay)
	}
	return w, nil
}

// timeOfDay is midnight UTC of a YYYY-MM-DD date.
func timeOfDay(day string) (time.Time, error) {
	return time.Parse(dateLayout, day)
}
