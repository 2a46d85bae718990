package ledger

import (
	"time"

	"offer-decisioning-api/internal/models"
)

// WindowStart returns the start of the capping window that contains t.
// Daily windows start at local midnight, weekly windows on the most recent
// Sunday and monthly windows on the 1st. Lifetime windows have no start and
// return the zero time.
func WindowStart(period models.FrequencyPeriod, t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch period {
	case models.PeriodDaily:
		return midnight
	case models.PeriodWeekly:
		return midnight.AddDate(0, 0, -int(midnight.Weekday()))
	case models.PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}

// windowEnd returns the start of the window following the one starting at start.
func windowEnd(period models.FrequencyPeriod, start time.Time) time.Time {
	switch period {
	case models.PeriodDaily:
		return start.AddDate(0, 0, 1)
	case models.PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return time.Time{}
}

// windowedPeriods are the periods tracked per (offer, contact) besides lifetime.
var windowedPeriods = []models.FrequencyPeriod{
	models.PeriodDaily,
	models.PeriodWeekly,
	models.PeriodMonthly,
}
