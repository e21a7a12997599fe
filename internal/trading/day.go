package trading

import (
	"time"

	"github.com/camuig/cryptopump/internal/config"
)

// DayBoundary is the wall-clock time at which a trading day starts.
type DayBoundary struct {
	Hour     int
	Minute   int
	Location *time.Location
}

func DayBoundaryFromConfig(cfg *config.Config) DayBoundary {
	h, m := cfg.DailyResetClock()
	return DayBoundary{Hour: h, Minute: m, Location: cfg.Location()}
}

// Start returns the most recent boundary at or before now.
func (d DayBoundary) Start(now time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, mo, day := local.Date()
	start := time.Date(y, mo, day, d.Hour, d.Minute, 0, 0, loc)
	if start.After(local) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// Next returns the first boundary strictly after now.
func (d DayBoundary) Next(now time.Time) time.Time {
	return d.Start(now).AddDate(0, 0, 1)
}

// SameDay reports whether a and b fall in the same trading day.
func (d DayBoundary) SameDay(a, b time.Time) bool {
	return d.Start(a).Equal(d.Start(b))
}
