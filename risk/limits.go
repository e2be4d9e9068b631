// risk/limits.go
package risk

import (
	"fmt"
	"time"

	"auto_ibkr_go/config"

	"github.com/shopspring/decimal"
)

// Limits are the account-wide constraints enforced by the guardian.
// They are built once at start-up and never mutated.
type Limits struct {
	ExitTime         config.Clock
	HolidayExitTime  config.Clock
	HolidayDates     map[string]bool // keyed MM-DD
	Location         *time.Location
	TimerDisabled    bool
	MaxPositionSize  int64
	MaxOpenPositions int
	MaxTradesPerDay  int
	MaxDailyDrawdown decimal.Decimal
}

// DefaultLimits mirrors config.NewGuardianConfig.
func DefaultLimits() Limits {
	l, err := LimitsFromConfig(config.NewGuardianConfig())
	if err != nil {
		panic(err)
	}
	return l
}

// LimitsFromConfig validates the guardian block and converts it.
func LimitsFromConfig(c *config.GuardianConfig) (Limits, error) {
	if c == nil {
		return Limits{}, fmt.Errorf("guardian config missing")
	}
	if err := c.Validate(); err != nil {
		return Limits{}, err
	}
	loc, _ := time.LoadLocation(c.Timezone)
	exit, _ := config.ParseClock(c.ExitTime)
	holidayExit, _ := config.ParseClock(c.HolidayExitTime)

	dates := make(map[string]bool, len(c.HolidayDates))
	for _, d := range c.HolidayDates {
		dates[d] = true
	}
	return Limits{
		ExitTime:         exit,
		HolidayExitTime:  holidayExit,
		HolidayDates:     dates,
		Location:         loc,
		TimerDisabled:    c.TurnOffTimer,
		MaxPositionSize:  c.MaxPositionSize,
		MaxOpenPositions: c.MaxOpenPositions,
		MaxTradesPerDay:  c.MaxTradesPerDay,
		MaxDailyDrawdown: decimal.NewFromFloat(c.MaxDailyDrawdown),
	}, nil
}

// CutoffOn returns the exit time for the venue-local date of now.
// Holiday dates use the early-close time.
func (l Limits) CutoffOn(now time.Time) time.Time {
	loc := l.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	clock := l.ExitTime
	if l.HolidayDates[local.Format("01-02")] {
		clock = l.HolidayExitTime
	}
	return time.Date(local.Year(), local.Month(), local.Day(), clock.Hour, clock.Minute, 0, 0, loc)
}

// PastCutoff reports whether now is strictly after the day's exit time.
func (l Limits) PastCutoff(now time.Time) bool {
	if l.TimerDisabled {
		return false
	}
	return now.After(l.CutoffOn(now))
}
