// Package sleep decides whether the clock should be dark at a given time of day.
package sleep

import (
	"errors"
	"fmt"
	"time"
)

// MinutesPerDay is one more than the largest valid minute of the day.
const MinutesPerDay = 24 * 60

// ErrInvalidWindow is returned when a window refers to a minute that doesn't exist.
var ErrInvalidWindow = errors.New("invalid sleep window")

// Window is the configured sleep schedule, in minutes since local midnight.
//
// When Before < After, the clock is awake between Before and After and asleep outside.  Otherwise
// the window wraps midnight and the clock is asleep strictly between After and Before.  Equal values
// disable sleep.
type Window struct {
	Before uint16 `json:"sleep_before"`
	After  uint16 `json:"sleep_after"`
}

// Validate checks that both ends of the window are minutes of the day.
func (w Window) Validate() error {
	if w.Before >= MinutesPerDay {
		return fmt.Errorf("%w: sleep_before %d out of range", ErrInvalidWindow, w.Before)
	}
	if w.After >= MinutesPerDay {
		return fmt.Errorf("%w: sleep_after %d out of range", ErrInvalidWindow, w.After)
	}
	return nil
}

// Disabled returns true if the window never puts the clock to sleep.
func (w Window) Disabled() bool {
	return w.Before == w.After
}

// Asleep returns whether the clock sleeps at t.  t should already be in the clock's time zone.
func (w Window) Asleep(t time.Time) bool {
	return IsAsleep(MinuteOfDay(t), int(w.Before), int(w.After))
}

// MinuteOfDay returns the number of minutes since midnight of t, in t's location.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsAsleep returns whether the minute of day now falls in the sleep part of the window described
// by before and after.  Boundaries are awake.
func IsAsleep(now, before, after int) bool {
	if before < after {
		return now < before || now > after
	}
	return now < before && now > after
}
