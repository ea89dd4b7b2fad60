// Package animator sequences the "show the current time" animation on a single nixie tube: a
// countdown from 9 to 0, then the hour and minute digits one at a time, repeated with a pause in
// between.
//
// The animator does no timekeeping of its own.  The owner calls Handle with the number of
// milliseconds since the previous call, and ShowTime to start (or restart) a run.  Both must be
// called from the same goroutine.
package animator

import (
	"fmt"
	"log"
	"time"

	"github.com/jrockway/nixie-clock/control/led"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// State is the animation step that Handle is working on.
type State int

const (
	Idle State = iota
	Init
	Intro
	ShowTime
	Pause
	Cleanup
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Init:
		return "init"
	case Intro:
		return "intro"
	case ShowTime:
		return "show-time"
	case Pause:
		return "pause"
	case Cleanup:
		return "cleanup"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tube is the nixie tube being animated.
type Tube interface {
	ShowDigit(d int) error
	HideDigit() error
}

// Backlight is the LED under the tube.  *led.Envelope implements it.
type Backlight interface {
	Info() led.Info
	SetInfo(led.Info) bool
	SetOverride(led.Info)
	ClearOverride()
	Lock()
	Unlock()
}

// Timing is how long each part of the animation lasts, in milliseconds.
type Timing struct {
	IntroDigitPeriod uint32
	DigitDuration    uint32
	PauseDuration    uint32
}

// DefaultTiming is the timing the clock ships with.
var DefaultTiming = Timing{IntroDigitPeriod: 50, DigitDuration: 300, PauseDuration: 2000}

// frames in one pass over the time: four digits, each followed by a blank.
const showFrames = 8

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animator_runs_started",
		Help: "number of time animations that were requested",
	})
	runsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animator_runs_skipped_asleep",
		Help: "number of time animations that were skipped because the clock was asleep",
	})
	runsPreempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animator_runs_preempted",
		Help: "number of time animations that were restarted before they finished",
	})
	digitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animator_digit_write_errors",
		Help: "number of failed writes to the nixie tube",
	})
)

// Animator is the time display state machine.  It is not safe for concurrent use.
type Animator struct {
	tube      Tube
	backlight Backlight
	timing    Timing
	events    trace.EventLog

	// Asleep, if non-nil, is consulted when a run starts.  A run that starts asleep turns the
	// backlight off instead of animating.
	Asleep func(time.Time) bool

	// Restore, if non-nil, is called after a run ends and the backlight is released, so the owner
	// can apply LED settings that arrived while the run held the lock.
	Restore func()

	// Hour12 shows hours as 1-12 instead of 0-23.
	Hour12 bool

	state     State
	tick      uint32
	frame     int
	repeat    int
	repeats   int
	digits    [4]int
	now       time.Time
	digitErrs bool
}

// New returns an idle Animator.
func New(tube Tube, backlight Backlight, timing Timing) *Animator {
	return &Animator{
		tube:      tube,
		backlight: backlight,
		timing:    timing,
		events:    trace.NewEventLog("clock", "animator"),
	}
}

// State returns the current state.
func (a *Animator) State() State {
	return a.state
}

// Digits returns the four digits of t in the order the animation shows them.
func Digits(t time.Time, hour12 bool) [4]int {
	h, m := t.Hour(), t.Minute()
	if hour12 {
		h %= 12
		if h == 0 {
			h = 12
		}
	}
	return [4]int{h / 10, h % 10, m / 10, m % 10}
}

// ShowTime starts an animation of now, shown repeat times.  A run already in progress is abandoned.
func (a *Animator) ShowTime(now time.Time, repeat int) {
	if a.state != Idle {
		runsPreempted.Inc()
		a.events.Printf("preempting run of %s in state %v", a.now.Format("15:04"), a.state)
	}
	if repeat < 1 {
		repeat = 1
	}
	runsStarted.Inc()
	a.now = now
	a.repeats = repeat
	a.digits = Digits(now, a.Hour12)
	a.reset()
	a.digitErrs = false
	a.state = Init
	a.events.Printf("show %s x%d", now.Format("15:04"), repeat)
}

func (a *Animator) reset() {
	a.tick = 0
	a.frame = 0
	a.repeat = 0
}

func (a *Animator) show(d int) {
	a.check(a.tube.ShowDigit(d))
}

func (a *Animator) hide() {
	a.check(a.tube.HideDigit())
}

// check logs the first digit write error of each run; the rest are only counted.
func (a *Animator) check(err error) {
	if err == nil {
		return
	}
	digitErrors.Inc()
	if !a.digitErrs {
		a.digitErrs = true
		log.Printf("animator: %v", err)
		a.events.Errorf("%v", err)
	}
}

// Handle advances the state machine by elapsed milliseconds.
func (a *Animator) Handle(elapsed uint32) {
	if a.state == Idle {
		return
	}
	a.tick += elapsed

	switch a.state {
	case Init:
		a.reset()
		if a.Asleep != nil && a.Asleep(a.now) {
			runsSkipped.Inc()
			a.backlight.Unlock()
			a.backlight.ClearOverride()
			a.hide()
			info := a.backlight.Info()
			info.State = led.Off
			a.backlight.SetInfo(info)
			a.state = Idle
			a.events.Printf("asleep; backlight off")
			return
		}
		info := a.backlight.Info()
		if info.State > led.On {
			info.State = led.On
			a.backlight.SetOverride(info)
		} else {
			a.backlight.ClearOverride()
		}
		a.backlight.Lock()
		a.state = Intro

	case Intro:
		if a.tick < a.timing.IntroDigitPeriod {
			return
		}
		a.tick = 0
		if a.frame > 9 {
			a.frame = 0
			a.hide()
			a.state = ShowTime
			return
		}
		a.show(9 - a.frame)
		a.frame++

	case ShowTime:
		if a.tick < a.timing.DigitDuration {
			return
		}
		a.tick = 0
		switch {
		case a.frame == showFrames-1:
			a.hide()
			a.frame = 0
			a.state = Pause
			return
		case a.frame%2 == 0:
			a.show(a.digits[a.frame/2])
		default:
			a.hide()
		}
		a.frame++

	case Pause:
		if a.repeat >= a.repeats-1 {
			a.state = Cleanup
			return
		}
		if a.tick < a.timing.PauseDuration {
			return
		}
		a.tick = 0
		a.repeat++
		a.state = ShowTime

	case Cleanup:
		a.backlight.Unlock()
		a.backlight.ClearOverride()
		a.reset()
		a.state = Idle
		a.events.Printf("done")
		if a.Restore != nil {
			a.Restore()
		}
	}
}
