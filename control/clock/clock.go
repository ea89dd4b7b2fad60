// Package clock runs the nixie clock: it advances the backlight envelope, drives the time
// animation, shows the time at the top of every minute, and turns everything off while the clock
// is asleep.
package clock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jrockway/nixie-clock/control/animator"
	"github.com/jrockway/nixie-clock/control/api"
	"github.com/jrockway/nixie-clock/control/config"
	"github.com/jrockway/nixie-clock/control/led"
	"github.com/jrockway/nixie-clock/control/sleep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between seconds tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	sleepGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clock_asleep",
		Help: "1 if the clock is in its sleep window",
	})

	minuteTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_minute_triggers",
		Help: "number of times the time was shown because a new minute started",
	})
)

// Tick sends the current time to the provided channel at the exact instant that the seconds change.
// An absent listener will not receive an outdated time; the tick will be skipped and the
// missedTicksCounter incremented.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, ch chan time.Time) error {
	for {
		nextSecond := time.Now().Add(time.Second).Truncate(time.Second)

		// Wait until the next second starts.
		select {
		case <-time.After(time.Until(nextSecond)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next second: %w", ctx.Err())
		}

		// Send the time to the channel.
		select {
		case <-time.After(500 * time.Millisecond):
			missedTicksCounter.Inc()
		case <-ctx.Done():
			return fmt.Errorf("waiting to send tick: %w", ctx.Err())
		case ch <- nextSecond:
			tickDelayMetric.Observe(float64(time.Since(nextSecond).Nanoseconds()))
		}
	}
}

// TimeSource is where the clock gets the time.  *timesource.Arbiter implements it.
type TimeSource interface {
	// Now returns the current time and whether it can be trusted.
	Now() (time.Time, bool)
	Set(t time.Time) error
}

// Store persists user settings.  *config.Store implements it.
type Store interface {
	LoadLedInfo() (led.Info, bool)
	SaveLedInfo(led.Info) error
	LoadSleepInfo() (sleep.Window, bool)
	SaveSleepInfo(sleep.Window) error
	LoadTimeInfo() (config.TimeInfo, bool)
	SaveTimeInfo(config.TimeInfo) error
}

// Options configures a Clock.
type Options struct {
	Tube  animator.Tube
	LED   *led.Envelope
	Time  TimeSource
	Store Store

	Timing         animator.Timing
	RepeatTimes    int           // How many times the time is shown at the top of each minute.
	EnvelopePeriod time.Duration // How often the backlight envelope advances.
}

type showRequest struct {
	t      time.Time
	repeat int
}

// Clock ties the backlight, the tube and the time together.
type Clock struct {
	led            *led.Envelope
	time           TimeSource
	store          Store
	anim           *animator.Animator
	repeatTimes    int
	envelopePeriod time.Duration
	events         trace.EventLog

	showCh    chan showRequest
	recheckCh chan struct{}

	mu       sync.Mutex
	sleep    sleep.Window    // must hold mu
	timeInfo config.TimeInfo // must hold mu
	loc      *time.Location  // must hold mu
	ledInfo  led.Info        // must hold mu; the last saved LED settings.

	// Only touched by the goroutine running Run.
	asleep      bool
	sleepKnown  bool
	lastTrigger time.Time
	ledFailing  bool
}

// New returns a Clock, reading its sleep and time zone settings from the store.
func New(o Options) *Clock {
	if o.RepeatTimes < 1 {
		o.RepeatTimes = 1
	}
	if o.EnvelopePeriod <= 0 {
		o.EnvelopePeriod = 4 * time.Millisecond
	}
	c := &Clock{
		led:            o.LED,
		time:           o.Time,
		store:          o.Store,
		anim:           animator.New(o.Tube, o.LED, o.Timing),
		repeatTimes:    o.RepeatTimes,
		envelopePeriod: o.EnvelopePeriod,
		events:         trace.NewEventLog("clock", "sleep"),
		showCh:         make(chan showRequest, 1),
		recheckCh:      make(chan struct{}, 1),
		timeInfo:       config.DefaultTimeInfo(),
		loc:            time.UTC,
		ledInfo:        led.Info{State: led.Off},
	}
	if info, ok := o.Store.LoadLedInfo(); ok {
		c.ledInfo = info
	}
	if w, ok := o.Store.LoadSleepInfo(); ok {
		c.sleep = w
	}
	if ti, ok := o.Store.LoadTimeInfo(); ok {
		c.setTimeInfo(ti)
	}
	c.anim.Asleep = func(t time.Time) bool {
		if _, ok := c.time.Now(); !ok {
			return false
		}
		return c.sleepAt(t)
	}
	c.anim.Restore = c.applyLedInfo
	return c
}

func (c *Clock) setTimeInfo(ti config.TimeInfo) {
	loc, err := ti.Location()
	if err != nil {
		log.Printf("clock: %v; using UTC", err)
		loc = time.UTC
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeInfo = ti
	c.loc = loc
}

func (c *Clock) location() *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

func (c *Clock) hour12() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeInfo.Format == config.Hour12
}

// sleepAt returns whether t is in the sleep window, in the clock's time zone.
func (c *Clock) sleepAt(t time.Time) bool {
	c.mu.Lock()
	w, loc := c.sleep, c.loc
	c.mu.Unlock()
	return w.Asleep(t.In(loc))
}

// asleepNow returns whether the clock should be asleep right now.  Without a trustworthy time, it
// is awake.
func (c *Clock) asleepNow() bool {
	now, ok := c.time.Now()
	if !ok {
		return false
	}
	return c.sleepAt(now)
}

// applyLedInfo shows the saved LED settings, or turns the LED off if the clock is asleep.  It does
// nothing while an animation holds the backlight.  It runs on the tick path, so it never touches
// the store.
func (c *Clock) applyLedInfo() {
	c.mu.Lock()
	info := c.ledInfo
	c.mu.Unlock()
	if c.asleepNow() {
		info.State = led.Off
	}
	c.led.SetInfo(info)
}

// ShowTime asks the run loop to show t, repeat times.  A request that hasn't been picked up yet is
// replaced.
func (c *Clock) ShowTime(t time.Time, repeat int) {
	req := showRequest{t: t, repeat: repeat}
	for {
		select {
		case c.showCh <- req:
			return
		default:
		}
		select {
		case <-c.showCh:
		default:
		}
	}
}

// ShowCurrentTime shows the current time, if it is known.
func (c *Clock) ShowCurrentTime(repeat int) bool {
	now, ok := c.time.Now()
	if !ok {
		return false
	}
	c.ShowTime(now, repeat)
	return true
}

// RecheckSleep asks the run loop to re-evaluate the sleep window, for example because the time
// jumped.
func (c *Clock) RecheckSleep() {
	select {
	case c.recheckCh <- struct{}{}:
	default:
	}
}

// Run runs the clock until the context is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	tickErrCh := make(chan error)
	tickCh := make(chan time.Time)
	go func() {
		err := Tick(ctx, tickCh)
		select {
		case tickErrCh <- err:
		case <-ctx.Done():
		}
		close(tickErrCh)
		close(tickCh)
	}()

	fast := time.NewTicker(time.Millisecond)
	defer fast.Stop()
	envLast := time.Now()
	animLast := envLast
	c.recheck()
	for {
		select {
		case now := <-fast.C:
			if now.Sub(envLast) >= c.envelopePeriod {
				envLast = now
				c.advance()
			}
			if ms := now.Sub(animLast) / time.Millisecond; ms > 0 {
				animLast = animLast.Add(ms * time.Millisecond)
				c.anim.Handle(uint32(ms))
			}
		case _, ok := <-tickCh:
			if !ok {
				tickCh = nil
				continue
			}
			c.second()
		case err, ok := <-tickErrCh:
			if !ok {
				tickErrCh = nil
				continue
			}
			return fmt.Errorf("ticker: %w", err)
		case <-c.recheckCh:
			c.recheck()
		case req := <-c.showCh:
			c.show(req.t, req.repeat)
		case <-ctx.Done():
			return fmt.Errorf("run clock: %w", ctx.Err())
		}
	}
}

// advance steps the backlight envelope, logging the first failure of each run of failures.
func (c *Clock) advance() {
	if err := c.led.Advance(); err != nil {
		if !c.ledFailing {
			log.Printf("clock: %v", err)
		}
		c.ledFailing = true
		return
	}
	if c.ledFailing {
		log.Printf("clock: backlight writes recovered")
	}
	c.ledFailing = false
}

func (c *Clock) show(t time.Time, repeat int) {
	c.anim.Hour12 = c.hour12()
	c.anim.ShowTime(t.In(c.location()), repeat)
}

// second handles the start of a second.
func (c *Clock) second() {
	now, ok := c.time.Now()
	if !ok {
		return
	}
	now = now.Round(time.Second)
	c.checkSleep(now)
	local := now.In(c.location())
	if local.Second() != 0 || c.asleep {
		return
	}
	minute := local.Truncate(time.Minute)
	if minute.Equal(c.lastTrigger) {
		return
	}
	c.lastTrigger = minute
	minuteTriggers.Inc()
	c.show(local, c.repeatTimes)
}

func (c *Clock) recheck() {
	c.sleepKnown = false
	if now, ok := c.time.Now(); ok {
		c.checkSleep(now)
	}
}

// checkSleep applies the LED settings when the clock falls asleep or wakes up.
func (c *Clock) checkSleep(now time.Time) {
	asleep := c.sleepAt(now)
	if c.sleepKnown && asleep == c.asleep {
		return
	}
	c.sleepKnown = true
	c.asleep = asleep
	if asleep {
		sleepGauge.Set(1)
		c.events.Printf("asleep at %v", now.In(c.location()).Format("15:04"))
	} else {
		sleepGauge.Set(0)
		c.events.Printf("awake at %v", now.In(c.location()).Format("15:04"))
	}
	c.applyLedInfo()
}

// Features implements api.Clock.
func (c *Clock) Features() api.Feature {
	return api.FeatureLED | api.FeatureSleep | api.FeatureTimeZone | api.FeatureSetTime
}

// OnGetLedInfo implements api.Clock.
func (c *Clock) OnGetLedInfo() (led.Info, error) {
	info, ok := c.store.LoadLedInfo()
	if !ok {
		return led.Info{}, fmt.Errorf("led info: %w", api.ErrNotFound)
	}
	return info, nil
}

// OnSetLedInfo saves the new LED settings, then shows them unless the clock is asleep.  During an
// animation they become visible when it finishes.
func (c *Clock) OnSetLedInfo(info led.Info) error {
	var saveErr error
	if err := c.store.SaveLedInfo(info); err != nil {
		saveErr = fmt.Errorf("save led info: %w", err)
	} else {
		c.mu.Lock()
		c.ledInfo = info
		c.mu.Unlock()
	}
	if !c.asleepNow() {
		c.led.SetInfo(info)
	}
	return saveErr
}

// OnGetSleepInfo implements api.Clock.
func (c *Clock) OnGetSleepInfo() (sleep.Window, error) {
	w, ok := c.store.LoadSleepInfo()
	if !ok {
		return sleep.Window{}, fmt.Errorf("sleep info: %w", api.ErrNotFound)
	}
	return w, nil
}

// OnSetSleepInfo saves and applies a new sleep window.
func (c *Clock) OnSetSleepInfo(w sleep.Window) error {
	if err := c.store.SaveSleepInfo(w); err != nil {
		return fmt.Errorf("save sleep info: %w", err)
	}
	c.mu.Lock()
	c.sleep = w
	c.mu.Unlock()
	c.applyLedInfo()
	c.RecheckSleep()
	return nil
}

// OnGetTimeInfo implements api.Clock.
func (c *Clock) OnGetTimeInfo() (config.TimeInfo, error) {
	ti, ok := c.store.LoadTimeInfo()
	if !ok {
		return config.TimeInfo{}, fmt.Errorf("time info: %w", api.ErrNotFound)
	}
	return ti, nil
}

// OnSetTimeInfo saves and applies a new time zone and format.
func (c *Clock) OnSetTimeInfo(ti config.TimeInfo) error {
	if _, err := ti.Location(); err != nil {
		return err
	}
	if err := c.store.SaveTimeInfo(ti); err != nil {
		return fmt.Errorf("save time info: %w", err)
	}
	c.setTimeInfo(ti)
	c.applyLedInfo()
	c.RecheckSleep()
	return nil
}

// OnSetCurrentTime sets the clock to a local time and shows it.
func (c *Clock) OnSetCurrentTime(ct api.CurrentTime) error {
	t := ct.In(c.location())
	if err := c.time.Set(t); err != nil {
		log.Printf("clock: set time: %v", err)
	}
	c.events.Printf("time set to %v", t.Format(time.RFC3339))
	c.RecheckSleep()
	c.ShowTime(t, 1)
	return nil
}
