// Package timesource decides where the clock's idea of the current time comes from: the network
// (via chronyd) when it is available, a battery-backed DS3231 otherwise, or the user.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// NetworkClock obtains the time from the network.
type NetworkClock interface {
	Sync(ctx context.Context) (time.Time, error)
}

// RealTimeClock is a clock that keeps time while the device is off.
type RealTimeClock interface {
	Time() (time.Time, error)
	SetTime(t time.Time) error
}

// Source is where the current time came from.
type Source int

const (
	None Source = iota
	Network
	RTC
	Manual
)

func (s Source) String() string {
	switch s {
	case None:
		return "none"
	case Network:
		return "network"
	case RTC:
		return "rtc"
	case Manual:
		return "manual"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

var errNoNetwork = errors.New("no network time source configured")

var (
	sourceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "time_source",
		Help: "where the time came from; 0 = none, 1 = network, 2 = rtc, 3 = manual",
	})
	syncAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "time_sync_attempts",
		Help: "number of attempts to get the time from the network",
	})
	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "time_sync_failures",
		Help: "number of failed attempts to get the time from the network",
	})
	rtcWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_write_failures",
		Help: "number of failed attempts to set the rtc",
	})
)

// Arbiter picks a time source at boot and keeps the RTC in line with the network afterwards.
type Arbiter struct {
	net NetworkClock
	rtc RealTimeClock

	Attempts       int           // Network sync attempts at boot.
	Backoff        time.Duration // Wait between boot attempts.
	ResyncInterval time.Duration // How often Run resyncs with the network.

	// OnSync, if non-nil, is called after every successful network sync.
	OnSync func(time.Time)

	now    func() time.Time
	events trace.EventLog

	mu     sync.Mutex
	source Source        // must hold mu
	offset time.Duration // must hold mu
}

// NewArbiter returns an Arbiter.  Either clock may be nil if the hardware doesn't have one.
func NewArbiter(net NetworkClock, rtc RealTimeClock) *Arbiter {
	return &Arbiter{
		net:            net,
		rtc:            rtc,
		Attempts:       10,
		Backoff:        2 * time.Second,
		ResyncInterval: time.Hour,
		now:            time.Now,
		events:         trace.NewEventLog("timesource", "arbiter"),
	}
}

func (a *Arbiter) adopt(t time.Time, s Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offset = t.Sub(a.now())
	a.source = s
	sourceGauge.Set(float64(s))
	a.events.Printf("time source %v, offset %v", s, a.offset)
}

func (a *Arbiter) writeRTC(t time.Time) error {
	if a.rtc == nil {
		return nil
	}
	if err := a.rtc.SetTime(t); err != nil {
		rtcWriteFailures.Inc()
		a.events.Errorf("set rtc: %v", err)
		return fmt.Errorf("set rtc: %w", err)
	}
	return nil
}

func (a *Arbiter) sync(ctx context.Context) (time.Time, error) {
	syncAttempts.Inc()
	t, err := a.net.Sync(ctx)
	if err != nil {
		syncFailures.Inc()
		a.events.Errorf("network sync: %v", err)
		return time.Time{}, fmt.Errorf("network sync: %w", err)
	}
	a.adopt(t, Network)
	if err := a.writeRTC(t); err != nil {
		log.Printf("timesource: copy network time to rtc: %v", err)
	}
	return t, nil
}

// Init establishes the time at boot: the network if it answers within the retry budget, then the
// RTC.  It returns None if neither worked, in which case Now reports that the time is untrusted.
func (a *Arbiter) Init(ctx context.Context) Source {
	if a.net != nil {
		for i := 0; i < a.Attempts; i++ {
			if i > 0 {
				select {
				case <-time.After(a.Backoff):
				case <-ctx.Done():
					return a.Source()
				}
			}
			if _, err := a.sync(ctx); err != nil {
				log.Printf("timesource: attempt %d/%d: %v", i+1, a.Attempts, err)
				continue
			}
			log.Printf("timesource: using network time")
			return Network
		}
	}
	if a.rtc != nil {
		t, err := a.rtc.Time()
		if err == nil {
			a.adopt(t, RTC)
			log.Printf("timesource: using rtc time %v", t.Format(time.RFC3339))
			return RTC
		}
		log.Printf("timesource: read rtc: %v", err)
		a.events.Errorf("read rtc: %v", err)
	}
	log.Printf("timesource: no trustworthy time source")
	return a.Source()
}

// Resync gets the time from the network and, on success, copies it to the RTC and calls OnSync.
func (a *Arbiter) Resync(ctx context.Context) error {
	if a.net == nil {
		return errNoNetwork
	}
	t, err := a.sync(ctx)
	if err != nil {
		return err
	}
	if a.OnSync != nil {
		a.OnSync(t)
	}
	return nil
}

// Run resyncs with the network every ResyncInterval until the context is cancelled.  Failures are
// logged and otherwise ignored.
func (a *Arbiter) Run(ctx context.Context) error {
	if a.net == nil {
		<-ctx.Done()
		return fmt.Errorf("waiting for cancel: %w", ctx.Err())
	}
	t := time.NewTicker(a.ResyncInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := a.Resync(ctx); err != nil {
				log.Printf("timesource: periodic resync: %v", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for resync: %w", ctx.Err())
		}
	}
}

// Now returns the current time and whether it came from a trustworthy source.
func (a *Arbiter) Now() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Add(a.offset), a.source != None
}

// Set sets the time by hand.  The time is in use even if the returned error says it could not be
// saved to the RTC.
func (a *Arbiter) Set(t time.Time) error {
	a.adopt(t, Manual)
	return a.writeRTC(t)
}

// Source returns where the current time came from.
func (a *Arbiter) Source() Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}
