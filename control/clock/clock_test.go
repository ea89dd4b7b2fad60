package clock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jrockway/nixie-clock/control/animator"
	"github.com/jrockway/nixie-clock/control/api"
	"github.com/jrockway/nixie-clock/control/config"
	"github.com/jrockway/nixie-clock/control/led"
	"github.com/jrockway/nixie-clock/control/sleep"
)

func TestTick(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	timeout := 1500 * time.Millisecond
	jitter := 100 * time.Millisecond

	tch := make(chan time.Time)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, tch)
		close(errch)
		close(tch)
	}()

	// Check that ticks arrive and they're about a second apart.
	var a, b time.Time
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for first tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for first tick: %v", err)
	case a = <-tch:
		if delay := time.Since(a); delay > jitter {
			t.Errorf("delayed first tick: %s", delay)
		}
	}
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for second tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for second tick: %v", err)
	case b = <-tch:
		if delay := time.Since(b); delay > jitter {
			t.Errorf("delayed second tick: %s", delay)
		}
	}
	if diff := b.Sub(a); diff > timeout {
		t.Errorf("too much delay between ticks: %s", diff)
	}

	// Check that missed ticks do not block the ticker.
	select {
	case <-time.After(2500 * time.Millisecond):
	case err := <-errch:
		t.Fatalf("unexpected error while sleeping: %v", err)
	}

	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for third tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for third tick: %v", err)
	case new := <-tch:
		if delay := time.Since(new); delay > jitter {
			t.Errorf("delayed third tick: %s", delay)
		}
	}

	// Check that cancelling the context stops the ticking.
	c()
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

type fakeTime struct {
	mu  sync.Mutex
	t   time.Time
	ok  bool
	set []time.Time
}

func (f *fakeTime) Now() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t, f.ok
}

func (f *fakeTime) Set(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t, f.ok = t, true
	f.set = append(f.set, t)
	return nil
}

func (f *fakeTime) at(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t, f.ok = t, true
}

type fakeTube struct {
	mu    sync.Mutex
	shown []int
}

func (f *fakeTube) ShowDigit(d int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, d)
	return nil
}

func (f *fakeTube) HideDigit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, -1)
	return nil
}

func (f *fakeTube) digits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.shown...)
}

type testClock struct {
	*Clock
	time     *fakeTime
	tube     *fakeTube
	store    *config.Store
	storeDir string
}

var fastTiming = animator.Timing{IntroDigitPeriod: 1, DigitDuration: 1, PauseDuration: 1}

func newTestClock(t *testing.T, setup func(s *config.Store)) *testClock {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	store, err := config.NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if setup != nil {
		setup(store)
	}
	info, ok := store.LoadLedInfo()
	if !ok {
		info = led.Info{State: led.Off}
	}
	tc := &testClock{time: &fakeTime{}, tube: &fakeTube{}, store: store, storeDir: dir}
	tc.Clock = New(Options{
		Tube:        tc.tube,
		LED:         led.NewEnvelope(nil, info),
		Time:        tc.time,
		Store:       store,
		Timing:      fastTiming,
		RepeatTimes: 3,
	})
	return tc
}

// finish runs the animator until it is idle.
func (tc *testClock) finish(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if tc.anim.State() == animator.Idle {
			return
		}
		tc.anim.Handle(1)
	}
	t.Fatalf("animation did not finish; stuck in %v", tc.anim.State())
}

func (tc *testClock) drainShow(t *testing.T) {
	t.Helper()
	select {
	case req := <-tc.showCh:
		tc.show(req.t, req.repeat)
	default:
		t.Fatal("no pending show request")
	}
}

var (
	nightWindow = sleep.Window{Before: 420, After: 1320}
	noon        = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	night       = time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
)

func TestMinuteTrigger(t *testing.T) {
	tc := newTestClock(t, nil)
	tc.time.at(time.Date(2026, 10, 19, 14, 7, 30, 0, time.UTC))
	tc.second()
	if got, want := tc.anim.State(), animator.Idle; got != want {
		t.Fatalf("state in the middle of a minute:\n  got: %v\n want: %v", got, want)
	}

	tc.time.at(time.Date(2026, 10, 19, 14, 8, 0, 0, time.UTC))
	tc.second()
	if got, want := tc.anim.State(), animator.Init; got != want {
		t.Fatalf("state at the top of the minute:\n  got: %v\n want: %v", got, want)
	}
	tc.finish(t)
	want := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, -1}
	for i := 0; i < 3; i++ {
		want = append(want, 1, -1, 4, -1, 0, -1, 8, -1)
	}
	if got := tc.tube.digits(); !reflect.DeepEqual(got, want) {
		t.Errorf("digits:\n  got: %v\n want: %v", got, want)
	}

	// The same minute again, as if the time were stepped back slightly, does not retrigger.
	tc.time.at(time.Date(2026, 10, 19, 14, 8, 0, 100, time.UTC))
	tc.second()
	if got, want := tc.anim.State(), animator.Idle; got != want {
		t.Errorf("state after repeated minute:\n  got: %v\n want: %v", got, want)
	}
}

func TestMinuteTriggerUsesTimeZone(t *testing.T) {
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveTimeInfo(config.TimeInfo{Zone: "Asia/Kolkata", Format: config.Hour12})
	})
	// 14:08 UTC is 19:38 in India.
	tc.time.at(time.Date(2026, 10, 19, 14, 8, 0, 0, time.UTC))
	tc.second()
	tc.finish(t)
	got := tc.tube.digits()[11:19]
	if want := []int{0, -1, 7, -1, 3, -1, 8, -1}; !reflect.DeepEqual(got, want) {
		t.Errorf("digits:\n  got: %v\n want: %v", got, want)
	}
}

func TestUntrustedTime(t *testing.T) {
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(led.Info{Red: 1, State: led.On})
		s.SaveSleepInfo(nightWindow)
	})
	tc.second()
	if got, want := tc.anim.State(), animator.Idle; got != want {
		t.Errorf("state:\n  got: %v\n want: %v", got, want)
	}
	if tc.ShowCurrentTime(1) {
		t.Error("showed the current time without knowing it")
	}
	if tc.asleepNow() {
		t.Error("asleep without knowing the time")
	}
}

func TestSleepForcesLedOff(t *testing.T) {
	on := led.Info{Red: 200, Green: 100, State: led.Fade}
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(on)
		s.SaveSleepInfo(nightWindow)
	})
	tc.time.at(night)
	tc.second()
	if !tc.asleep {
		t.Fatal("expected clock to be asleep at night")
	}
	if got, want := tc.led.Info().State, led.Off; got != want {
		t.Errorf("led state while asleep:\n  got: %v\n want: %v", got, want)
	}

	// A new LED setting while asleep is saved but not shown.
	red := led.Info{Red: 255, State: led.On}
	if err := tc.OnSetLedInfo(red); err != nil {
		t.Fatalf("set led info: %v", err)
	}
	if got, want := tc.led.Info().State, led.Off; got != want {
		t.Errorf("led state after set while asleep:\n  got: %v\n want: %v", got, want)
	}
	if got, _ := tc.store.LoadLedInfo(); got != red {
		t.Errorf("saved led info:\n  got: %v\n want: %v", got, red)
	}

	// Explicit requests to show the time turn the LED off instead.
	tc.ShowTime(night, 1)
	tc.drainShow(t)
	tc.anim.Handle(1)
	if got, want := tc.anim.State(), animator.Idle; got != want {
		t.Errorf("state after show while asleep:\n  got: %v\n want: %v", got, want)
	}

	// Waking up shows the saved setting.
	tc.time.at(noon)
	tc.second()
	if tc.asleep {
		t.Fatal("expected clock to be awake at noon")
	}
	if got, want := tc.led.Info(), red; got != want {
		t.Errorf("led after waking:\n  got: %v\n want: %v", got, want)
	}
}

func TestSetLedInfoDuringAnimation(t *testing.T) {
	before := led.Info{Blue: 255, State: led.Pulse}
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(before)
	})
	tc.time.at(noon)
	tc.ShowTime(noon, 1)
	tc.drainShow(t)
	tc.anim.Handle(1)
	if got, want := tc.led.Effective().State, led.On; got != want {
		t.Errorf("effective state during animation:\n  got: %v\n want: %v", got, want)
	}

	after := led.Info{Green: 255, State: led.Fade}
	if err := tc.OnSetLedInfo(after); err != nil {
		t.Fatalf("set led info: %v", err)
	}
	if got, want := tc.led.Info(), before; got != want {
		t.Errorf("led during animation:\n  got: %v\n want: %v", got, want)
	}
	if got, _ := tc.store.LoadLedInfo(); got != after {
		t.Errorf("saved led info:\n  got: %v\n want: %v", got, after)
	}

	tc.finish(t)
	if got, want := tc.led.Effective(), after; got != want {
		t.Errorf("led after animation:\n  got: %v\n want: %v", got, want)
	}
}

func TestSleepStartingDuringAnimation(t *testing.T) {
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(led.Info{Red: 255, State: led.On})
	})
	tc.time.at(night)
	tc.ShowTime(night, 1)
	tc.drainShow(t)
	tc.anim.Handle(1)
	if err := tc.OnSetSleepInfo(nightWindow); err != nil {
		t.Fatalf("set sleep info: %v", err)
	}
	if got, want := tc.anim.State(), animator.Intro; got != want {
		t.Errorf("animation interrupted by sleep:\n  got: %v\n want: %v", got, want)
	}
	tc.finish(t)
	if got, want := tc.led.Effective().State, led.Off; got != want {
		t.Errorf("led after animation while asleep:\n  got: %v\n want: %v", got, want)
	}
}

func TestShowTimeReplacesPendingRequest(t *testing.T) {
	tc := newTestClock(t, nil)
	tc.ShowTime(night, 1)
	tc.ShowTime(noon, 2)
	if got, want := len(tc.showCh), 1; got != want {
		t.Fatalf("pending requests:\n  got: %v\n want: %v", got, want)
	}
	req := <-tc.showCh
	if !req.t.Equal(noon) || req.repeat != 2 {
		t.Errorf("pending request:\n  got: %v x%d\n want: %v x2", req.t, req.repeat, noon)
	}
}

func TestOnSetCurrentTime(t *testing.T) {
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveTimeInfo(config.TimeInfo{Zone: "America/New_York", Format: config.Hour24})
	})
	if err := tc.OnSetCurrentTime(api.CurrentTime{Year: 2026, Month: 10, Day: 19, Hour: 10, Minute: 7}); err != nil {
		t.Fatalf("set current time: %v", err)
	}
	want := time.Date(2026, 10, 19, 14, 7, 0, 0, time.UTC)
	if len(tc.time.set) != 1 || !tc.time.set[0].Equal(want) {
		t.Errorf("time set:\n  got: %v\n want: [%v]", tc.time.set, want)
	}
	select {
	case req := <-tc.showCh:
		if !req.t.Equal(want) || req.repeat != 1 {
			t.Errorf("show request:\n  got: %v x%d\n want: %v x1", req.t, req.repeat, want)
		}
	default:
		t.Error("setting the time did not show it")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	tc := newTestClock(t, nil)
	if _, err := tc.OnGetLedInfo(); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("get unset led info:\n  got: %v\n want: %v", err, api.ErrNotFound)
	}
	if _, err := tc.OnGetSleepInfo(); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("get unset sleep info:\n  got: %v\n want: %v", err, api.ErrNotFound)
	}
	if _, err := tc.OnGetTimeInfo(); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("get unset time info:\n  got: %v\n want: %v", err, api.ErrNotFound)
	}
	ti := config.TimeInfo{Zone: "Europe/London", Offset: "GMT0BST,M3.5.0/1,M10.5.0", Format: config.Hour12}
	if err := tc.OnSetTimeInfo(ti); err != nil {
		t.Fatalf("set time info: %v", err)
	}
	if got, err := tc.OnGetTimeInfo(); err != nil || got != ti {
		t.Errorf("time info:\n  got: %v (%v)\n want: %v", got, err, ti)
	}
	if !tc.hour12() {
		t.Error("12 hour format not applied")
	}
	if err := tc.OnSetTimeInfo(config.TimeInfo{Zone: "Nowhere/Special"}); err == nil {
		t.Error("expected error for an unknown zone")
	}
	if got, want := tc.location().String(), "Europe/London"; got != want {
		t.Errorf("location:\n  got: %v\n want: %v", got, want)
	}
}

func TestRun(t *testing.T) {
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(led.Info{Red: 10, State: led.Fade})
	})
	tc.time.at(time.Date(2026, 10, 19, 9, 41, 20, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		errCh <- tc.Run(ctx)
		close(errCh)
	}()
	tc.ShowTime(time.Date(2026, 10, 19, 9, 41, 20, 0, time.UTC), 1)

	want := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, -1, 0, -1, 9, -1, 4, -1, 1, -1}
	deadline := time.After(5 * time.Second)
	for len(tc.tube.digits()) < len(want) {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for animation; shown so far: %v", tc.tube.digits())
		case err := <-errCh:
			t.Fatalf("unexpected error from Run: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := tc.tube.digits(); !reflect.DeepEqual(got, want) {
		t.Errorf("digits:\n  got: %v\n want: %v", got, want)
	}

	cancel()
	select {
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancel")
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

func TestApplyLedInfoDoesNotReadStore(t *testing.T) {
	saved := led.Info{Red: 30, Green: 40, State: led.On}
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(saved)
		s.SaveSleepInfo(nightWindow)
	})
	tc.time.at(night)
	tc.second()

	// Corrupt the settings files from here on; waking up must still restore the
	// settings that were loaded at startup.
	entries, err := os.ReadDir(tc.storeDir)
	if err != nil {
		t.Fatalf("read config dir: %v", err)
	}
	for _, e := range entries {
		if err := os.WriteFile(filepath.Join(tc.storeDir, e.Name()), []byte("garbage"), 0o644); err != nil {
			t.Fatalf("corrupt %s: %v", e.Name(), err)
		}
	}

	tc.time.at(noon)
	tc.second()
	if got, want := tc.led.Info(), saved; got != want {
		t.Errorf("led after waking:\n  got: %v\n want: %v", got, want)
	}
}

func TestFailedSaveKeepsLastSavedLedInfo(t *testing.T) {
	saved := led.Info{Blue: 90, State: led.On}
	tc := newTestClock(t, func(s *config.Store) {
		s.SaveLedInfo(saved)
	})
	tc.time.at(noon)
	if err := os.RemoveAll(tc.storeDir); err != nil {
		t.Fatalf("remove config dir: %v", err)
	}
	if err := tc.OnSetLedInfo(led.Info{Red: 1, State: led.Pulse}); err == nil {
		t.Fatal("expected an error saving to a missing directory")
	}
	tc.ShowTime(noon, 1)
	tc.drainShow(t)
	tc.finish(t)
	if got, want := tc.led.Info(), saved; got != want {
		t.Errorf("led after animation:\n  got: %v\n want: %v", got, want)
	}
}
