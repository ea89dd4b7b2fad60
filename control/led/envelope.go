// Package led drives the backlight LED that sits under the nixie tube.  The LED has a persisted
// color and state, and a brightness envelope that is advanced at a fixed cadence to make Fade and
// Pulse states move.
package led

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State is the way the backlight renders its color.
type State uint8

const (
	Off State = iota
	On
	Fade
	Pulse
)

// pulseWindow is how close to either end of the counter's range the LED is lit in Pulse.
const pulseWindow = 10

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case On:
		return "on"
	case Fade:
		return "fade"
	case Pulse:
		return "pulse"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s > Pulse {
		return nil, fmt.Errorf("marshal led state: unknown state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "off":
		*s = Off
	case "on":
		*s = On
	case "fade":
		*s = Fade
	case "pulse":
		*s = Pulse
	default:
		return fmt.Errorf("unmarshal led state: unknown state %q", text)
	}
	return nil
}

// Info is the persisted intent for the backlight.
type Info struct {
	Red   uint8 `json:"R"`
	Green uint8 `json:"G"`
	Blue  uint8 `json:"B"`
	State State `json:"state"`
}

// Output is something that can display one RGB color.
type Output interface {
	SetColor(r, g, b uint8) error
}

var (
	advanceCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "led_envelope_advances",
		Help: "number of times the led brightness envelope has been advanced",
	})
	writeErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "led_write_errors",
		Help: "number of failed writes of a color to the backlight",
	})
)

// Envelope owns the backlight's color and state, and the triangular brightness counter that
// animates Fade and Pulse.
//
// Advance must only be called from one goroutine.  Everything else is safe to call concurrently
// with Advance.
type Envelope struct {
	out Output

	mu       sync.Mutex
	info     Info  // must hold mu
	override *Info // must hold mu
	locked   bool  // must hold mu

	// Only touched by Advance.
	counter uint8
	falling bool
	written bool
	last    [3]uint8
}

// NewEnvelope returns an Envelope that writes to out.  A nil out renders without writing anywhere.
func NewEnvelope(out Output, info Info) *Envelope {
	return &Envelope{out: out, info: info}
}

// step moves the counter one step along the triangle wave.  The direction flips on the tick that
// reaches a bound, so the wave has a period of 510 ticks.
func (e *Envelope) step() {
	if e.falling {
		e.counter--
		if e.counter == 0 {
			e.falling = false
		}
		return
	}
	e.counter++
	if e.counter == 255 {
		e.falling = true
	}
}

// render computes the color shown for info at brightness counter c.
func render(info Info, c uint8) (r, g, b uint8) {
	switch info.State {
	case On:
		return info.Red, info.Green, info.Blue
	case Fade:
		k := uint16(gamma8[c])
		return uint8(uint16(info.Red) * k / 255), uint8(uint16(info.Green) * k / 255), uint8(uint16(info.Blue) * k / 255)
	case Pulse:
		if c < pulseWindow || c >= 255-pulseWindow {
			return info.Red, info.Green, info.Blue
		}
	}
	return 0, 0, 0
}

// Advance steps the envelope and writes the resulting color to the output if it changed.
func (e *Envelope) Advance() error {
	e.step()
	advanceCounter.Inc()
	r, g, b := e.Render()
	if e.out == nil {
		return nil
	}
	c := [3]uint8{r, g, b}
	if e.written && c == e.last {
		return nil
	}
	if err := e.out.SetColor(r, g, b); err != nil {
		writeErrorCounter.Inc()
		e.written = false
		return fmt.Errorf("write led color: %w", err)
	}
	e.written = true
	e.last = c
	return nil
}

// Render returns the color that the current counter value and effective state produce.
func (e *Envelope) Render() (r, g, b uint8) {
	return render(e.Effective(), e.counter)
}

// Counter returns the current brightness counter.  Only call this from the goroutine that calls
// Advance.
func (e *Envelope) Counter() uint8 {
	return e.counter
}

// Info returns the persisted LED info.
func (e *Envelope) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// Effective returns the info that is being rendered: the override if there is one, the persisted
// info otherwise.
func (e *Envelope) Effective() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != nil {
		return *e.override
	}
	return e.info
}

// SetInfo replaces the persisted LED info, unless the envelope is locked.  It returns whether the
// info was applied.  Callers that want the value stored regardless should persist it first.
func (e *Envelope) SetInfo(info Info) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return false
	}
	e.info = info
	return true
}

// SetOverride renders info instead of the persisted info until ClearOverride is called.
func (e *Envelope) SetOverride(info Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.override = &info
}

// ClearOverride goes back to rendering the persisted info.
func (e *Envelope) ClearOverride() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.override = nil
}

// Lock makes SetInfo a no-op until Unlock is called.
func (e *Envelope) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = true
}

// Unlock undoes Lock.
func (e *Envelope) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = false
}

// Locked returns whether SetInfo is currently ignored.
func (e *Envelope) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}
