package timesource

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// DS3231Addr is the DS3231's fixed I2C address.
const DS3231Addr = 0x68

type Register uint8

const (
	RegisterSeconds Register = 0x00
	RegisterStatus  Register = 0x0f
)

const (
	statusOSF  = 0x80 // Oscillator stopped; the time is not valid.
	hour12Mode = 0x40
	hourPM     = 0x20
	century    = 0x80
)

// ErrOscillatorStopped means the RTC lost power at some point since its time was last set.
var ErrOscillatorStopped = errors.New("rtc oscillator stopped; time is invalid")

// DS3231 is a battery-backed real time clock on an I2C bus.  It keeps UTC.
type DS3231 struct {
	dev i2c.Dev
}

// NewDS3231 returns a DS3231 at its usual address on bus.
func NewDS3231(bus i2c.Bus) *DS3231 {
	return &DS3231{dev: i2c.Dev{Bus: bus, Addr: DS3231Addr}}
}

func (d *DS3231) ReadRegisters(r Register, out []byte) error {
	if err := d.dev.Tx([]byte{byte(r)}, out); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	return nil
}

func (d *DS3231) WriteRegisters(r Register, data ...byte) error {
	w := make([]byte, 1, len(data)+1)
	w[0] = byte(r)
	w = append(w, data...)
	if err := d.dev.Tx(w, nil); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	return nil
}

func fromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}

func toBCD(n int) byte {
	return byte(n/10)<<4 | byte(n%10)
}

// Time reads the current time from the RTC.
func (d *DS3231) Time() (time.Time, error) {
	var status [1]byte
	if err := d.ReadRegisters(RegisterStatus, status[:]); err != nil {
		return time.Time{}, fmt.Errorf("read status register: %w", err)
	}
	if status[0]&statusOSF != 0 {
		return time.Time{}, ErrOscillatorStopped
	}

	var buf [7]byte
	if err := d.ReadRegisters(RegisterSeconds, buf[:]); err != nil {
		return time.Time{}, fmt.Errorf("read time registers: %w", err)
	}
	sec := fromBCD(buf[0] & 0x7f)
	min := fromBCD(buf[1] & 0x7f)
	var hour int
	if buf[2]&hour12Mode != 0 {
		hour = fromBCD(buf[2]&0x1f) % 12
		if buf[2]&hourPM != 0 {
			hour += 12
		}
	} else {
		hour = fromBCD(buf[2] & 0x3f)
	}
	day := fromBCD(buf[4] & 0x3f)
	month := fromBCD(buf[5] & 0x1f)
	year := 2000 + fromBCD(buf[6])
	if buf[5]&century != 0 {
		year += 100
	}
	if sec > 59 || min > 59 || hour > 23 || day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("rtc returned an impossible time % x", buf)
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC), nil
}

// SetTime sets the RTC to t and clears the oscillator-stopped flag.
func (d *DS3231) SetTime(t time.Time) error {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2199 {
		return fmt.Errorf("set rtc time: year %d out of range", t.Year())
	}
	m := toBCD(int(t.Month()))
	if t.Year() >= 2100 {
		m |= century
	}
	err := d.WriteRegisters(RegisterSeconds,
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		byte(t.Weekday())+1,
		toBCD(t.Day()),
		m,
		toBCD(t.Year()%100),
	)
	if err != nil {
		return fmt.Errorf("write time registers: %w", err)
	}

	var status [1]byte
	if err := d.ReadRegisters(RegisterStatus, status[:]); err != nil {
		return fmt.Errorf("read status register: %w", err)
	}
	if err := d.WriteRegisters(RegisterStatus, status[0]&^statusOSF); err != nil {
		return fmt.Errorf("clear oscillator stop flag: %w", err)
	}
	return nil
}
