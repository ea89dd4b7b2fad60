// Package config persists the clock's user settings as JSON files in a directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrockway/nixie-clock/control/led"
	"github.com/jrockway/nixie-clock/control/sleep"
)

const (
	ledInfoFile   = "led_info.json"
	sleepInfoFile = "sleep_info.json"
	timeInfoFile  = "time_info.json"
)

// TimeFormat is how hours are shown.
type TimeFormat string

const (
	Hour24 TimeFormat = "24h"
	Hour12 TimeFormat = "12h"
)

// ErrInvalidTimeInfo is returned for time settings that can't be used.
var ErrInvalidTimeInfo = errors.New("invalid time info")

// TimeInfo is the clock's time zone and display format.
type TimeInfo struct {
	Zone   string     `json:"tz_zone"`   // IANA zone name, like America/New_York.
	Offset string     `json:"tz_offset"` // POSIX TZ string for the same zone; stored for the web UI.
	Format TimeFormat `json:"time_format"`
}

// DefaultTimeInfo is used when nothing has been saved.
func DefaultTimeInfo() TimeInfo {
	return TimeInfo{Zone: "UTC", Offset: "UTC0", Format: Hour24}
}

// Location loads the time zone named by Zone.  An empty zone is UTC.
func (t TimeInfo) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(t.Zone)
	if err != nil {
		return nil, fmt.Errorf("%w: load zone %q: %v", ErrInvalidTimeInfo, t.Zone, err)
	}
	return loc, nil
}

// Validate checks that the zone exists and the format is known.
func (t TimeInfo) Validate() error {
	switch t.Format {
	case Hour24, Hour12:
	default:
		return fmt.Errorf("%w: unknown time format %q", ErrInvalidTimeInfo, t.Format)
	}
	if _, err := t.Location(); err != nil {
		return err
	}
	return nil
}

// Store reads and writes settings files in a directory.  It is safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a Store that keeps its files in dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// load reads name into v, returning false if the file is missing or unreadable.
func (s *Store) load(name string, v interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("config: read %s: %v", name, err)
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.Printf("config: parse %s: %v", name, err)
		return false
	}
	return true
}

// save atomically replaces name with the JSON encoding of v.
func (s *Store) save(name string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, name, err)
	}
	return nil
}

// LoadLedInfo returns the saved LED settings.
func (s *Store) LoadLedInfo() (led.Info, bool) {
	var info led.Info
	if !s.load(ledInfoFile, &info) {
		return led.Info{}, false
	}
	return info, true
}

// SaveLedInfo saves the LED settings.
func (s *Store) SaveLedInfo(info led.Info) error {
	return s.save(ledInfoFile, info)
}

// LoadSleepInfo returns the saved sleep window.
func (s *Store) LoadSleepInfo() (sleep.Window, bool) {
	var w sleep.Window
	if !s.load(sleepInfoFile, &w) {
		return sleep.Window{}, false
	}
	if err := w.Validate(); err != nil {
		log.Printf("config: %s: %v", sleepInfoFile, err)
		return sleep.Window{}, false
	}
	return w, true
}

// SaveSleepInfo saves the sleep window.
func (s *Store) SaveSleepInfo(w sleep.Window) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("save sleep info: %w", err)
	}
	return s.save(sleepInfoFile, w)
}

// LoadTimeInfo returns the saved time zone and format.
func (s *Store) LoadTimeInfo() (TimeInfo, bool) {
	var t TimeInfo
	if !s.load(timeInfoFile, &t) {
		return TimeInfo{}, false
	}
	if err := t.Validate(); err != nil {
		log.Printf("config: %s: %v", timeInfoFile, err)
		return TimeInfo{}, false
	}
	return t, true
}

// SaveTimeInfo saves the time zone and format.
func (s *Store) SaveTimeInfo(t TimeInfo) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("save time info: %w", err)
	}
	return s.save(timeInfoFile, t)
}
