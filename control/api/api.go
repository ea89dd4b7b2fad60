// Package api is the HTTP front end of the clock: it translates JSON requests into calls on a
// Clock.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jrockway/nixie-clock/control/config"
	"github.com/jrockway/nixie-clock/control/led"
	"github.com/jrockway/nixie-clock/control/sleep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Feature is a group of settings that a clock supports.
type Feature uint

const (
	FeatureLED Feature = 1 << iota
	FeatureSleep
	FeatureTimeZone
	FeatureSetTime
)

// Has returns true if every feature in want is in f.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// ErrNotFound is returned by getters when nothing has been configured.
var ErrNotFound = errors.New("not configured")

// CurrentTime is a wall clock time in the clock's time zone.
type CurrentTime struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// Validate checks that t names a real time.
func (t CurrentTime) Validate() error {
	if t.Month < 1 || t.Month > 12 || t.Day < 1 || t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("invalid time %+v", t)
	}
	if d := time.Date(t.Year, time.Month(t.Month), t.Day, 0, 0, 0, 0, time.UTC); d.Day() != t.Day {
		return fmt.Errorf("invalid date %04d-%02d-%02d", t.Year, t.Month, t.Day)
	}
	return nil
}

// In returns t as a time in loc.
func (t CurrentTime) In(loc *time.Location) time.Time {
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, t.Second, 0, loc)
}

// Clock is what the API controls.  Only the methods for the clock's Features are called.
type Clock interface {
	Features() Feature

	OnGetLedInfo() (led.Info, error)
	OnSetLedInfo(led.Info) error

	OnGetSleepInfo() (sleep.Window, error)
	OnSetSleepInfo(sleep.Window) error

	OnGetTimeInfo() (config.TimeInfo, error)
	OnSetTimeInfo(config.TimeInfo) error

	OnSetCurrentTime(CurrentTime) error
}

const maxBody = 4096

var requestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "api_requests",
	Help: "api requests by route and response code",
}, []string{"route", "code"})

// Handler routes API requests to a Clock.
type Handler struct {
	mux *http.ServeMux
}

// New returns a Handler that serves the routes for c's features.
func New(c Clock) *Handler {
	h := &Handler{mux: http.NewServeMux()}
	f := c.Features()
	if f.Has(FeatureLED) {
		h.mux.Handle("/api/v1/led/led_info", resource(
			func() (interface{}, error) { return c.OnGetLedInfo() },
			func(dec *json.Decoder) error {
				var info led.Info
				if err := dec.Decode(&info); err != nil {
					return badRequest(err)
				}
				return c.OnSetLedInfo(info)
			}))
	}
	if f.Has(FeatureSleep) {
		h.mux.Handle("/api/v1/clock/sleep_info", resource(
			func() (interface{}, error) { return c.OnGetSleepInfo() },
			func(dec *json.Decoder) error {
				var w sleep.Window
				if err := dec.Decode(&w); err != nil {
					return badRequest(err)
				}
				if err := w.Validate(); err != nil {
					return badRequest(err)
				}
				return c.OnSetSleepInfo(w)
			}))
	}
	if f.Has(FeatureTimeZone) {
		h.mux.Handle("/api/v1/clock/time_info", resource(
			func() (interface{}, error) { return c.OnGetTimeInfo() },
			func(dec *json.Decoder) error {
				var t config.TimeInfo
				if err := dec.Decode(&t); err != nil {
					return badRequest(err)
				}
				if err := t.Validate(); err != nil {
					return badRequest(err)
				}
				return c.OnSetTimeInfo(t)
			}))
	}
	if f.Has(FeatureSetTime) {
		h.mux.Handle("/api/v1/clock/current_time", resource(nil,
			func(dec *json.Decoder) error {
				var t CurrentTime
				if err := dec.Decode(&t); err != nil {
					return badRequest(err)
				}
				if err := t.Validate(); err != nil {
					return badRequest(err)
				}
				return c.OnSetCurrentTime(t)
			}))
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(rec, req)
	requestsMetric.WithLabelValues(h.route(req), fmt.Sprintf("%d", rec.code)).Inc()
}

// route returns the registered pattern that req matched, or "unknown", so that arbitrary request
// paths don't become metric labels.
func (h *Handler) route(req *http.Request) string {
	if _, pattern := h.mux.Handler(req); pattern != "" {
		return pattern
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

type errBadRequest struct{ err error }

func (e *errBadRequest) Error() string { return e.err.Error() }
func (e *errBadRequest) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &errBadRequest{err: err}
}

// resource serves GET with get and POST with set; either may be nil if the method isn't allowed.
func resource(get func() (interface{}, error), set func(*json.Decoder) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodGet && get != nil:
			v, err := get()
			if err != nil {
				writeError(w, req, err)
				return
			}
			writeJSON(w, v)
		case req.Method == http.MethodPost && set != nil:
			dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody))
			dec.DisallowUnknownFields()
			if err := set(dec); err != nil {
				writeError(w, req, err)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	var bad *errBadRequest
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &bad):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("api: %s %s: %v", req.Method, req.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
