// Package ingest receives batched agent events, applies per-device rate
// limiting with circuit breaking, and dispatches each event transactionally
// to the session engine.
package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/worklens/worklens/internal/models"
)

// EventType tags an inbound agent event.
type EventType string

const (
	EventClockIn          EventType = "clock_in"
	EventClockOut         EventType = "clock_out"
	EventAppFocus         EventType = "app_focus"
	EventIdleStart        EventType = "idle_start"
	EventIdleEnd          EventType = "idle_end"
	EventPause            EventType = "pause"
	EventResume           EventType = "resume"
	EventScreenshotTaken  EventType = "screenshot_taken"
	EventScreenshotFailed EventType = "screenshot_failed"
)

// Known reports whether t is a recognized event type.
func (t EventType) Known() bool {
	switch t {
	case EventClockIn, EventClockOut, EventAppFocus, EventIdleStart, EventIdleEnd,
		EventPause, EventResume, EventScreenshotTaken, EventScreenshotFailed:
		return true
	}
	return false
}

// Priority event types are never dropped, even while the device is rate
// limited or its circuit breaker is open.
func (t EventType) Priority() bool {
	switch t {
	case EventClockIn, EventClockOut, EventScreenshotTaken, EventScreenshotFailed:
		return true
	}
	return false
}

// PresenceRelevant event types invalidate the presence cache after commit.
func (t EventType) PresenceRelevant() bool {
	switch t {
	case EventClockIn, EventClockOut, EventIdleStart, EventIdleEnd:
		return true
	}
	return false
}

// Event is one inbound agent event.
type Event struct {
	Type      EventType       `json:"type" validate:"required"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// FocusData is the payload of an app_focus event.
type FocusData struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	URL         string `json:"url,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ParsedCategory maps the agent's category hint onto a known category,
// defaulting to NEUTRAL.
func (d FocusData) ParsedCategory() models.Category {
	c := models.Category(strings.ToUpper(strings.TrimSpace(d.Category)))
	if !c.Valid() {
		return models.CategoryNeutral
	}
	return c
}

// IdleData is the payload of idle_start and idle_end events.
type IdleData struct {
	IdleTimeSeconds int64 `json:"idle_time_seconds"`
}

// ScreenshotData is the payload of screenshot_taken and screenshot_failed
// events.
type ScreenshotData struct {
	JobID      string `json:"job_id"`
	StorageKey string `json:"storage_key,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FocusData decodes the event payload as an app_focus payload.
func (e Event) FocusData() (FocusData, error) {
	var d FocusData
	if len(e.Data) == 0 {
		return d, errors.New("app_focus event has no payload")
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, errors.Wrap(err, "decode app_focus payload")
	}
	return d, nil
}

// IdleData decodes the event payload as an idle payload. A missing payload
// decodes to zero idle seconds.
func (e Event) IdleData() (IdleData, error) {
	var d IdleData
	if len(e.Data) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, errors.Wrap(err, "decode idle payload")
	}
	return d, nil
}

func decodePayload(e Event, v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
