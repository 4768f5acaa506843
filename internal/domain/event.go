package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventClick        EventType = "click"
	EventKeydown      EventType = "keydown"
	EventMouseMove    EventType = "mousemove"
	EventFocus        EventType = "focus"
	EventConsole      EventType = "console"
	EventNetwork      EventType = "network"
	EventNetworkError EventType = "network_error"
	EventError        EventType = "error"
	EventPageLoad     EventType = "page_load"
	EventPageUnload   EventType = "page_unload"
	EventFlag         EventType = "flag"
	EventScreenshot   EventType = "screenshot"
	EventCustom       EventType = "custom"
)

// TimestampLayout is the capture-side ISO-8601 format used on records.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a record with a time-ordered id and an ISO-8601 timestamp.
func NewEvent(t EventType, at time.Time, data map[string]any) Event {
	return Event{ID: NewEventID(at), Type: t, Timestamp: FormatTimestamp(at), Data: data}
}

// NewEventID returns "<unix-ms, zero padded>-<random>", which sorts by
// capture time and stays unique under bursts within one millisecond.
func NewEventID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%013d-%s", at.UnixMilli(), suffix)
}

func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// IsError reports whether the event counts towards the error tally.
func (e Event) IsError() bool {
	switch e.Type {
	case EventError, EventNetworkError:
		return true
	case EventConsole:
		lvl, _ := e.Data["level"].(string)
		return lvl == string(LevelError)
	}
	return false
}

func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return out
}
