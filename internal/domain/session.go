package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal lifecycle moves. Paused -> Completed is allowed
// so a paused session can be stopped directly.
var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused: {StatusActive, StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a session in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Open reports whether the status is Active or Paused.
func (s Status) Open() bool { return s == StatusActive || s == StatusPaused }

// Terminal reports whether the record is frozen.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type Session struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime"`
	Events      []Event           `json:"events"`
	Screenshots []Screenshot      `json:"screenshots"`
	Flags       []Flag            `json:"flags"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy detached from the receiver's slices and maps.
func (s Session) Clone() Session {
	out := s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	out.Events = make([]Event, len(s.Events))
	for i, e := range s.Events {
		out.Events[i] = e.Clone()
	}
	out.Screenshots = append([]Screenshot(nil), s.Screenshots...)
	out.Flags = append([]Flag(nil), s.Flags...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Stats derives the counters shown by the popup. now is used for the
// duration of a session that has not ended yet.
func (s Session) Stats(now time.Time) Stats {
	st := Stats{
		EventCount:      len(s.Events),
		ScreenshotCount: len(s.Screenshots),
		FlagCount:       len(s.Flags),
	}
	for _, e := range s.Events {
		if e.IsError() {
			st.ErrorCount++
		}
	}
	if !s.StartTime.IsZero() {
		end := now
		if s.EndTime != nil {
			end = *s.EndTime
		}
		if end.After(s.StartTime) {
			st.Duration = end.Sub(s.StartTime)
		}
	}
	return st
}

type Stats struct {
	EventCount      int           `json:"eventCount"`
	ErrorCount      int           `json:"errorCount"`
	ScreenshotCount int           `json:"screenshotCount"`
	FlagCount       int           `json:"flagCount"`
	Duration        time.Duration `json:"duration"`
}

// UnmarshalJSON decodes persisted records leniently: malformed start/end
// timestamps become zero/nil instead of failing the whole record, since
// the store may hold values written by older or foreign writers.
func (s *Session) UnmarshalJSON(b []byte) error {
	type plain Session
	var aux struct {
		plain
		StartTime json.RawMessage `json:"startTime"`
		EndTime   json.RawMessage `json:"endTime"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Session(aux.plain)
	s.StartTime = time.Time{}
	if t := ParseTimestamp(aux.StartTime); t != nil {
		s.StartTime = *t
	}
	s.EndTime = ParseTimestamp(aux.EndTime)
	return nil
}

// ParseTimestamp accepts an RFC 3339 string or a number of epoch
// milliseconds. Anything else, including null, yields nil.
func ParseTimestamp(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
			if t, err := time.Parse(layout, str); err == nil {
				return &t
			}
		}
		return nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		t := time.UnixMilli(int64(ms)).UTC()
		return &t
	}
	return nil
}
