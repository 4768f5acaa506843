package domain

import "time"

type LogKind string

const (
	LogConsole LogKind = "console"
	LogNetwork LogKind = "network"
	LogError   LogKind = "error"
	LogDOM     LogKind = "dom"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelLog   LogLevel = "log"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogRecord is a collector observation that has not been flushed yet.
// It only lives in a collector buffer; Event() converts it on flush.
type LogRecord struct {
	Kind      LogKind
	Type      EventType
	Level     LogLevel
	Message   string
	Timestamp time.Time
	Data      map[string]any
	id        string
}

func NewLogRecord(kind LogKind, typ EventType, at time.Time) LogRecord {
	return LogRecord{Kind: kind, Type: typ, Timestamp: at, Data: map[string]any{}, id: NewEventID(at)}
}

// ID is assigned at observation time so flags can point at a record
// before it is flushed.
func (r LogRecord) ID() string { return r.id }

func (r LogRecord) Event() Event {
	data := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		data[k] = v
	}
	if r.Level != "" {
		data["level"] = string(r.Level)
	}
	if r.Message != "" {
		data["message"] = r.Message
	}
	id := r.id
	if id == "" {
		id = NewEventID(r.Timestamp)
	}
	return Event{ID: id, Type: r.Type, Timestamp: FormatTimestamp(r.Timestamp), Data: data}
}
