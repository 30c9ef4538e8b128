// Package report records per-file indexing outcomes as JSONL event
// logs and aggregates them into an end-of-run summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDiscover  EventType = "discover"
	EventSkip      EventType = "skip"
	EventDuplicate EventType = "duplicate"
	EventCaption   EventType = "caption"
	EventEmbed     EventType = "embed"
	EventIndex     EventType = "index"
	EventStale     EventType = "stale"
	EventSearch    EventType = "search"
	EventRepair    EventType = "repair"
	EventError     EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single event in the pipeline
type Event struct {
	Timestamp time.Time         `json:"ts"`
	RunID     string            `json:"run_id,omitempty"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	RecordID  string            `json:"record_id,omitempty"`
	Path      string            `json:"path,omitempty"`
	Query     string            `json:"query,omitempty"`
	Score     float64           `json:"score,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. Every run gets its own
// file and run ID so interleaved artifacts stay attributable.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	runID    string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("events-%s.jsonl", timestamp)
	path := filepath.Join(outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		runID:    uuid.NewString(),
		minLevel: minLevel,
	}, nil
}

// NullLogger returns a logger that discards everything
func NullLogger() *EventLogger {
	return &EventLogger{}
}

// Path returns the event log file location, or "" for a null logger
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// RunID returns this run's identifier
func (l *EventLogger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Close flushes and closes the log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.RunID = l.runID

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// LogDiscover logs a newly discovered file
func (l *EventLogger) LogDiscover(recordID, path string) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventDiscover,
		RecordID: recordID,
		Path:     path,
	})
}

// LogSkip logs a file skipped because its content is already indexed
func (l *EventLogger) LogSkip(recordID, path string) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventSkip,
		RecordID: recordID,
		Path:     path,
	})
}

// LogDuplicate logs an advisory near-duplicate flag
func (l *EventLogger) LogDuplicate(recordID, path, duplicateOf string, distance int) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventDuplicate,
		RecordID: recordID,
		Path:     path,
		Extra: map[string]string{
			"duplicate_of": duplicateOf,
			"distance":     fmt.Sprintf("%d", distance),
		},
	})
}

// LogCaption logs a completed caption model call
func (l *EventLogger) LogCaption(recordID, path string, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventCaption,
		RecordID: recordID,
		Path:     path,
		Duration: duration.Milliseconds(),
	})
}

// LogEmbed logs a record receiving its vector
func (l *EventLogger) LogEmbed(recordID, path string) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventEmbed,
		RecordID: recordID,
		Path:     path,
	})
}

// LogStale logs a record flagged because its file is gone
func (l *EventLogger) LogStale(recordID, path string) error {
	return l.Log(&Event{
		Level:    LevelWarning,
		Event:    EventStale,
		RecordID: recordID,
		Path:     path,
	})
}

// LogIndex logs a record reaching the indexed state
func (l *EventLogger) LogIndex(recordID, path string, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventIndex,
		RecordID: recordID,
		Path:     path,
		Duration: duration.Milliseconds(),
	})
}

// LogFailure logs a per-file indexing failure
func (l *EventLogger) LogFailure(recordID, path string, err error) error {
	return l.Log(&Event{
		Level:    LevelError,
		Event:    EventError,
		RecordID: recordID,
		Path:     path,
		Error:    err.Error(),
	})
}

// LogSearch logs a search invocation and its best score
func (l *EventLogger) LogSearch(query string, results int, topScore float64, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventSearch,
		Query:    query,
		Score:    topScore,
		Duration: duration.Milliseconds(),
		Extra: map[string]string{
			"results": fmt.Sprintf("%d", results),
		},
	})
}

// LogRepair logs a consistency repair action
func (l *EventLogger) LogRepair(recordID, action string) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventRepair,
		RecordID: recordID,
		Extra:    map[string]string{"action": action},
	})
}
