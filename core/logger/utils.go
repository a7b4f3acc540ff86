package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of a log entry.
type EventType string

const (
	EventRunCommand      EventType = "run_command"
	EventCommandNotFound EventType = "command_not_found"
	EventJobStarted      EventType = "job_started"
	EventJobFinished     EventType = "job_finished"
	EventJobTerminated   EventType = "job_terminated"
	EventJobStopped      EventType = "job_stopped"
	EventJobResumed      EventType = "job_resumed"
)

// LogEntry is a single event.
type LogEntry struct {
	TimestampMicros int64     `json:"timestamp_micros"`
	SessionID       string    `json:"session_id,omitempty"`
	Type            EventType `json:"type"`

	// Command holds the program names of the pipeline.
	Command []string `json:"command,omitempty"`
	// Text is the command line as typed.
	Text string `json:"text,omitempty"`

	JobID      int   `json:"job_id,omitempty"`
	Pids       []int `json:"pids,omitempty"`
	ExitStatus int   `json:"exit_status,omitempty"`
	Signal     int   `json:"signal,omitempty"`
}

// LogRecorder is a callback that stores events in an external datastore.
type LogRecorder func(le *LogEntry) error

// Logger captures the shell's event log.
type Logger struct {
	Record LogRecorder
}

// NewJSONLinesLogRecorder creates a Logger that exports logs in newline
// delimited JSON object format. It's safe for concurrent use.
func NewJSONLinesLogRecorder(w io.Writer) *Logger {
	var mu sync.Mutex
	return &Logger{
		Record: func(le *LogEntry) error {
			entry, err := json.Marshal(le)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			_, err = fmt.Fprintln(w, string(entry))
			return err
		},
	}
}

// NewNopLogger creates a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{
		Record: func(*LogEntry) error { return nil },
	}
}

// NewSession creates a logger with a fresh session ID.
func (l *Logger) NewSession() *SessionLogger {
	return &SessionLogger{logger: l, sessionID: uuid.NewString()}
}

// Sessionless creates a logger without a session ID.
func (l *Logger) Sessionless() *SessionLogger {
	return &SessionLogger{logger: l}
}

// SessionLogger logs events with a shared session ID.
type SessionLogger struct {
	logger    *Logger
	sessionID string

	// now is overridden in tests.
	now func() time.Time
}

// SessionID returns the ID attached to every entry.
func (l *SessionLogger) SessionID() string {
	return l.sessionID
}

// Record stamps the entry with the session and current time and stores it.
func (l *SessionLogger) Record(le *LogEntry) error {
	now := time.Now
	if l.now != nil {
		now = l.now
	}

	le.TimestampMicros = now().UnixMicro()
	le.SessionID = l.sessionID
	return l.logger.Record(le)
}
