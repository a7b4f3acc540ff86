package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ReadJSONLinesLog parses a newline delimited JSON log.
func ReadJSONLinesLog(r io.Reader, handler func(le *LogEntry)) error {
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var logEntry LogEntry
		if err := decoder.Decode(&logEntry); err != nil {
			return err
		}

		handler(&logEntry)
	}
	return nil
}

func NewFailureReport() *FailureReport {
	return &FailureReport{
		NotFound: NewPathCounter("command"),
		Failures: NewPathCounter("text", "status"),
	}
}

// FailureReport pulls events where commands didn't succeed.
type FailureReport struct {
	LogEntries int `json:"log_entries"`

	NotFound *PathCounter `json:"not_found"`
	Failures *PathCounter `json:"failures"`
}

func (r *FailureReport) Update(le *LogEntry) {
	r.LogEntries++

	switch le.Type {
	case EventCommandNotFound:
		for _, name := range le.Command {
			r.NotFound.Increment(name)
		}
	case EventJobFinished:
		if le.ExitStatus != 0 {
			r.Failures.Increment(le.Text, fmt.Sprintf("exit %d", le.ExitStatus))
		}
	case EventJobTerminated:
		r.Failures.Increment(le.Text, fmt.Sprintf("signal %d", le.Signal))
	}
}

// Report holds statistics about the logged events.
type Report struct {
	LogEntries     int        `json:"log_entries"`
	InvalidEntries StrCounter `json:"unknown_log_entries,omitempty"`
	Sessions       StrCounter `json:"sessions"`

	RunCommand     RunCommandReport     `json:"run_command_report"`
	UnknownCommand UnknownCommandReport `json:"unknown_command_report"`
	Jobs           JobReport            `json:"job_report"`
}

func (r *Report) Update(le *LogEntry) {
	r.LogEntries++
	if le.SessionID != "" {
		r.Sessions.Increment(le.SessionID)
	}

	switch le.Type {
	case EventRunCommand:
		r.RunCommand.update(le)
	case EventCommandNotFound:
		r.UnknownCommand.update(le)
	case EventJobStarted, EventJobFinished, EventJobTerminated, EventJobStopped, EventJobResumed:
		r.Jobs.update(le)
	default:
		r.InvalidEntries.Increment(string(le.Type))
	}
}

type RunCommandReport struct {
	// Pipelines counts the command lines that started processes.
	Pipelines int `json:"pipelines"`
	// LongestPipeline is the largest number of stages seen in one pipeline.
	LongestPipeline int `json:"longest_pipeline"`
	// Name of the commands run, per stage.
	CommandNames StrCounter `json:"command_names"`
}

func (r *RunCommandReport) update(le *LogEntry) {
	r.Pipelines++
	if len(le.Command) > r.LongestPipeline {
		r.LongestPipeline = len(le.Command)
	}
	for _, name := range le.Command {
		r.CommandNames.Increment(name)
	}
}

type UnknownCommandReport struct {
	CommandNames StrCounter `json:"command_names"`
}

func (r *UnknownCommandReport) update(le *LogEntry) {
	for _, name := range le.Command {
		r.CommandNames.Increment(name)
	}
}

type JobReport struct {
	Started    int `json:"started"`
	Finished   int `json:"finished"`
	Terminated int `json:"terminated"`
	Stopped    int `json:"stopped"`
	Resumed    int `json:"resumed"`

	ExitStatuses StrCounter `json:"exit_statuses"`
	Signals      StrCounter `json:"signals"`
}

func (r *JobReport) update(le *LogEntry) {
	switch le.Type {
	case EventJobStarted:
		r.Started++
	case EventJobFinished:
		r.Finished++
		r.ExitStatuses.Increment(strconv.Itoa(le.ExitStatus))
	case EventJobTerminated:
		r.Terminated++
		r.Signals.Increment(strconv.Itoa(le.Signal))
	case EventJobStopped:
		r.Stopped++
	case EventJobResumed:
		r.Resumed++
	}
}

// StrCounter counts the number of strings seen.
type StrCounter struct {
	internal map[string]int
}

// Increment adds one to the given key.
func (s *StrCounter) Increment(toAdd string) {
	if s.internal == nil {
		s.internal = make(map[string]int)
	}

	s.internal[toAdd]++
}

// Count returns the number of times key was seen.
func (s *StrCounter) Count(key string) int {
	return s.internal[key]
}

// MarshalJSON implemnts custom JSON marshaler.
func (s StrCounter) MarshalJSON() ([]byte, error) {
	if s.internal == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.internal)
}

func NewPathCounter(cols ...string) *PathCounter {
	return &PathCounter{
		cols:     cols,
		internal: make(map[string]int),
	}
}

// PathCounter counts the number of tuples seen.
type PathCounter struct {
	cols     []string
	internal map[string]int
}

// Increment adds one to the given key.
func (ctr *PathCounter) Increment(toAdd ...string) {
	if len(toAdd) != len(ctr.cols) {
		panic("wrong number of columns to add")
	}

	ctr.internal[toKey(toAdd...)]++
}

// MarshalJSON implemnts custom JSON marshaler.
func (ctr *PathCounter) MarshalJSON() ([]byte, error) {
	type Count struct {
		Count  int               `json:"count"`
		Fields map[string]string `json:"event"`
		Path   string            `json:"-"`
	}

	out := []Count{}
	for k, v := range ctr.internal {
		count := Count{
			Count:  v,
			Path:   k,
			Fields: make(map[string]string),
		}

		splitPath := fromKey(k)
		for colNum, colVal := range ctr.cols {
			count.Fields[colVal] = splitPath[colNum]
		}

		out = append(out, count)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Path < out[j].Path
		}
		return out[i].Count > out[j].Count
	})

	return json.Marshal(out)
}

func toKey(vals ...string) string {
	key, _ := json.Marshal(vals)
	return string(key)
}

func fromKey(key string) (out []string) {
	json.Unmarshal([]byte(key), &out)
	return
}
