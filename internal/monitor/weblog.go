package monitor

import (
	"pgsorchestrator/internal/apperrors"
	"time"
)

// Weblog events sent by the workflow engine.
const (
	WeblogStarted          = "started"
	WeblogProcessSubmitted = "process_submitted"
	WeblogProcessStarted   = "process_started"
	WeblogProcessCompleted = "process_completed"
	WeblogError            = "error"
	WeblogCompleted        = "completed"
)

// WeblogMessage is a workflow engine weblog notification, pushed to the
// orchestrator while a compute run progresses.
type WeblogMessage struct {
	RunName  string         `json:"runName"`
	RunID    string         `json:"runId"`
	Event    string         `json:"event"`
	UTCTime  time.Time      `json:"utcTime"`
	Trace    *WeblogTrace   `json:"trace,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WeblogTrace describes the process an event refers to.
type WeblogTrace struct {
	Name   string `json:"name"`
	Exit   *int   `json:"exit"`
	Status string `json:"status"`
}

// Validate checks the fields the orchestrator relies on.
func (m *WeblogMessage) Validate() error {
	if m.RunName == "" {
		return apperrors.Validation("runName", "runName is required")
	}
	switch m.Event {
	case WeblogStarted, WeblogProcessSubmitted, WeblogProcessStarted,
		WeblogProcessCompleted, WeblogError, WeblogCompleted:
		return nil
	}
	return apperrors.Validation("event", "unknown weblog event "+m.Event)
}

// Report maps the message onto a status. Process-level events carry no job
// status and report unknown.
func (m *WeblogMessage) Report() Report {
	switch m.Event {
	case WeblogStarted:
		return Report{Status: StatusRunning}
	case WeblogCompleted:
		return Report{Status: StatusSucceeded}
	case WeblogError:
		r := Report{Status: StatusFailed}
		if m.Trace != nil {
			r.TraceName = m.Trace.Name
			r.ExitCode = m.Trace.Exit
		}
		return r
	}
	return Report{Status: StatusUnknown}
}
