package job

import (
	"fmt"
	"pgsorchestrator/pkg/cloudevent"
	"time"
)

// EventTypeStatus is the CloudEvent type of job status notifications.
const EventTypeStatus = "pgs.job.status"

// NotificationFor builds the notification of status from the record j.
func NotificationFor(j *Job, status State, at time.Time) Notification {
	n := Notification{
		JobID:     j.ID,
		Status:    status,
		Time:      at,
		Reason:    j.Reason,
		TraceName: j.TraceName,
		TraceExit: j.TraceExit,
	}
	if status == StateSucceeded {
		n.ResultLocation = j.ResultLocation
	}
	return n
}

// NewStatusEvent encodes a notification as a CloudEvent.
//
// The event ID is derived from the job and status, so redelivered
// notifications carry the same ID and the backend can drop duplicates.
func NewStatusEvent(source string, n Notification) *cloudevent.CloudEvent {
	when := n.Time
	if when.IsZero() {
		when = time.Now()
	}
	data := map[string]any{
		"jobId":    n.JobID,
		"run_name": n.JobID,
		"utc_time": when.UTC().Format(time.RFC3339),
		"event":    string(n.Status),
	}
	if n.ResultLocation != "" {
		data["result_location"] = n.ResultLocation
	}
	if n.Reason != "" {
		data["reason"] = n.Reason
	}
	if n.TraceName != "" {
		data["trace_name"] = n.TraceName
	}
	if n.TraceExit != nil {
		data["trace_exit"] = *n.TraceExit
	}

	eventID := fmt.Sprintf("%s-%s", n.JobID, n.Status)
	return cloudevent.New(EventTypeStatus, source, n.JobID, eventID, when, data)
}
