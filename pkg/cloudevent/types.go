// Package cloudevent provides CloudEvents 1.0 types and their binary-mode
// attribute encoding for HTTP and Kafka transports.
package cloudevent

import (
	"errors"
	"time"
)

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a JSON CloudEvent that occurred at t.
func New(eventType, source, subject, id string, t time.Time, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            t.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes every receiver requires.
func (e *CloudEvent) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if e.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	return errors.Join(errs...)
}

// Attributes returns the context attributes in binary content mode, keyed
// without a transport prefix. Empty optional attributes are omitted.
func (e *CloudEvent) Attributes() map[string]string {
	attrs := map[string]string{
		"specversion": e.SpecVersion,
		"id":          e.ID,
		"type":        e.Type,
		"source":      e.Source,
	}
	if e.Subject != "" {
		attrs["subject"] = e.Subject
	}
	if !e.Time.IsZero() {
		attrs["time"] = e.Time.Format(time.RFC3339)
	}
	return attrs
}
