package notify

import (
	"context"
	"fmt"
	"log/slog"
	"pgsorchestrator/pkg/cloudevent"
)

// LogPublisher writes notifications to the log. Used for dry runs.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: slog.With("component", "notifier", "publisher", "log")}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, event *cloudevent.CloudEvent) error {
	p.logger.Info("Job status", "jobId", event.Subject, "event", event.Data["event"], "id", event.ID)
	return nil
}

// NewPublisher builds the publisher selected by cfg.Backend.
// The returned close function releases publisher resources.
func NewPublisher(cfg Config) (Publisher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "kafka":
		p, err := DialKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case "http", "webhook":
		if cfg.WebhookURL == "" {
			return nil, noop, fmt.Errorf("NOTIFY_WEBHOOK_URL is required for the %s backend", cfg.Backend)
		}
		return NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookKey, cfg.Timeout), noop, nil
	case "log", "":
		return NewLogPublisher(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown notifier backend %q", cfg.Backend)
	}
}
