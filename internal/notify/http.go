package notify

import (
	"context"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/pkg/cloudevent"
	"time"
)

// WebhookPublisher posts notifications as structured CloudEvents, optionally
// HMAC signed.
type WebhookPublisher struct {
	sender *cloudevent.Sender
	url    string
	key    string
}

// NewWebhookPublisher creates a publisher posting to url.
func NewWebhookPublisher(url, signingKey string, timeout time.Duration) *WebhookPublisher {
	return &WebhookPublisher{
		sender: cloudevent.NewSender(timeout),
		url:    url,
		key:    signingKey,
	}
}

func (p *WebhookPublisher) Name() string { return "webhook" }

// Publish posts the event. 4xx responses are not retried.
func (p *WebhookPublisher) Publish(ctx context.Context, event *cloudevent.CloudEvent) error {
	err := p.sender.Send(ctx, p.url, event, p.key)
	if err == nil {
		return nil
	}
	if cloudevent.IsClientError(err) {
		return apperrors.Permanent("webhook.send", err)
	}
	return apperrors.Transient("webhook.send", err)
}
