// Package bus consumes job requests from the request topic and hands them to
// the supervisor.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/supervisor"
	"pgsorchestrator/pkg/retry"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// Config holds configuration for the request consumer.
type Config struct {
	Brokers        []string
	Topic          string        // request topic (default: pipeline-launch)
	GroupID        string        // consumer group (default: pgs-orchestrator)
	ClientID       string        // (default: pgs-orchestrator-requests)
	ConnectTimeout time.Duration // give up connecting after this long (default: 5m)
	SubmitRetry    retry.Policy  // retries of a submit that failed on the store
}

// LoadConfigFromEnv loads consumer configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Brokers:        config.GetListEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		Topic:          config.GetEnv("REQUEST_TOPIC", "pipeline-launch"),
		GroupID:        config.GetEnv("KAFKA_GROUP_ID", "pgs-orchestrator"),
		ClientID:       config.GetEnv("KAFKA_CLIENT_ID", "pgs-orchestrator-requests"),
		ConnectTimeout: config.GetDurationEnv("KAFKA_CONNECT_TIMEOUT", 5*time.Minute),
		SubmitRetry: retry.Policy{
			MaxRetries: config.GetIntEnv("REQUEST_MAX_RETRIES", 5),
			Initial:    config.GetDurationEnv("REQUEST_RETRY_INITIAL", time.Second),
			Max:        config.GetDurationEnv("REQUEST_RETRY_MAX", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "pipeline-launch"
	}
	if c.GroupID == "" {
		c.GroupID = "pgs-orchestrator"
	}
	if c.ClientID == "" {
		c.ClientID = "pgs-orchestrator-requests"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Minute
	}
	return c
}

// Submitter accepts a raw job request.
type Submitter interface {
	Submit(ctx context.Context, raw []byte) (*job.Job, error)
}

// NewConsumerConfig returns the consumer group configuration for requests.
func NewConsumerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 20 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	cfg.Consumer.Group.Member.UserData = []byte(clientID)
	cfg.Version = sarama.V3_6_0_0
	return cfg
}

// Consumer reads requests from a consumer group. Offsets are marked only
// after a request has been recorded, so a crash redelivers it and the
// duplicate is rejected by the store.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *requestHandler
	logger  *slog.Logger
}

// Connect joins the consumer group, retrying until the brokers are reachable
// or ConnectTimeout elapses.
func Connect(cfg Config, target Submitter) (*Consumer, error) {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "request-consumer")

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	expBackoff.InitialInterval = 5 * time.Second

	var group sarama.ConsumerGroup
	operation := func() error {
		var err error
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewConsumerConfig(cfg.ClientID))
		if err != nil {
			logger.Warn("Kafka not reachable, retrying", "brokers", cfg.Brokers, "error", err)
			return fmt.Errorf("creating consumer group: %w", err)
		}
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect request consumer after retries: %w", err)
	}
	return NewConsumer(group, cfg, target), nil
}

// NewConsumer wraps an existing consumer group.
func NewConsumer(group sarama.ConsumerGroup, cfg Config, target Submitter) *Consumer {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "request-consumer", "topic", cfg.Topic)
	return &Consumer{
		group: group,
		topic: cfg.Topic,
		handler: &requestHandler{
			target: target,
			retry:  cfg.SubmitRetry,
			logger: logger,
		},
		logger: logger,
	}
}

// Run consumes until ctx is cancelled. A session ended by a rebalance or a
// handler error is rejoined.
func (c *Consumer) Run(ctx context.Context) {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Error from consumer group", "error", err)
		}
	}()

	c.logger.Info("Request consumer started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Error("Consume session ended", "error", err)
		}
		if ctx.Err() != nil {
			c.logger.Info("Request consumer stopped")
			return
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// requestHandler implements sarama.ConsumerGroupHandler.
type requestHandler struct {
	target Submitter
	retry  retry.Policy
	logger *slog.Logger
}

func (h *requestHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("Consumer group session setup",
		"generationId", sess.GenerationID(),
		"memberId", sess.MemberID(),
	)
	return nil
}

func (h *requestHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("Consumer group session cleanup",
		"generationId", sess.GenerationID(),
		"memberId", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim submits each request in partition order. A request that
// cannot be recorded ends the session unmarked so it is redelivered.
func (h *requestHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info("Starting to consume from partition", "partition", claim.Partition(), "memberId", sess.MemberID())
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(sess.Context(), msg); err != nil {
				return err
			}
			sess.MarkMessage(msg, "")
		}
	}
}

// handle submits one request. Requests that are rejected for their content,
// or were already recorded, are done; anything else is retried.
func (h *requestHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	logger := h.logger.With("partition", msg.Partition, "offset", msg.Offset)

	err := retry.Do(ctx, h.retry, retryable,
		func(attempt int, err error, wait time.Duration) {
			logger.Warn("Submit failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
		func(ctx context.Context) error {
			j, err := h.target.Submit(ctx, msg.Value)
			if j != nil {
				logger = logger.With("jobId", j.ID)
			}
			return err
		})

	switch {
	case err == nil:
		logger.Info("Request accepted")
		return nil
	case errors.Is(err, apperrors.ErrValidation):
		logger.Warn("Request rejected", "error", err)
		return nil
	case errors.Is(err, apperrors.ErrConflict):
		logger.Info("Duplicate request ignored", "error", err)
		return nil
	default:
		return fmt.Errorf("submit request at offset %d: %w", msg.Offset, err)
	}
}

func retryable(err error) bool {
	if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrConflict) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, supervisor.ErrClosed)
}
