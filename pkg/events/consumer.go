package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mvpdeploy/internal"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Handler reacts to one deployment status event.
type Handler func(ctx context.Context, evt internal.Event) error

// Option configures a Consumer.
type Option func(*Consumer)

// WithConcurrency bounds how many events are handled at once.
func WithConcurrency(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the consumer logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNackOnError redelivers events whose handler failed. Without it the
// failure is logged and the event acknowledged.
func WithNackOnError() Option {
	return func(c *Consumer) { c.nackOnError = true }
}

// Consumer decodes deployment status events and dispatches them by status.
type Consumer struct {
	subscriber  message.Subscriber
	topic       string
	concurrency int
	nackOnError bool
	logger      *zap.SugaredLogger

	byStatus map[string]Handler
	fallback Handler
}

// NewConsumer reads topic from subscriber.
func NewConsumer(subscriber message.Subscriber, topic string, opts ...Option) *Consumer {
	c := &Consumer{
		subscriber:  subscriber,
		topic:       topic,
		concurrency: 1,
		logger:      internal.NewLogger("events"),
		byStatus:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers h for events entering status.
func (c *Consumer) Handle(status string, h Handler) {
	if status == "" || h == nil {
		return
	}
	c.byStatus[status] = h
}

// HandleAll registers h for every status without a dedicated handler.
func (c *Consumer) HandleAll(h Handler) {
	c.fallback = h
}

// Run consumes until ctx is cancelled or the subscription closes.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if c.topic == "" {
		return errors.New("topic is required")
	}
	msgs, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.logger.Infof("consuming deployment events topic=%s", c.topic)

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				msg.Nack()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, msg)
			}()
		}
	}
}

// Close closes the subscriber.
func (c *Consumer) Close() error {
	if c.subscriber == nil {
		return nil
	}
	return c.subscriber.Close()
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	evt, err := Decode(msg)
	if err != nil {
		// A payload that does not decode never will.
		c.logger.Warnf("drop undecodable event uuid=%s: %v", msg.UUID, err)
		msg.Ack()
		return
	}
	handler := c.byStatus[evt.Status]
	if handler == nil {
		handler = c.fallback
	}
	if handler == nil {
		msg.Ack()
		return
	}
	err = handler(ctx, evt)
	internal.IncEventConsumed(evt.Status, err)
	if err != nil {
		c.logger.Warnf("handle event deployment=%s status=%s: %v", evt.DeploymentID, evt.Status, err)
		if c.nackOnError {
			msg.Nack()
			return
		}
	}
	msg.Ack()
}

// Decode reads a status event from a message payload.
func Decode(msg *message.Message) (internal.Event, error) {
	var evt internal.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return evt, err
	}
	if evt.DeploymentID == "" {
		evt.DeploymentID = msg.Metadata.Get("deployment_id")
	}
	if evt.Status == "" {
		evt.Status = msg.Metadata.Get("status")
	}
	if evt.DeploymentID == "" || evt.Status == "" {
		return evt, errors.New("event has no deployment_id or status")
	}
	return evt, nil
}

// LogTransitions writes each event to logger, failures at warn level.
func LogTransitions(logger *zap.SugaredLogger) Handler {
	return func(_ context.Context, evt internal.Event) error {
		fields := []interface{}{
			"deployment_id", evt.DeploymentID,
			"buyer_id", evt.BuyerID,
			"from", evt.PreviousStatus,
			"to", evt.Status,
		}
		switch {
		case evt.ErrorMessage != "":
			logger.Warnw("deployment failed", append(fields, "error", evt.ErrorMessage)...)
		case evt.SiteURL != "":
			logger.Infow("deployment status changed", append(fields, "site_url", evt.SiteURL)...)
		default:
			logger.Infow("deployment status changed", fields...)
		}
		return nil
	}
}
