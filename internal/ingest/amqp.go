package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// ConsumerConfig configures the AMQP event consumer
type ConsumerConfig struct {
	URL            string
	Queue          string
	Prefetch       int
	ReconnectDelay time.Duration
}

// Consumer feeds events published on an AMQP queue into the ingestor. Each
// message body is one JSON event.
type Consumer struct {
	ingestor *Ingestor
	cfg      ConsumerConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates an AMQP consumer
func NewConsumer(ingestor *Ingestor, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = "cadence.events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{
		ingestor: ingestor,
		cfg:      cfg,
		logger:   logger.With("component", "amqp", "queue", cfg.Queue),
		stopCh:   make(chan struct{}),
	}
}

// Start consumes in the background, reconnecting until stopped
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops consuming and waits for the in-flight message
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.consume(ctx)
		if err != nil {
			c.logger.Error("event consumer disconnected", "error", err, "retry_in", c.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "cadence", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("consuming events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

// acknowledger is the part of amqp.Delivery used to settle a message
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	c.settle(d, d.Body, c.handle(ctx, d.Body))
}

func (c *Consumer) settle(ack acknowledger, body []byte, err error) {
	switch {
	case err == nil:
		if err := ack.Ack(false); err != nil {
			c.logger.Warn("failed to ack event", "error", err)
		}
	case retryable(err):
		c.logger.Warn("event requeued", "error", err)
		if err := ack.Nack(false, true); err != nil {
			c.logger.Warn("failed to nack event", "error", err)
		}
	default:
		c.logger.Warn("event dropped", "error", err, "body", string(body))
		if err := ack.Nack(false, false); err != nil {
			c.logger.Warn("failed to nack event", "error", err)
		}
	}
}

// handle decodes and ingests one message body
func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.Invalid("body", "invalid JSON: %v", err)
	}
	_, err := c.ingestor.Ingest(ctx, &ev)
	return err
}

// retryable reports whether a failed message should be redelivered. Bad
// payloads and unknown enrollments never succeed on retry.
func retryable(err error) bool {
	return !apperr.IsValidation(err) && !apperr.IsNotFound(err)
}
