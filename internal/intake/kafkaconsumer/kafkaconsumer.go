// Package kafkaconsumer reads detection events from a Kafka topic.
package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"
)

// Config selects the brokers and topic to consume.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Validate reports missing settings.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka: topic required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group id required"))
	}
	return errors.Join(errs...)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// HandlerFunc processes one payload. A non-nil error leaves the message
// uncommitted and it is retried.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Consumer fetches messages, hands them to a HandlerFunc and commits them
// once handled.
type Consumer struct {
	reader     Reader
	handle     HandlerFunc
	logger     log.Logger
	retryDelay time.Duration
}

// NewReader validates cfg and creates a consumer-group reader for it.
func NewReader(cfg Config) (*kafka.Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.LastOffset,
	}), nil
}

// New creates a Consumer over r.
func New(r Reader, handle HandlerFunc, logger log.Logger) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{reader: r, handle: handle, logger: logger, retryDelay: time.Second}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles msg, retrying handler failures until they succeed or
// ctx ends, then commits.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.handle(ctx, msg.Value)
		if err == nil {
			break
		}
		c.logger.Error(ctx, err, "kafka message handling failed, retrying",
			"partition", msg.Partition, "offset", msg.Offset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
