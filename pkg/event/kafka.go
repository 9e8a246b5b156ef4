package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/workflow"
	"github.com/segmentio/kafka-go"
)

// Publisher writes events to a Kafka topic keyed by user so that the events
// of a user keep their order.
type Publisher struct {
	writer *kafka.Writer
}

var _ Sender = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (p *Publisher) Send(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("event: couldn't marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Data.UserID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "name", Value: []byte(e.Name)},
		},
	}
	for {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kafka.LeaderNotAvailable) && !errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("event: couldn't write message: %w", err)
		}
		if err := wait(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer reads events from a Kafka topic as part of a consumer group.
type Consumer struct {
	reader  *kafka.Reader
	logger  *log.Logger
	backoff workflow.Backoff
}

func NewConsumer(brokers []string, topic, group string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  time.Second,
		}),
		logger:  logger,
		backoff: workflow.Exponential{Initial: time.Second, Max: 30 * time.Second},
	}
}

// Consume fetches events until the context is done. Invalid events are
// logged and skipped; handler errors are retried before the offset is
// committed.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event: couldn't fetch message: %w", err)
		}
		e, err := Decode(msg.Value)
		if err != nil {
			c.logger.Warn("event: skipping invalid message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		} else if err := c.handle(ctx, h, e); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event: couldn't commit message: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, e *Event) error {
	for attempt := 1; ; attempt++ {
		err := h(ctx, e)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalid) {
			c.logger.Warn("event: dropping rejected event", "song", e.Data.SongID, "err", err)
			return nil
		}
		delay := c.backoff.Delay(attempt)
		c.logger.Error("event: couldn't handle event", "song", e.Data.SongID, "attempt", attempt, "wait", delay, "err", err)
		if err := wait(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
