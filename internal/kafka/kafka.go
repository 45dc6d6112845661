package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"wallet/internal/events"
)

// Publisher writes ledger events to a topic keyed by profile id, so each
// profile's events land on one partition in commit order.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(ctx context.Context, e events.LedgerEvent) error {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   e.Key(),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer reads ledger events as part of a consumer group. Offsets are
// committed only after the handler succeeds.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}
}

// Consume implements events.Consumer.
func (c *Consumer) Consume(ctx context.Context, handler events.Handler) error {
	slog.InfoContext(ctx, "Started consuming ledger events", "topic", c.reader.Config().Topic)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return events.ErrClosed
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		e, err := events.FromJSON(msg.Value)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to decode ledger event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset)
			// skip poison messages
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return fmt.Errorf("commit message: %w", err)
			}
			continue
		}

		if err := handler(ctx, e); err != nil {
			// Uncommitted offsets are redelivered after a rebalance or restart.
			return fmt.Errorf("handle event %s: %w", e.ID, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

var (
	_ events.Publisher = (*Publisher)(nil)
	_ events.Consumer  = (*Consumer)(nil)
)
