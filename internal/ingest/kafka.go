// Package ingest bridges external event streams into the alert engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/checkd/checkd/internal/alerter"
	"github.com/checkd/checkd/internal/config"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrNotObject is returned for messages whose value is not a JSON object.
var ErrNotObject = errors.New("message value is not a JSON object")

// Handler processes one decoded event.
type Handler func(ctx context.Context, ev alerter.Event) (alerter.IngestResult, error)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads event objects from a topic and hands them to the engine
// exactly as if they had been posted to the control API.
type Consumer struct {
	reader MessageReader
	handle Handler
	logger zerolog.Logger
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg config.KafkaConfig, handle Handler, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return NewConsumerWithReader(reader, handle, logger), nil
}

// NewConsumerWithReader creates a consumer over an existing reader.
func NewConsumerWithReader(reader MessageReader, handle Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader: reader,
		handle: handle,
		logger: logger.With().Str("component", "kafka_ingest").Logger(),
	}
}

// Run consumes until ctx is cancelled, then closes the reader. Messages
// that cannot be decoded or handled are logged and committed so that one
// bad message does not stall the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info().Msg("Kafka event bridge started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("Kafka event bridge stopped")
				return nil
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		log := c.logger.With().
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Logger()

		ev, err := Decode(msg)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable event")
		} else if res, err := c.handle(ctx, ev); err != nil {
			log.Error().Err(err).Str("event", ev.Type).Msg("Event handling failed")
		} else {
			log.Debug().Str("event", ev.Type).Strs("matched", res.Matched).Bool("notified", res.Notified).Msg("Event ingested")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Commit failed")
		}
	}
}

// Decode turns a message into an event. The event type comes from the
// object's "type" field, else from a "type" header.
func Decode(msg kafka.Message) (alerter.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Value, &payload); err != nil || payload == nil {
		return alerter.Event{}, ErrNotObject
	}
	ev := alerter.Event{Source: "kafka", Payload: payload}
	if t, ok := payload["type"].(string); ok && t != "" {
		ev.Type = t
	} else {
		for _, h := range msg.Headers {
			if h.Key == "type" {
				ev.Type = string(h.Value)
			}
		}
	}
	return ev, nil
}
