// Package forward relays accepted events to a downstream stream after they
// have been stored.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/runnerr0/beacon/internal/models"
)

// Forwarder publishes events somewhere other than the record store.
type Forwarder interface {
	Forward(ctx context.Context, event *models.Event) error
	Close() error
}

// Nop returns the Forwarder used when no stream is configured.
func Nop() Forwarder { return nopForwarder{} }

type nopForwarder struct{}

func (nopForwarder) Forward(context.Context, *models.Event) error { return nil }
func (nopForwarder) Close() error                                 { return nil }

// KafkaConfig describes the topic events are published to.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Compression  string
	RequiredAcks string
	BatchSize    int
	BatchTimeout time.Duration
}

// KafkaForwarder publishes each event as one JSON message keyed by visitor,
// so a visitor's events land on one partition in arrival order.
type KafkaForwarder struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafka creates an asynchronous producer. Delivery failures are logged
// from the writer's completion callback and never reach the ingest path.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*KafkaForwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka forwarder: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka forwarder: no topic configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &KafkaForwarder{logger: logger}
	f.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: parseAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		Async:        true,
		Completion:   f.completion,
	}
	return f, nil
}

// Forward queues the event for publishing.
func (f *KafkaForwarder) Forward(ctx context.Context, event *models.Event) error {
	msg, err := newMessage(event)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("forward event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func (f *KafkaForwarder) completion(messages []kafka.Message, err error) {
	if err != nil {
		f.logger.Warn("event forwarding failed", "topic", f.writer.Topic, "messages", len(messages), "error", err)
	}
}

func newMessage(event *models.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.VisitorID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "received_at", Value: []byte(event.Timestamp.UTC().Format(time.RFC3339Nano))},
		},
	}, nil
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "", "none", "no", "off", "0":
		return kafka.Compression(0)
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

func parseAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}
