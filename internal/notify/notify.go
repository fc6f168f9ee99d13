// Package notify delivers ledger domain events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopicPrefix is prepended to the event type to form the Kafka topic.
const DefaultTopicPrefix = "coinledger."

// Payload is the wire form of an event.
type Payload struct {
	Type            string            `json:"type"`
	UserID          string            `json:"user_id"`
	ReferenceID     string            `json:"reference_id"`
	Amount          int64             `json:"amount"`
	OccurredUnixUTC int64             `json:"occurred_unix_utc"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// NewPayload converts an event.
func NewPayload(event ledger.Event) Payload {
	return Payload{
		Type:            event.Type,
		UserID:          event.UserID.String(),
		ReferenceID:     event.ReferenceID,
		Amount:          event.Amount,
		OccurredUnixUTC: event.OccurredUnixUTC,
		Attributes:      event.Attributes,
	}
}

// LogPublisher writes events to the structured log. It is the default dispatcher.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher wraps logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (publisher *LogPublisher) Publish(_ context.Context, event ledger.Event) error {
	publisher.logger.Info("ledger event",
		zap.String("type", event.Type),
		zap.String("user_id", event.UserID.String()),
		zap.String("reference_id", event.ReferenceID),
		zap.Int64("amount", event.Amount),
		zap.Int64("occurred_unix_utc", event.OccurredUnixUTC),
		zap.Any("attributes", event.Attributes),
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by user id so a user's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer      messageWriter
	topicPrefix string
}

// NewKafkaPublisher connects a writer to brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	normalized := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ledger.ErrInvalidServiceConfig)
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(normalized...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, topicPrefix), nil
}

func newKafkaPublisher(writer messageWriter, topicPrefix string) *KafkaPublisher {
	if strings.TrimSpace(topicPrefix) == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &KafkaPublisher{writer: writer, topicPrefix: topicPrefix}
}

func (publisher *KafkaPublisher) Publish(ctx context.Context, event ledger.Event) error {
	value, err := json.Marshal(NewPayload(event))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Type, err)
	}
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Topic: publisher.topicPrefix + event.Type,
		Key:   []byte(event.UserID.String()),
		Value: value,
		Time:  time.Unix(event.OccurredUnixUTC, 0).UTC(),
	})
}

// Close flushes and closes the writer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}

// Fanout delivers each event to every publisher and joins their failures.
type Fanout []ledger.EventPublisher

func (fanout Fanout) Publish(ctx context.Context, event ledger.Event) error {
	var errs []error
	for _, publisher := range fanout {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in process.
type Memory struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (memory *Memory) Publish(_ context.Context, event ledger.Event) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.events = append(memory.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (memory *Memory) Events() []ledger.Event {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	return append([]ledger.Event(nil), memory.events...)
}
