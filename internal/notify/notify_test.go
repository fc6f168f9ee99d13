package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (writer *stubWriter) WriteMessages(_ context.Context, messages ...kafka.Message) error {
	if writer.err != nil {
		return writer.err
	}
	writer.messages = append(writer.messages, messages...)
	return nil
}

func (writer *stubWriter) Close() error {
	writer.closed = true
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, ledger.Event) error {
	return errors.New("broker down")
}

func sampleEvent(test *testing.T) ledger.Event {
	test.Helper()
	userID, err := ledger.NewUserID("reader-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return ledger.Event{
		Type:            ledger.EventTipSettled,
		UserID:          userID,
		ReferenceID:     "tip-1",
		Amount:          25,
		OccurredUnixUTC: 1700000000,
		Attributes:      map[string]string{"author_id": "author-1"},
	}
}

func TestKafkaPublisherMessage(test *testing.T) {
	test.Parallel()
	writer := &stubWriter{}
	publisher := newKafkaPublisher(writer, "")
	if err := publisher.Publish(context.Background(), sampleEvent(test)); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if len(writer.messages) != 1 {
		test.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	message := writer.messages[0]
	if message.Topic != "coinledger.tip.settled" || string(message.Key) != "reader-1" {
		test.Fatalf("unexpected routing topic=%s key=%s", message.Topic, message.Key)
	}
	var payload Payload
	if err := json.Unmarshal(message.Value, &payload); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if payload.Amount != 25 || payload.ReferenceID != "tip-1" || payload.Attributes["author_id"] != "author-1" {
		test.Fatalf("unexpected payload %+v", payload)
	}
	if message.Time.Unix() != 1700000000 {
		test.Fatalf("unexpected message time %v", message.Time)
	}
	if err := publisher.Close(); err != nil || !writer.closed {
		test.Fatalf("expected writer closed, err=%v", err)
	}
}

func TestKafkaPublisherErrors(test *testing.T) {
	test.Parallel()
	if _, err := NewKafkaPublisher([]string{" ", ""}, "x."); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	writer := &stubWriter{err: errors.New("leader not available")}
	publisher := newKafkaPublisher(writer, "custom.")
	if err := publisher.Publish(context.Background(), sampleEvent(test)); err == nil {
		test.Fatalf("expected write error")
	}
}

func TestFanoutJoinsFailures(test *testing.T) {
	test.Parallel()
	memory := &Memory{}
	core, recorded := observer.New(zapcore.InfoLevel)
	fanout := Fanout{memory, nil, failingPublisher{}, NewLogPublisher(zap.New(core))}
	err := fanout.Publish(context.Background(), sampleEvent(test))
	if err == nil || err.Error() != "broker down" {
		test.Fatalf("expected joined failure, got %v", err)
	}
	if len(memory.Events()) != 1 {
		test.Fatalf("memory publisher must still receive the event")
	}
	entries := recorded.FilterMessage("ledger event").AllUntimed()
	if len(entries) != 1 || entries[0].ContextMap()["type"] != ledger.EventTipSettled {
		test.Fatalf("unexpected log lines %+v", entries)
	}
}
