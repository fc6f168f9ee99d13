package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (publisher *recordingPublisher) Publish(_ context.Context, event Event) error {
	if publisher.err != nil {
		return publisher.err
	}
	publisher.events = append(publisher.events, event)
	return nil
}

func TestServiceLogsApplyOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	mustDeposit(test, service, user, 100, "dep-1")
	mustDeposit(test, service, user, 100, "dep-1")

	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	first := logger.entries[0]
	if first.Operation != "deposit" || first.UserID != user || first.Amount != 100 || first.ReferenceID.String() != "dep-1" {
		test.Fatalf("unexpected log entry: %+v", first)
	}
	if first.Error != nil || first.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", first)
	}
	if logger.entries[1].Status != operationStatusReplayed {
		test.Fatalf("expected replayed status, got %+v", logger.entries[1])
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.lockAccountsError = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	_, err := service.Apply(context.Background(), Transaction{
		Operation: "deposit",
		Accounts:  []UserID{user},
		Plan:      StaticPlan(mustPosting(test, user, EntryDeposit, 10, "dep-1")),
	})
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil || logger.entries[0].UserID != user {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestPublishFailureIsLoggedNotReturned(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	publisher := &recordingPublisher{err: errors.New("broker down")}
	service := mustNewService(test, newStubStore(test), WithOperationLogger(logger), WithEventPublisher(publisher))
	user := mustUserID(test, "user-1")
	service.Publish(context.Background(), Event{Type: EventTipSettled, UserID: user, Amount: 5})

	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Operation != operationPublish+":"+EventTipSettled || logger.entries[0].Status != operationStatusError {
		test.Fatalf("unexpected log entry %+v", logger.entries[0])
	}
}
