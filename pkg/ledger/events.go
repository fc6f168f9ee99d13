package ledger

import "context"

// Event types emitted after commit.
const (
	EventDepositRequested    = "deposit.requested"
	EventDepositApproved     = "deposit.approved"
	EventDepositRejected     = "deposit.rejected"
	EventPurchaseSettled     = "purchase.settled"
	EventTipSettled          = "tip.settled"
	EventQuestRewarded       = "quest.rewarded"
	EventWithdrawalRequested = "withdrawal.requested"
	EventWithdrawalCompleted = "withdrawal.completed"
	EventWithdrawalRejected  = "withdrawal.rejected"
	EventWithdrawalCancelled = "withdrawal.cancelled"
	EventBalanceAdjusted     = "balance.adjusted"
)

// Event is a domain notification for the external dispatcher.
type Event struct {
	Type            string
	UserID          UserID
	ReferenceID     string
	Amount          int64
	OccurredUnixUTC int64
	Attributes      map[string]string
}

// EventPublisher delivers domain events. Failures never undo committed ledger state.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Publish hands events to the configured publisher, logging failures.
func (service *Service) Publish(ctx context.Context, events ...Event) {
	if service.publisher == nil {
		return
	}
	for _, event := range events {
		if event.OccurredUnixUTC == 0 {
			event.OccurredUnixUTC = service.nowFn()
		}
		if err := service.publisher.Publish(ctx, event); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationPublish + ":" + event.Type,
				UserID:    event.UserID,
				Amount:    SignedCoins(event.Amount),
				Error:     err,
			})
		}
	}
}
