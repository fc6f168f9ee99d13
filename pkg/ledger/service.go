package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Service contains the domain logic over a Store. Apply is the only code path
// that writes accounts and entries.
type Service struct {
	store     Store
	nowFn     func() int64
	logger    OperationLogger
	publisher EventPublisher
	locker    *accountLocker
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, locker: newAccountLocker()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Records exposes read access and request records to workflows.
func (service *Service) Records() Records {
	return service.store
}

// Now returns the service clock in unix seconds.
func (service *Service) Now() int64 {
	return service.nowFn()
}

// Apply commits the transaction atomically. Postings whose (kind, reference) already
// exist with the same account and amount are not re-applied; when all of them exist
// the prior entries are returned with Receipt.Replayed set.
func (service *Service) Apply(ctx context.Context, transaction Transaction) (Receipt, error) {
	receipt, err := service.apply(ctx, transaction)
	logEntry := OperationLog{
		Operation: transaction.Operation,
		Entries:   len(receipt.Entries),
		Error:     err,
	}
	if len(receipt.Entries) > 0 {
		first := receipt.Entries[0]
		logEntry.UserID = first.AccountID
		logEntry.ReferenceID = first.ReferenceID
		logEntry.Amount = first.Amount
		logEntry.Metadata = first.Metadata
	} else if len(transaction.Accounts) > 0 {
		logEntry.UserID = transaction.Accounts[0]
	}
	if err == nil && receipt.Replayed {
		logEntry.Status = operationStatusReplayed
	}
	service.logOperation(ctx, logEntry)
	return receipt, err
}

func (service *Service) apply(ctx context.Context, transaction Transaction) (Receipt, error) {
	if err := transaction.validate(); err != nil {
		return Receipt{}, WrapError(operationApply, "transaction", "invalid", err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	accounts := lockOrder(transaction.Accounts)
	unlock := service.locker.lock(accounts)
	defer unlock()

	var receipt Receipt
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockAccounts(ctx, accounts)
		if err != nil {
			return err
		}
		postings, err := transaction.Plan(ctx, transactionStore)
		if err != nil {
			return err
		}
		if err := validatePostings(postings, locked); err != nil {
			return WrapError(operationApply, "postings", "invalid", err)
		}
		existing, pending, err := partitionPostings(ctx, transactionStore, postings)
		if err != nil {
			return err
		}
		receipt = Receipt{Operation: transaction.Operation, Entries: existing}
		if len(pending) == 0 {
			receipt.Replayed = len(existing) > 0
			return nil
		}
		balances, err := projectBalances(locked, pending)
		if err != nil {
			return err
		}
		inserted, err := transactionStore.InsertEntries(ctx, pending, service.nowFn())
		if err != nil {
			return err
		}
		for _, accountID := range accounts {
			balance, touched := balances[accountID]
			if !touched {
				continue
			}
			if err := transactionStore.UpdateAccountBalance(ctx, accountID, locked[accountID].Version, balance); err != nil {
				return err
			}
		}
		receipt.Entries = append(receipt.Entries, inserted...)
		receipt.Resumed = len(existing) > 0
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// partitionPostings splits postings into already committed entries and postings still to write.
func partitionPostings(ctx context.Context, records Records, postings []Posting) ([]Entry, []Posting, error) {
	existing := make([]Entry, 0, len(postings))
	pending := make([]Posting, 0, len(postings))
	for _, posting := range postings {
		entry, found, err := records.FindEntry(ctx, posting.Kind, posting.ReferenceID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			pending = append(pending, posting)
			continue
		}
		if !samePosting(entry, posting) {
			return nil, nil, WrapError(operationApply, posting.Kind.String(), "duplicate_reference",
				fmt.Errorf("%w: %s %s", ErrDuplicateReference, posting.Kind, posting.ReferenceID))
		}
		existing = append(existing, entry)
	}
	return existing, pending, nil
}

// projectBalances returns the post-transaction balance of every touched account.
func projectBalances(locked map[UserID]Account, pending []Posting) (map[UserID]Coins, error) {
	deltas := make(map[UserID]SignedCoins, len(locked))
	for _, posting := range pending {
		delta, ok := addCoins(deltas[posting.AccountID], posting.Amount)
		if !ok {
			return nil, WrapError(operationApply, posting.AccountID.String(), "overflow", fmt.Errorf("%w: balance overflow", ErrInvalidAmount))
		}
		deltas[posting.AccountID] = delta
	}
	balances := make(map[UserID]Coins, len(deltas))
	for accountID, delta := range deltas {
		next, ok := addCoins(locked[accountID].Balance.Signed(), delta)
		if !ok {
			return nil, WrapError(operationApply, accountID.String(), "overflow", fmt.Errorf("%w: balance overflow", ErrInvalidAmount))
		}
		if next < 0 {
			return nil, WrapError(operationApply, accountID.String(), "insufficient_funds", ErrInsufficientFunds)
		}
		balances[accountID] = next.Abs()
	}
	return balances, nil
}

func addCoins(left SignedCoins, right SignedCoins) (SignedCoins, bool) {
	if (right > 0 && left > math.MaxInt64-right) || (right < 0 && left < math.MinInt64-right) {
		return 0, false
	}
	return left + right, true
}

// Balance returns the stored balance; unknown users have an empty account.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrUnknownAccount) {
		return Account{UserID: userID}, nil
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ListEntries pages through an account's entries, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

// Reconcile recomputes the balance from the log and compares it with the stored value.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	var reconciliation Reconciliation
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if errors.Is(err, ErrUnknownAccount) {
			account = Account{UserID: userID}
		} else if err != nil {
			return err
		}
		total, err := transactionStore.SumAccountEntries(ctx, userID)
		if err != nil {
			return err
		}
		reconciliation = Reconciliation{
			UserID:        userID,
			StoredBalance: account.Balance,
			LogBalance:    total,
			Version:       account.Version,
		}
		return nil
	})
	status := operationStatusOK
	if err == nil && !reconciliation.Consistent() {
		status = "drift"
	}
	if err != nil {
		status = ""
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Amount:    SignedCoins(reconciliation.Drift()),
		Status:    status,
		Error:     err,
	})
	return reconciliation, err
}

// AdjustBalance books an admin correction. The reason is mandatory and requestID
// (the admin UI request id) makes retries idempotent.
func (service *Service) AdjustBalance(ctx context.Context, actor Actor, userID UserID, amount SignedCoins, reason string, requestID ReferenceID) (Receipt, error) {
	if err := RequireAdmin(actor); err != nil {
		return Receipt{}, err
	}
	trimmedReason := strings.TrimSpace(reason)
	if trimmedReason == "" {
		return Receipt{}, WrapError(operationAdjust, "reason", "missing", fmt.Errorf("%w: adjustment reason required", ErrValidation))
	}
	metadata, err := MetadataFromFields(map[string]any{
		metadataKeyReason: trimmedReason,
		metadataKeyActor:  actor.UserID.String(),
	})
	if err != nil {
		return Receipt{}, err
	}
	posting, err := NewPosting(userID, EntryAdminAdjustment, amount, requestID, metadata)
	if err != nil {
		return Receipt{}, WrapError(operationAdjust, "posting", "invalid", err)
	}
	receipt, err := service.Apply(ctx, Transaction{
		Operation: operationAdjust,
		Accounts:  []UserID{userID},
		Plan:      StaticPlan(posting),
	})
	if err != nil {
		return Receipt{}, err
	}
	if !receipt.Replayed {
		service.Publish(ctx, Event{
			Type:        EventBalanceAdjusted,
			UserID:      userID,
			ReferenceID: requestID.String(),
			Amount:      amount.Int64(),
			Attributes:  map[string]string{metadataKeyReason: trimmedReason, metadataKeyActor: actor.UserID.String()},
		})
	}
	return receipt, nil
}
