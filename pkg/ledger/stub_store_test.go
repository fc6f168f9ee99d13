package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with snapshot rollback and error injection.
type stubStore struct {
	mu          sync.Mutex
	accounts    map[UserID]Account
	entries     []Entry
	deposits    map[string]DepositRequest
	withdrawals map[string]WithdrawalRequest
	nextEntryID int

	lockAccountsError error
	findEntryError    error
	insertEntryError  error
	updateError       error
	getAccountError   error
	sumError          error
	inTx              bool
	lockCalls         [][]UserID
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    make(map[UserID]Account),
		deposits:    make(map[string]DepositRequest),
		withdrawals: make(map[string]WithdrawalRequest),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	accounts := make(map[UserID]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	entries := append([]Entry(nil), store.entries...)
	deposits := make(map[string]DepositRequest, len(store.deposits))
	for key, value := range store.deposits {
		deposits[key] = value
	}
	withdrawals := make(map[string]WithdrawalRequest, len(store.withdrawals))
	for key, value := range store.withdrawals {
		withdrawals[key] = value
	}
	store.inTx = true
	err := fn(ctx, store)
	store.inTx = false
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		store.accounts = accounts
		store.entries = entries
		store.deposits = deposits
		store.withdrawals = withdrawals
	}
	return err
}

func (store *stubStore) LockAccounts(_ context.Context, userIDs []UserID) (map[UserID]Account, error) {
	if store.lockAccountsError != nil {
		return nil, store.lockAccountsError
	}
	store.lockCalls = append(store.lockCalls, append([]UserID(nil), userIDs...))
	locked := make(map[UserID]Account, len(userIDs))
	for _, userID := range userIDs {
		account, ok := store.accounts[userID]
		if !ok {
			account = Account{UserID: userID}
			store.accounts[userID] = account
		}
		locked[userID] = account
	}
	return locked, nil
}

func (store *stubStore) InsertEntries(_ context.Context, postings []Posting, createdUnixUTC int64) ([]Entry, error) {
	if store.insertEntryError != nil {
		return nil, store.insertEntryError
	}
	inserted := make([]Entry, 0, len(postings))
	for _, posting := range postings {
		for _, entry := range store.entries {
			if entry.Kind == posting.Kind && entry.ReferenceID == posting.ReferenceID {
				return nil, fmt.Errorf("%w: unique violation", ErrDuplicateReference)
			}
		}
		store.nextEntryID++
		day := posting.EffectiveDay
		if day.IsZero() {
			day = DayOf(createdUnixUTC)
		}
		entry := Entry{
			EntryID:        EntryID{value: fmt.Sprintf("entry-%d", store.nextEntryID)},
			AccountID:      posting.AccountID,
			Kind:           posting.Kind,
			Amount:         posting.Amount,
			ReferenceID:    posting.ReferenceID,
			StoryID:        posting.StoryID,
			EffectiveDay:   day,
			Metadata:       posting.Metadata,
			CreatedUnixUTC: createdUnixUTC,
		}
		store.entries = append(store.entries, entry)
		inserted = append(inserted, entry)
	}
	return inserted, nil
}

func (store *stubStore) UpdateAccountBalance(_ context.Context, userID UserID, expectedVersion int64, balance Coins) error {
	if store.updateError != nil {
		return store.updateError
	}
	account := store.accounts[userID]
	if account.Version != expectedVersion {
		return ErrStaleAccount
	}
	store.accounts[userID] = Account{UserID: userID, Balance: balance, Version: expectedVersion + 1}
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) FindEntry(_ context.Context, kind EntryKind, referenceID ReferenceID) (Entry, bool, error) {
	if store.findEntryError != nil {
		return Entry{}, false, store.findEntryError
	}
	for _, entry := range store.entries {
		if entry.Kind == kind && entry.ReferenceID == referenceID {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) SumEntries(_ context.Context, userID UserID, kind EntryKind, day Day) (SignedCoins, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total SignedCoins
	for _, entry := range store.entries {
		if entry.AccountID == userID && entry.Kind == kind && entry.EffectiveDay == day {
			total += entry.Amount
		}
	}
	return total, nil
}

func (store *stubStore) SumAccountEntries(_ context.Context, userID UserID) (SignedCoins, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total SignedCoins
	for _, entry := range store.entries {
		if entry.AccountID == userID {
			total += entry.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	matched := make([]Entry, 0)
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID != userID {
			continue
		}
		if beforeUnixUTC > 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, entry)
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) ScanEntries(_ context.Context, filter EntryFilter) ([]Entry, error) {
	matched := make([]Entry, 0)
	for _, entry := range store.entries {
		if !filter.AccountID.IsZero() && entry.AccountID != filter.AccountID {
			continue
		}
		if entry.CreatedUnixUTC < filter.SinceUnixUTC {
			continue
		}
		matched = append(matched, entry)
	}
	return matched, nil
}

func (store *stubStore) CreateDepositRequest(_ context.Context, request DepositRequest) error {
	store.deposits[request.RequestID] = request
	return nil
}

func (store *stubStore) GetDepositRequest(_ context.Context, requestID string) (DepositRequest, error) {
	request, ok := store.deposits[requestID]
	if !ok {
		return DepositRequest{}, ErrUnknownDepositRequest
	}
	return request, nil
}

func (store *stubStore) ResolveDepositRequest(_ context.Context, requestID string, from DepositStatus, resolution Resolution) error {
	request, ok := store.deposits[requestID]
	if !ok {
		return ErrUnknownDepositRequest
	}
	if request.Status != from {
		return ErrConflict
	}
	request.Status = DepositStatus(resolution.Status)
	request.AdminNote = resolution.AdminNote
	request.ReviewerID = resolution.ReviewerID
	request.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	store.deposits[requestID] = request
	return nil
}

func (store *stubStore) ListDepositRequests(_ context.Context, filter RequestFilter) ([]DepositRequest, error) {
	requests := make([]DepositRequest, 0)
	for _, request := range store.deposits {
		if filter.Status != "" && string(request.Status) != filter.Status {
			continue
		}
		requests = append(requests, request)
	}
	sort.Slice(requests, func(left, right int) bool {
		return requests[left].RequestID < requests[right].RequestID
	})
	return requests, nil
}

func (store *stubStore) CreateWithdrawalRequest(_ context.Context, request WithdrawalRequest) error {
	store.withdrawals[request.RequestID] = request
	return nil
}

func (store *stubStore) GetWithdrawalRequest(_ context.Context, requestID string) (WithdrawalRequest, error) {
	request, ok := store.withdrawals[requestID]
	if !ok {
		return WithdrawalRequest{}, ErrUnknownWithdrawRequest
	}
	return request, nil
}

func (store *stubStore) ResolveWithdrawalRequest(_ context.Context, requestID string, from WithdrawalStatus, resolution Resolution) error {
	request, ok := store.withdrawals[requestID]
	if !ok {
		return ErrUnknownWithdrawRequest
	}
	if request.Status != from {
		return ErrConflict
	}
	request.Status = WithdrawalStatus(resolution.Status)
	request.AdminNote = resolution.AdminNote
	request.ReviewerID = resolution.ReviewerID
	request.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	store.withdrawals[requestID] = request
	return nil
}

func (store *stubStore) ListWithdrawalRequests(_ context.Context, filter RequestFilter) ([]WithdrawalRequest, error) {
	requests := make([]WithdrawalRequest, 0)
	for _, request := range store.withdrawals {
		if filter.Status != "" && string(request.Status) != filter.Status {
			continue
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// balanceOf reads the stored balance outside a transaction.
func (store *stubStore) balanceOf(userID UserID) Coins {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.accounts[userID].Balance
}

func (store *stubStore) entryCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.entries)
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReferenceID(test *testing.T, raw string) ReferenceID {
	test.Helper()
	referenceID, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return referenceID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPosting(test *testing.T, accountID UserID, kind EntryKind, amount SignedCoins, reference string) Posting {
	test.Helper()
	posting, err := NewPosting(accountID, kind, amount, mustReferenceID(test, reference), mustMetadata(test, ""))
	if err != nil {
		test.Fatalf("posting: %v", err)
	}
	return posting
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustDeposit(test *testing.T, service *Service, userID UserID, amount SignedCoins, reference string) {
	test.Helper()
	_, err := service.Apply(context.Background(), Transaction{
		Operation: "deposit",
		Accounts:  []UserID{userID},
		Plan:      StaticPlan(mustPosting(test, userID, EntryDeposit, amount, reference)),
	})
	if err != nil {
		test.Fatalf("deposit failed: %v", err)
	}
}
