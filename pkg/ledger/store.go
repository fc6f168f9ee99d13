package ledger

import "context"

// Records is the storage view available to workflows and transaction plans.
// Plans may transition request records but never write accounts or entries.
type Records interface {
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	FindEntry(ctx context.Context, kind EntryKind, referenceID ReferenceID) (Entry, bool, error)
	SumEntries(ctx context.Context, userID UserID, kind EntryKind, day Day) (SignedCoins, error)
	SumAccountEntries(ctx context.Context, userID UserID) (SignedCoins, error)
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ScanEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	CreateDepositRequest(ctx context.Context, request DepositRequest) error
	GetDepositRequest(ctx context.Context, requestID string) (DepositRequest, error)
	ResolveDepositRequest(ctx context.Context, requestID string, from DepositStatus, resolution Resolution) error
	ListDepositRequests(ctx context.Context, filter RequestFilter) ([]DepositRequest, error)

	CreateWithdrawalRequest(ctx context.Context, request WithdrawalRequest) error
	GetWithdrawalRequest(ctx context.Context, requestID string) (WithdrawalRequest, error)
	ResolveWithdrawalRequest(ctx context.Context, requestID string, from WithdrawalStatus, resolution Resolution) error
	ListWithdrawalRequests(ctx context.Context, filter RequestFilter) ([]WithdrawalRequest, error)
}

// Store is the persistence contract behind Service. Only Service.Apply calls the
// account and entry writers.
type Store interface {
	Records
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccounts get-or-creates the accounts and locks their rows for the
	// remainder of the transaction, in the order given.
	LockAccounts(ctx context.Context, userIDs []UserID) (map[UserID]Account, error)
	InsertEntries(ctx context.Context, postings []Posting, createdUnixUTC int64) ([]Entry, error)
	// UpdateAccountBalance is a compare-and-swap on the account version.
	UpdateAccountBalance(ctx context.Context, userID UserID, expectedVersion int64, balance Coins) error
}
