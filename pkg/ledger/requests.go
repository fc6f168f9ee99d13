package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DepositStatus is the lifecycle state of a deposit request.
type DepositStatus string

// Deposit statuses.
const (
	DepositPending  DepositStatus = "pending"
	DepositApproved DepositStatus = "approved"
	DepositRejected DepositStatus = "rejected"
)

// ParseDepositStatus validates a deposit status.
func ParseDepositStatus(raw string) (DepositStatus, error) {
	switch status := DepositStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case DepositPending, DepositApproved, DepositRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: deposit status %q", ErrInvalidStatus, raw)
	}
}

// IsTerminal reports whether the request has been resolved.
func (status DepositStatus) IsTerminal() bool {
	return status == DepositApproved || status == DepositRejected
}

// DepositRequest is a pending or resolved bank-transfer deposit.
type DepositRequest struct {
	RequestID       string
	UserID          UserID
	AmountCurrency  decimal.Decimal
	Currency        string
	AmountCoins     Coins
	Method          string
	TransferCode    string
	Status          DepositStatus
	AdminNote       string
	ReviewerID      string
	CreatedUnixUTC  int64
	ResolvedUnixUTC int64
}

// Resolution is the admin decision applied to a pending request.
type Resolution struct {
	Status          string
	AdminNote       string
	ReviewerID      string
	ResolvedUnixUTC int64
}

// WithdrawalStatus is the lifecycle state of a payout request.
type WithdrawalStatus string

// Withdrawal statuses.
const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
)

// ParseWithdrawalStatus validates a withdrawal status.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	switch status := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case WithdrawalPending, WithdrawalCompleted, WithdrawalRejected, WithdrawalCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: withdrawal status %q", ErrInvalidStatus, raw)
	}
}

// IsTerminal reports whether the request has left the pending state.
func (status WithdrawalStatus) IsTerminal() bool {
	return status != WithdrawalPending
}

// WithdrawalRequest is an author payout backed by a withdrawal hold.
type WithdrawalRequest struct {
	RequestID       string
	AuthorID        UserID
	AmountCoins     Coins
	AmountCurrency  decimal.Decimal
	Currency        string
	BankDetails     string
	Status          WithdrawalStatus
	AdminNote       string
	ReviewerID      string
	CreatedUnixUTC  int64
	ResolvedUnixUTC int64
}

// RequestFilter narrows deposit and withdrawal listings.
type RequestFilter struct {
	UserID UserID
	Status string
	Limit  int
}

// EntryFilter narrows read-model scans over the log.
type EntryFilter struct {
	AccountID     UserID
	Kinds         []EntryKind
	SinceUnixUTC  int64
	BeforeUnixUTC int64
}
