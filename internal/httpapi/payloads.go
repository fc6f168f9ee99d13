package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

type accountPayload struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	AccountID      string          `json:"account_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	ReferenceID    string          `json:"reference_id"`
	StoryID        string          `json:"story_id,omitempty"`
	EffectiveDay   string          `json:"effective_day"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type receiptPayload struct {
	Operation string         `json:"operation"`
	Replayed  bool           `json:"replayed"`
	Resumed   bool           `json:"resumed"`
	Entries   []entryPayload `json:"entries"`
}

type grantPayload struct {
	QuestID   string `json:"quest_id"`
	Day       string `json:"day"`
	Requested int64  `json:"requested"`
	Granted   int64  `json:"granted"`
	Replayed  bool   `json:"replayed"`
}

type depositPayload struct {
	RequestID       string `json:"request_id"`
	UserID          string `json:"user_id"`
	AmountCurrency  string `json:"amount_currency"`
	Currency        string `json:"currency"`
	AmountCoins     int64  `json:"amount_coins"`
	Method          string `json:"method"`
	TransferCode    string `json:"transfer_code"`
	Status          string `json:"status"`
	AdminNote       string `json:"admin_note,omitempty"`
	ReviewerID      string `json:"reviewer_id,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
	ResolvedUnixUTC int64  `json:"resolved_unix_utc,omitempty"`
}

type withdrawalPayload struct {
	RequestID       string `json:"request_id"`
	AuthorID        string `json:"author_id"`
	AmountCoins     int64  `json:"amount_coins"`
	AmountCurrency  string `json:"amount_currency"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	AdminNote       string `json:"admin_note,omitempty"`
	ReviewerID      string `json:"reviewer_id,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
	ResolvedUnixUTC int64  `json:"resolved_unix_utc,omitempty"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{UserID: account.UserID.String(), Balance: account.Balance.Int64(), Version: account.Version}
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID.String(),
		AccountID:      entry.AccountID.String(),
		Kind:           entry.Kind.String(),
		Amount:         entry.Amount.Int64(),
		ReferenceID:    entry.ReferenceID.String(),
		StoryID:        entry.StoryID,
		EffectiveDay:   entry.EffectiveDay.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func newReceiptPayload(receipt ledger.Receipt) receiptPayload {
	entries := make([]entryPayload, 0, len(receipt.Entries))
	for _, entry := range receipt.Entries {
		entries = append(entries, newEntryPayload(entry))
	}
	return receiptPayload{Operation: receipt.Operation, Replayed: receipt.Replayed, Resumed: receipt.Resumed, Entries: entries}
}

// Bank details are write-only and never echoed back.
func newWithdrawalPayload(request ledger.WithdrawalRequest) withdrawalPayload {
	return withdrawalPayload{
		RequestID:       request.RequestID,
		AuthorID:        request.AuthorID.String(),
		AmountCoins:     request.AmountCoins.Int64(),
		AmountCurrency:  request.AmountCurrency.String(),
		Currency:        request.Currency,
		Status:          string(request.Status),
		AdminNote:       request.AdminNote,
		ReviewerID:      request.ReviewerID,
		CreatedUnixUTC:  request.CreatedUnixUTC,
		ResolvedUnixUTC: request.ResolvedUnixUTC,
	}
}

func newWithdrawalPayloads(requests []ledger.WithdrawalRequest) []withdrawalPayload {
	payloads := make([]withdrawalPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, newWithdrawalPayload(request))
	}
	return payloads
}

func newDepositPayload(request ledger.DepositRequest) depositPayload {
	return depositPayload{
		RequestID:       request.RequestID,
		UserID:          request.UserID.String(),
		AmountCurrency:  request.AmountCurrency.String(),
		Currency:        request.Currency,
		AmountCoins:     request.AmountCoins.Int64(),
		Method:          request.Method,
		TransferCode:    request.TransferCode,
		Status:          string(request.Status),
		AdminNote:       request.AdminNote,
		ReviewerID:      request.ReviewerID,
		CreatedUnixUTC:  request.CreatedUnixUTC,
		ResolvedUnixUTC: request.ResolvedUnixUTC,
	}
}

func newDepositPayloads(requests []ledger.DepositRequest) []depositPayload {
	payloads := make([]depositPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, newDepositPayload(request))
	}
	return payloads
}
