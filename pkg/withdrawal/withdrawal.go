// Package withdrawal pays out author earnings. Coins are held when the request is
// created and either paid out, refunded on rejection or released on cancellation.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	operationCreate  = "create_withdrawal"
	operationApprove = "approve_withdrawal"
	operationReject  = "reject_withdrawal"
	operationCancel  = "cancel_withdrawal"

	// DefaultMinWithdraw is the smallest payout in coins.
	DefaultMinWithdraw = ledger.Coins(50000)
	// DefaultCurrency is the payout currency.
	DefaultCurrency = "USD"
)

// Config tunes payout limits and conversion.
type Config struct {
	MinWithdraw  ledger.Coins
	CoinsPerUnit decimal.Decimal
	Currency     string
}

// Workflow owns the withdrawal request lifecycle.
type Workflow struct {
	engine *ledger.Service
	config Config
}

// NewWorkflow wires the workflow, filling defaults for zero config values.
func NewWorkflow(engine *ledger.Service, config Config) (*Workflow, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: ledger engine is nil", ledger.ErrInvalidServiceConfig)
	}
	if config.MinWithdraw < 0 {
		return nil, fmt.Errorf("%w: negative minimum withdrawal", ledger.ErrInvalidServiceConfig)
	}
	if config.MinWithdraw == 0 {
		config.MinWithdraw = DefaultMinWithdraw
	}
	if config.CoinsPerUnit.IsZero() {
		config.CoinsPerUnit = decimal.NewFromInt(1)
	}
	if config.CoinsPerUnit.IsNegative() {
		return nil, fmt.Errorf("%w: coins per unit must be positive", ledger.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.Currency) == "" {
		config.Currency = DefaultCurrency
	}
	return &Workflow{engine: engine, config: config}, nil
}

// MinWithdraw returns the configured minimum.
func (workflow *Workflow) MinWithdraw() ledger.Coins {
	return workflow.config.MinWithdraw
}

// Create places a hold for amount and records a pending request in one transaction.
// The available balance already excludes earlier holds. Retrying with the same
// request id returns the original request.
func (workflow *Workflow) Create(ctx context.Context, authorID ledger.UserID, amount ledger.Coins, bankDetails string, requestID string) (ledger.WithdrawalRequest, error) {
	if authorID.IsZero() {
		return ledger.WithdrawalRequest{}, ledger.WrapError(operationCreate, "author", "invalid", ledger.ErrInvalidUserID)
	}
	if amount < workflow.config.MinWithdraw {
		return ledger.WithdrawalRequest{}, ledger.WrapError(operationCreate, "amount", "below_minimum",
			fmt.Errorf("%w: minimum withdrawal is %d coins", ledger.ErrInvalidAmount, workflow.config.MinWithdraw))
	}
	bankDetails = strings.TrimSpace(bankDetails)
	if bankDetails == "" {
		return ledger.WithdrawalRequest{}, ledger.WrapError(operationCreate, "bank_details", "invalid",
			fmt.Errorf("%w: bank details required", ledger.ErrValidation))
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	reference, err := ledger.NewReferenceID(requestID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	request := ledger.WithdrawalRequest{
		RequestID:      requestID,
		AuthorID:       authorID,
		AmountCoins:    amount,
		AmountCurrency: decimal.NewFromInt(amount.Int64()).DivRound(workflow.config.CoinsPerUnit, 2),
		Currency:       workflow.config.Currency,
		BankDetails:    bankDetails,
		Status:         ledger.WithdrawalPending,
		CreatedUnixUTC: workflow.engine.Now(),
	}
	plan := func(ctx context.Context, records ledger.Records) ([]ledger.Posting, error) {
		existing, err := records.GetWithdrawalRequest(ctx, requestID)
		switch {
		case err == nil:
			if existing.AuthorID != authorID || existing.AmountCoins != amount {
				return nil, fmt.Errorf("%w: withdrawal %s exists with different terms", ledger.ErrDuplicateReference, requestID)
			}
			request = existing
		case errors.Is(err, ledger.ErrNotFound):
			if err := records.CreateWithdrawalRequest(ctx, request); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		metadata, err := ledger.MetadataFromFields(map[string]any{"reason": "withdrawal_hold"})
		if err != nil {
			return nil, err
		}
		hold, err := ledger.NewPosting(authorID, ledger.EntryWithdrawalHold, amount.Signed().Negated(), reference, metadata)
		if err != nil {
			return nil, err
		}
		return []ledger.Posting{hold}, nil
	}
	receipt, err := workflow.engine.Apply(ctx, ledger.Transaction{
		Operation: operationCreate,
		Accounts:  []ledger.UserID{authorID},
		Plan:      plan,
	})
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	if !receipt.Replayed {
		workflow.engine.Publish(ctx, ledger.Event{
			Type:        ledger.EventWithdrawalRequested,
			UserID:      authorID,
			ReferenceID: requestID,
			Amount:      amount.Int64(),
			Attributes:  map[string]string{"amount_currency": request.AmountCurrency.String(), "currency": request.Currency},
		})
	}
	return request, nil
}

// Approve marks a pending request as paid out. The held coins stay debited.
func (workflow *Workflow) Approve(ctx context.Context, actor ledger.Actor, requestID string, note string) (ledger.WithdrawalRequest, error) {
	if err := ledger.RequireAdmin(actor); err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	return workflow.transition(ctx, operationApprove, requestID, ledger.WithdrawalCompleted, "", actor.UserID.String(), note)
}

// Reject refunds the hold to the author.
func (workflow *Workflow) Reject(ctx context.Context, actor ledger.Actor, requestID string, note string) (ledger.WithdrawalRequest, error) {
	if err := ledger.RequireAdmin(actor); err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	return workflow.transition(ctx, operationReject, requestID, ledger.WithdrawalRejected, ledger.EntryWithdrawalRejectRefund, actor.UserID.String(), note)
}

// Cancel lets the author withdraw a pending request and releases the hold.
func (workflow *Workflow) Cancel(ctx context.Context, authorID ledger.UserID, requestID string) (ledger.WithdrawalRequest, error) {
	request, err := workflow.engine.Records().GetWithdrawalRequest(ctx, requestID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	if request.AuthorID != authorID {
		return ledger.WithdrawalRequest{}, ledger.WrapError(operationCancel, "author", "forbidden", ledger.ErrForbidden)
	}
	return workflow.transition(ctx, operationCancel, requestID, ledger.WithdrawalCancelled, ledger.EntryWithdrawalRelease, authorID.String(), "cancelled by author")
}

func (workflow *Workflow) transition(ctx context.Context, operation string, requestID string, to ledger.WithdrawalStatus, refundKind ledger.EntryKind, reviewerID string, note string) (ledger.WithdrawalRequest, error) {
	request, err := workflow.engine.Records().GetWithdrawalRequest(ctx, requestID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	if request.Status.IsTerminal() {
		return ledger.WithdrawalRequest{}, ledger.WrapError(operation, "status", "resolved",
			fmt.Errorf("%w: withdrawal %s already %s", ledger.ErrConflict, requestID, request.Status))
	}
	reference, err := ledger.NewReferenceID(request.RequestID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	resolution := ledger.Resolution{
		Status:          string(to),
		AdminNote:       strings.TrimSpace(note),
		ReviewerID:      reviewerID,
		ResolvedUnixUTC: workflow.engine.Now(),
	}
	plan := func(ctx context.Context, records ledger.Records) ([]ledger.Posting, error) {
		if err := records.ResolveWithdrawalRequest(ctx, request.RequestID, ledger.WithdrawalPending, resolution); err != nil {
			return nil, err
		}
		if refundKind == "" {
			return nil, nil
		}
		metadata, err := ledger.MetadataFromFields(map[string]any{"reason": string(to), "note": resolution.AdminNote})
		if err != nil {
			return nil, err
		}
		refund, err := ledger.NewPosting(request.AuthorID, refundKind, request.AmountCoins.Signed(), reference, metadata)
		if err != nil {
			return nil, err
		}
		return []ledger.Posting{refund}, nil
	}
	if _, err := workflow.engine.Apply(ctx, ledger.Transaction{
		Operation: operation,
		Accounts:  []ledger.UserID{request.AuthorID},
		Plan:      plan,
	}); err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	request.Status = to
	request.AdminNote = resolution.AdminNote
	request.ReviewerID = resolution.ReviewerID
	request.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	workflow.engine.Publish(ctx, ledger.Event{
		Type:        eventFor(to),
		UserID:      request.AuthorID,
		ReferenceID: request.RequestID,
		Amount:      request.AmountCoins.Int64(),
		Attributes:  map[string]string{"reviewer_id": reviewerID, "note": resolution.AdminNote},
	})
	return request, nil
}

func eventFor(status ledger.WithdrawalStatus) string {
	switch status {
	case ledger.WithdrawalCompleted:
		return ledger.EventWithdrawalCompleted
	case ledger.WithdrawalRejected:
		return ledger.EventWithdrawalRejected
	default:
		return ledger.EventWithdrawalCancelled
	}
}

// Get returns one request.
func (workflow *Workflow) Get(ctx context.Context, requestID string) (ledger.WithdrawalRequest, error) {
	return workflow.engine.Records().GetWithdrawalRequest(ctx, requestID)
}

// ListByAuthor lists an author's requests, optionally filtered by status.
func (workflow *Workflow) ListByAuthor(ctx context.Context, authorID ledger.UserID, status string) ([]ledger.WithdrawalRequest, error) {
	if status != "" {
		if _, err := ledger.ParseWithdrawalStatus(status); err != nil {
			return nil, err
		}
	}
	return workflow.engine.Records().ListWithdrawalRequests(ctx, ledger.RequestFilter{UserID: authorID, Status: strings.ToLower(strings.TrimSpace(status))})
}

// ListPending lists requests awaiting review, oldest first.
func (workflow *Workflow) ListPending(ctx context.Context, limit int) ([]ledger.WithdrawalRequest, error) {
	return workflow.engine.Records().ListWithdrawalRequests(ctx, ledger.RequestFilter{Status: string(ledger.WithdrawalPending), Limit: limit})
}
