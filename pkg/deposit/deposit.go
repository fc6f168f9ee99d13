// Package deposit records bank-transfer deposits and credits them once an admin approves.
package deposit

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	operationCreate  = "create_deposit"
	operationResolve = "resolve_deposit"

	// DefaultMethod is used when the caller does not name a payment method.
	DefaultMethod = "bank_transfer"
	// DefaultCurrency is used when the caller does not name a currency.
	DefaultCurrency = "USD"
)

// Input is a reader's deposit declaration.
type Input struct {
	RequestID      string
	UserID         ledger.UserID
	AmountCurrency decimal.Decimal
	Currency       string
	Method         string
	TransferCode   string
}

// Workflow owns the deposit request lifecycle.
type Workflow struct {
	engine       *ledger.Service
	coinsPerUnit decimal.Decimal
}

// NewWorkflow wires the workflow. coinsPerUnit converts one currency unit to coins.
func NewWorkflow(engine *ledger.Service, coinsPerUnit decimal.Decimal) (*Workflow, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: ledger engine is nil", ledger.ErrInvalidServiceConfig)
	}
	if !coinsPerUnit.IsPositive() {
		return nil, fmt.Errorf("%w: coins per unit must be positive", ledger.ErrInvalidServiceConfig)
	}
	return &Workflow{engine: engine, coinsPerUnit: coinsPerUnit}, nil
}

var (
	maxDepositCoins = decimal.NewFromInt(math.MaxInt64)
	// maxDepositAmount matches the numeric(20,4) request column.
	maxDepositAmount = decimal.New(1, 16)
)

// Coins converts a currency amount, truncating fractional coins. Amounts worth more
// coins than an int64 holds are rejected.
func (workflow *Workflow) Coins(amount decimal.Decimal) (ledger.Coins, error) {
	coins := amount.Mul(workflow.coinsPerUnit).Truncate(0)
	if coins.GreaterThan(maxDepositCoins) {
		return 0, fmt.Errorf("%w: deposit of %s exceeds the coin range", ledger.ErrInvalidAmount, amount)
	}
	return ledger.Coins(coins.IntPart()), nil
}

// Create stores a pending request. It has no balance effect until approved.
func (workflow *Workflow) Create(ctx context.Context, input Input) (ledger.DepositRequest, error) {
	if input.UserID.IsZero() {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "user", "invalid", ledger.ErrInvalidUserID)
	}
	if !input.AmountCurrency.IsPositive() {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "amount", "invalid",
			fmt.Errorf("%w: deposit amount must be positive", ledger.ErrInvalidAmount))
	}
	if !input.AmountCurrency.LessThan(maxDepositAmount) {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "amount", "invalid",
			fmt.Errorf("%w: deposit amount must be below %s", ledger.ErrInvalidAmount, maxDepositAmount))
	}
	coins, err := workflow.Coins(input.AmountCurrency)
	if err != nil {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "amount", "invalid", err)
	}
	if coins < 1 {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "amount", "invalid",
			fmt.Errorf("%w: deposit is worth less than one coin", ledger.ErrInvalidAmount))
	}
	transferCode := strings.TrimSpace(input.TransferCode)
	if transferCode == "" {
		return ledger.DepositRequest{}, ledger.WrapError(operationCreate, "transfer_code", "invalid",
			fmt.Errorf("%w: transfer code required", ledger.ErrValidation))
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	request := ledger.DepositRequest{
		RequestID:      requestID,
		UserID:         input.UserID,
		AmountCurrency: input.AmountCurrency,
		Currency:       strings.ToUpper(defaultIfEmpty(input.Currency, DefaultCurrency)),
		AmountCoins:    coins,
		Method:         defaultIfEmpty(input.Method, DefaultMethod),
		TransferCode:   transferCode,
		Status:         ledger.DepositPending,
		CreatedUnixUTC: workflow.engine.Now(),
	}
	if err := workflow.engine.Records().CreateDepositRequest(ctx, request); err != nil {
		return ledger.DepositRequest{}, err
	}
	workflow.engine.Publish(ctx, ledger.Event{
		Type:        ledger.EventDepositRequested,
		UserID:      request.UserID,
		ReferenceID: request.RequestID,
		Amount:      request.AmountCoins.Int64(),
		Attributes:  map[string]string{"currency": request.Currency, "amount_currency": request.AmountCurrency.String()},
	})
	return request, nil
}

// Resolve approves or rejects a pending request. Approval credits the coins with the
// request id as reference; resolving a request twice fails with ledger.ErrConflict.
func (workflow *Workflow) Resolve(ctx context.Context, actor ledger.Actor, requestID string, decision ledger.DepositStatus, note string) (ledger.DepositRequest, error) {
	if err := ledger.RequireAdmin(actor); err != nil {
		return ledger.DepositRequest{}, err
	}
	if decision != ledger.DepositApproved && decision != ledger.DepositRejected {
		return ledger.DepositRequest{}, ledger.WrapError(operationResolve, "decision", "invalid",
			fmt.Errorf("%w: decision must be approved or rejected", ledger.ErrInvalidStatus))
	}
	request, err := workflow.engine.Records().GetDepositRequest(ctx, requestID)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	if request.Status.IsTerminal() {
		return ledger.DepositRequest{}, ledger.WrapError(operationResolve, "status", "resolved",
			fmt.Errorf("%w: deposit %s already %s", ledger.ErrConflict, requestID, request.Status))
	}
	reference, err := ledger.NewReferenceID(request.RequestID)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	resolution := ledger.Resolution{
		Status:          string(decision),
		AdminNote:       strings.TrimSpace(note),
		ReviewerID:      actor.UserID.String(),
		ResolvedUnixUTC: workflow.engine.Now(),
	}
	plan := func(ctx context.Context, records ledger.Records) ([]ledger.Posting, error) {
		if err := records.ResolveDepositRequest(ctx, request.RequestID, ledger.DepositPending, resolution); err != nil {
			return nil, err
		}
		if decision != ledger.DepositApproved {
			return nil, nil
		}
		metadata, err := ledger.MetadataFromFields(map[string]any{
			"reason":          "deposit",
			"method":          request.Method,
			"transfer_code":   request.TransferCode,
			"currency":        request.Currency,
			"amount_currency": request.AmountCurrency.String(),
			"reviewer_id":     resolution.ReviewerID,
		})
		if err != nil {
			return nil, err
		}
		posting, err := ledger.NewPosting(request.UserID, ledger.EntryDeposit, request.AmountCoins.Signed(), reference, metadata)
		if err != nil {
			return nil, err
		}
		return []ledger.Posting{posting}, nil
	}
	if _, err := workflow.engine.Apply(ctx, ledger.Transaction{
		Operation: operationResolve,
		Accounts:  []ledger.UserID{request.UserID},
		Plan:      plan,
	}); err != nil {
		return ledger.DepositRequest{}, err
	}
	request.Status = decision
	request.AdminNote = resolution.AdminNote
	request.ReviewerID = resolution.ReviewerID
	request.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	eventType := ledger.EventDepositRejected
	if decision == ledger.DepositApproved {
		eventType = ledger.EventDepositApproved
	}
	workflow.engine.Publish(ctx, ledger.Event{
		Type:        eventType,
		UserID:      request.UserID,
		ReferenceID: request.RequestID,
		Amount:      request.AmountCoins.Int64(),
		Attributes:  map[string]string{"reviewer_id": resolution.ReviewerID, "note": resolution.AdminNote},
	})
	return request, nil
}

// Get returns one request.
func (workflow *Workflow) Get(ctx context.Context, requestID string) (ledger.DepositRequest, error) {
	return workflow.engine.Records().GetDepositRequest(ctx, requestID)
}

// ListByUser lists a user's requests, optionally filtered by status.
func (workflow *Workflow) ListByUser(ctx context.Context, userID ledger.UserID, status string) ([]ledger.DepositRequest, error) {
	if status != "" {
		if _, err := ledger.ParseDepositStatus(status); err != nil {
			return nil, err
		}
	}
	return workflow.engine.Records().ListDepositRequests(ctx, ledger.RequestFilter{UserID: userID, Status: strings.ToLower(strings.TrimSpace(status))})
}

// ListPending lists requests awaiting review, oldest first.
func (workflow *Workflow) ListPending(ctx context.Context, limit int) ([]ledger.DepositRequest, error) {
	return workflow.engine.Records().ListDepositRequests(ctx, ledger.RequestFilter{Status: string(ledger.DepositPending), Limit: limit})
}

func defaultIfEmpty(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
