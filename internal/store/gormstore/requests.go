package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"gorm.io/gorm"
)

const defaultRequestListLimit = 200

func (store *Store) CreateDepositRequest(ctx context.Context, request ledger.DepositRequest) error {
	model := DepositRequest{
		RequestID:      request.RequestID,
		UserID:         request.UserID.String(),
		Status:         string(request.Status),
		AmountCurrency: request.AmountCurrency,
		Currency:       request.Currency,
		AmountCoins:    request.AmountCoins.Int64(),
		Method:         request.Method,
		TransferCode:   request.TransferCode,
		CreatedAt:      time.Unix(request.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintDepositPrimary) {
		return wrapStoreError(errorSubjectDeposit, errorCodeDuplicate, ledger.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) GetDepositRequest(ctx context.Context, requestID string) (ledger.DepositRequest, error) {
	var model DepositRequest
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.DepositRequest{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, ledger.ErrUnknownDepositRequest)
		}
		return ledger.DepositRequest{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, ledger.StorageError(err))
	}
	request, err := mapDepositRequest(model)
	if err != nil {
		return ledger.DepositRequest{}, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
	}
	return request, nil
}

// ResolveDepositRequest moves a request out of the from status. Zero affected rows
// means another resolution won.
func (store *Store) ResolveDepositRequest(ctx context.Context, requestID string, from ledger.DepositStatus, resolution ledger.Resolution) error {
	result := store.db.WithContext(ctx).
		Model(&DepositRequest{}).
		Where("request_id = ? AND status = ?", requestID, string(from)).
		Updates(resolutionColumns(resolution))
	if result.Error != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetDepositRequest(ctx, requestID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, ledger.ErrConflict)
	}
	return nil
}

func (store *Store) ListDepositRequests(ctx context.Context, filter ledger.RequestFilter) ([]ledger.DepositRequest, error) {
	query := store.db.WithContext(ctx).Model(&DepositRequest{})
	if !filter.UserID.IsZero() {
		query = query.Where("user_id = ?", filter.UserID.String())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var rows []DepositRequest
	if err := query.Order("created_at ASC").Limit(requestLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectDeposit, errorCodeList, ledger.StorageError(err))
	}
	requests := make([]ledger.DepositRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapDepositRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (store *Store) CreateWithdrawalRequest(ctx context.Context, request ledger.WithdrawalRequest) error {
	model := WithdrawalRequest{
		RequestID:      request.RequestID,
		AuthorID:       request.AuthorID.String(),
		Status:         string(request.Status),
		AmountCoins:    request.AmountCoins.Int64(),
		AmountCurrency: request.AmountCurrency,
		Currency:       request.Currency,
		BankDetails:    request.BankDetails,
		CreatedAt:      time.Unix(request.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintWithdrawalPrimary) {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, ledger.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) GetWithdrawalRequest(ctx context.Context, requestID string) (ledger.WithdrawalRequest, error) {
	var model WithdrawalRequest
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, ledger.ErrUnknownWithdrawRequest)
		}
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, ledger.StorageError(err))
	}
	request, err := mapWithdrawalRequest(model)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return request, nil
}

func (store *Store) ResolveWithdrawalRequest(ctx context.Context, requestID string, from ledger.WithdrawalStatus, resolution ledger.Resolution) error {
	result := store.db.WithContext(ctx).
		Model(&WithdrawalRequest{}).
		Where("request_id = ? AND status = ?", requestID, string(from)).
		Updates(resolutionColumns(resolution))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetWithdrawalRequest(ctx, requestID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, ledger.ErrConflict)
	}
	return nil
}

func (store *Store) ListWithdrawalRequests(ctx context.Context, filter ledger.RequestFilter) ([]ledger.WithdrawalRequest, error) {
	query := store.db.WithContext(ctx).Model(&WithdrawalRequest{})
	if !filter.UserID.IsZero() {
		query = query.Where("author_id = ?", filter.UserID.String())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var rows []WithdrawalRequest
	if err := query.Order("created_at ASC").Limit(requestLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, ledger.StorageError(err))
	}
	requests := make([]ledger.WithdrawalRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapWithdrawalRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func resolutionColumns(resolution ledger.Resolution) map[string]any {
	return map[string]any{
		"status":      resolution.Status,
		"admin_note":  resolution.AdminNote,
		"reviewer_id": resolution.ReviewerID,
		"resolved_at": time.Unix(resolution.ResolvedUnixUTC, 0).UTC(),
	}
}

func requestLimit(limit int) int {
	if limit <= 0 || limit > defaultRequestListLimit {
		return defaultRequestListLimit
	}
	return limit
}

func mapDepositRequest(model DepositRequest) (ledger.DepositRequest, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	status, err := ledger.ParseDepositStatus(model.Status)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	coins, err := ledger.NewCoins(model.AmountCoins)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	return ledger.DepositRequest{
		RequestID:       model.RequestID,
		UserID:          userID,
		AmountCurrency:  model.AmountCurrency,
		Currency:        model.Currency,
		AmountCoins:     coins,
		Method:          model.Method,
		TransferCode:    model.TransferCode,
		Status:          status,
		AdminNote:       model.AdminNote,
		ReviewerID:      model.ReviewerID,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		ResolvedUnixUTC: unixOrZero(model.ResolvedAt),
	}, nil
}

func mapWithdrawalRequest(model WithdrawalRequest) (ledger.WithdrawalRequest, error) {
	authorID, err := ledger.NewUserID(model.AuthorID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	status, err := ledger.ParseWithdrawalStatus(model.Status)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	coins, err := ledger.NewCoins(model.AmountCoins)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	return ledger.WithdrawalRequest{
		RequestID:       model.RequestID,
		AuthorID:        authorID,
		AmountCoins:     coins,
		AmountCurrency:  model.AmountCurrency,
		Currency:        model.Currency,
		BankDetails:     model.BankDetails,
		Status:          status,
		AdminNote:       model.AdminNote,
		ReviewerID:      model.ReviewerID,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		ResolvedUnixUTC: unixOrZero(model.ResolvedAt),
	}, nil
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}
