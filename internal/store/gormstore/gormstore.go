package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryReference    = "uniq_entry_reference"
	constraintDepositPrimary    = "deposit_requests_pkey"
	constraintWithdrawalPrimary = "withdrawal_requests_pkey"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectDeposit         = "deposit_request"
	errorSubjectWithdrawal      = "withdrawal_request"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeLookup             = "lookup"
	errorCodeSum                = "sum"
	errorCodeUpdate             = "update"
	errorCodeUpdateStatus       = "update_status"
	errorCodeStale              = "stale"
	columnUserID                = "user_id"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	var callbackErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		callbackErr = fn(ctx, &Store{db: transaction})
		return callbackErr
	})
	if err != nil && callbackErr == nil {
		// begin or commit failed
		return wrapStoreError("tx", "commit", ledger.StorageError(err))
	}
	return err
}

// LockAccounts creates missing accounts and takes row locks in the given order.
func (store *Store) LockAccounts(ctx context.Context, userIDs []ledger.UserID) (map[ledger.UserID]ledger.Account, error) {
	locked := make(map[ledger.UserID]ledger.Account, len(userIDs))
	for _, userID := range userIDs {
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnUserID}}, DoNothing: true}).
			Create(&Account{UserID: userID.String()}).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.StorageError(err))
		}
		var model Account
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&model).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.StorageError(err))
		}
		account, err := mapAccount(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		locked[userID] = account
	}
	return locked, nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.StorageError(err))
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// UpdateAccountBalance writes the new balance if the version still matches.
func (store *Store) UpdateAccountBalance(ctx context.Context, userID ledger.UserID, expectedVersion int64, balance ledger.Coins) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND version = ?", userID.String(), expectedVersion).
		Updates(map[string]any{
			"balance": balance.Int64(),
			"version": expectedVersion + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeStale, ledger.ErrStaleAccount)
	}
	return nil
}

func (store *Store) InsertEntries(ctx context.Context, postings []ledger.Posting, createdUnixUTC int64) ([]ledger.Entry, error) {
	createdAt := time.Unix(createdUnixUTC, 0).UTC()
	if createdUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	entries := make([]ledger.Entry, 0, len(postings))
	for _, posting := range postings {
		day := posting.EffectiveDay
		if day.IsZero() {
			day = ledger.DayOf(createdAt.Unix())
		}
		var storyID *string
		if posting.StoryID != "" {
			value := posting.StoryID
			storyID = &value
		}
		model := LedgerEntry{
			AccountID:    posting.AccountID.String(),
			Kind:         posting.Kind.String(),
			ReferenceID:  posting.ReferenceID.String(),
			AmountCoins:  posting.Amount.Int64(),
			StoryID:      storyID,
			EffectiveDay: day.String(),
			Metadata:     datatypesJSON(posting.Metadata.String()),
			CreatedAt:    createdAt,
		}
		err := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(err, constraintEntryReference) {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
		}
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.StorageError(err))
		}
		entry, err := mapLedgerEntry(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) FindEntry(ctx context.Context, kind ledger.EntryKind, referenceID ledger.ReferenceID) (ledger.Entry, bool, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND reference_id = ?", kind.String(), referenceID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, ledger.StorageError(err))
	}
	if len(rows) == 0 {
		return ledger.Entry{}, false, nil
	}
	entry, err := mapLedgerEntry(rows[0])
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) SumEntries(ctx context.Context, userID ledger.UserID, kind ledger.EntryKind, day ledger.Day) (ledger.SignedCoins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_coins),0) as total").
		Where("account_id = ? AND kind = ? AND effective_day = ?", userID.String(), kind.String(), day.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, ledger.StorageError(err))
	}
	return ledger.SignedCoins(sum.Total), nil
}

func (store *Store) SumAccountEntries(ctx context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_coins),0) as total").
		Where("account_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, ledger.StorageError(err))
	}
	return ledger.SignedCoins(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", userID.String())
	if beforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.StorageError(err))
	}
	return mapLedgerEntries(rows)
}

// ScanEntries returns entries matching the filter in creation order.
func (store *Store) ScanEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{})
	if !filter.AccountID.IsZero() {
		query = query.Where("account_id = ?", filter.AccountID.String())
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, kind.String())
		}
		query = query.Where("kind IN ?", kinds)
	}
	if filter.SinceUnixUTC > 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.SinceUnixUTC, 0).UTC())
	}
	if filter.BeforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.StorageError(err))
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCoins(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{UserID: userID, Balance: balance, Version: model.Version}, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewUserID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	referenceID, err := ledger.NewReferenceID(row.ReferenceID)
	if err != nil {
		return ledger.Entry{}, err
	}
	day, err := ledger.NewDay(row.EffectiveDay)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	storyID := ""
	if row.StoryID != nil {
		storyID = *row.StoryID
	}
	return ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         ledger.SignedCoins(row.AmountCoins),
		ReferenceID:    referenceID,
		StoryID:        storyID,
		EffectiveDay:   day,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
