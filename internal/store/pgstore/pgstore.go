// Package pgstore holds the PostgreSQL-specific parts of the ledger: the schema
// migration and SQL aggregation for revenue reports.
package pgstore

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/revenue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore  = "store"
	errorSubjectSchema   = "schema"
	errorSubjectRevenue  = "revenue"
	errorCodeMigrate     = "migrate"
	errorCodeAggregate   = "aggregate"
	errorCodeInvalid     = "invalid"
	migrationAdvisoryKey = int64(7402118)

	sqlAuthorRevenue = `
		select kind, coalesce(story_id, ''), effective_day, coalesce(sum(amount_coins), 0)::bigint, count(*)
		from ledger_entries
		where account_id = $1 and kind = any($2) and created_at >= to_timestamp($3)
		group by kind, story_id, effective_day
	`

	sqlPlatformRevenue = `
		select kind, coalesce(sum(amount_coins), 0)::bigint, count(*)
		from ledger_entries
		where kind = any($1) and created_at >= to_timestamp($2)
		group by kind
	`
)

var schemaStatements = []string{
	`create table if not exists accounts (
		user_id text primary key,
		balance bigint not null default 0 check (balance >= 0),
		version bigint not null default 0,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists ledger_entries (
		entry_id uuid primary key,
		account_id text not null references accounts(user_id),
		kind text not null,
		reference_id text not null,
		amount_coins bigint not null check (amount_coins <> 0),
		story_id text,
		effective_day text not null,
		metadata jsonb not null default '{}'::jsonb,
		created_at timestamptz not null default now()
	)`,
	`create unique index if not exists uniq_entry_reference on ledger_entries(kind, reference_id)`,
	`create index if not exists idx_ledger_account_created on ledger_entries(account_id, created_at)`,
	`create index if not exists idx_ledger_account_kind_day on ledger_entries(account_id, kind, effective_day)`,
	`create index if not exists idx_ledger_story on ledger_entries(story_id)`,
	`create table if not exists deposit_requests (
		request_id text primary key,
		user_id text not null,
		status text not null,
		amount_currency numeric(20,4) not null,
		currency text not null,
		amount_coins bigint not null check (amount_coins > 0),
		method text not null,
		transfer_code text not null,
		admin_note text not null default '',
		reviewer_id text not null default '',
		created_at timestamptz not null default now(),
		resolved_at timestamptz
	)`,
	`create index if not exists idx_deposit_user_status on deposit_requests(user_id, status)`,
	`create index if not exists idx_deposit_status on deposit_requests(status)`,
	`create table if not exists withdrawal_requests (
		request_id text primary key,
		author_id text not null,
		status text not null,
		amount_coins bigint not null check (amount_coins > 0),
		amount_currency numeric(20,4) not null,
		currency text not null,
		bank_details text not null,
		admin_note text not null default '',
		reviewer_id text not null default '',
		created_at timestamptz not null default now(),
		resolved_at timestamptz
	)`,
	`create index if not exists idx_withdrawal_author_status on withdrawal_requests(author_id, status)`,
	`create index if not exists idx_withdrawal_status on withdrawal_requests(status)`,
}

// Migrate creates the ledger schema. It is safe to run concurrently from several
// replicas; an advisory lock serializes the statements.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, "select pg_advisory_xact_lock($1)", migrationAdvisoryKey); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(err))
	}
	for index, statement := range schemaStatements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(fmt.Errorf("statement %d: %w", index, err)))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(err))
	}
	return nil
}

// RevenueSource aggregates revenue in the database instead of scanning entries.
type RevenueSource struct {
	pool *pgxpool.Pool
}

// NewRevenueSource returns a revenue.Source backed by a pgx pool.
func NewRevenueSource(pool *pgxpool.Pool) *RevenueSource {
	return &RevenueSource{pool: pool}
}

func (source *RevenueSource) AuthorReport(ctx context.Context, authorID ledger.UserID, sinceUnixUTC int64) (revenue.AuthorReport, error) {
	rows, err := source.pool.Query(ctx, sqlAuthorRevenue, authorID.String(), kindNames(revenue.AuthorKinds()), sinceUnixUTC)
	if err != nil {
		return revenue.AuthorReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
	}
	defer rows.Close()
	accumulator := revenue.NewAuthorAccumulator(authorID)
	for rows.Next() {
		var (
			kindValue string
			storyID   string
			day       string
			total     int64
			count     int64
		)
		if err := rows.Scan(&kindValue, &storyID, &day, &total, &count); err != nil {
			return revenue.AuthorReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return revenue.AuthorReport{}, wrapStoreError(errorSubjectRevenue, errorCodeInvalid, err)
		}
		accumulator.Add(kind, storyID, day, total, count)
	}
	if err := rows.Err(); err != nil {
		return revenue.AuthorReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
	}
	return accumulator.Report(), nil
}

func (source *RevenueSource) PlatformReport(ctx context.Context, sinceUnixUTC int64) (revenue.PlatformReport, error) {
	rows, err := source.pool.Query(ctx, sqlPlatformRevenue, kindNames(revenue.PlatformKinds()), sinceUnixUTC)
	if err != nil {
		return revenue.PlatformReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
	}
	defer rows.Close()
	var report revenue.PlatformReport
	for rows.Next() {
		var (
			kindValue string
			total     int64
			count     int64
		)
		if err := rows.Scan(&kindValue, &total, &count); err != nil {
			return revenue.PlatformReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return revenue.PlatformReport{}, wrapStoreError(errorSubjectRevenue, errorCodeInvalid, err)
		}
		report.Add(kind, total, count)
	}
	if err := rows.Err(); err != nil {
		return revenue.PlatformReport{}, wrapStoreError(errorSubjectRevenue, errorCodeAggregate, ledger.StorageError(err))
	}
	return report, nil
}

func kindNames(kinds []ledger.EntryKind) []string {
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, kind.String())
	}
	return names
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
