package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rdmgsalle/bonus/pkg/bonus"
)

const (
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectConfig      = "config"
	errorSubjectEntry       = "entry"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeSet            = "set"
	errorCodeSum            = "sum"

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, minutes_delta, source, reference, operator_id, notes, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), nullif($5,''), nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
		returning entry_id::text
	`

	sqlSumMinutes = `
		select coalesce(sum(minutes_delta),0) from ledger_entries
		where account_id = $1
	`

	sqlCountBySource = `
		select count(*) from ledger_entries
		where account_id = $1 and source = $2
	`

	sqlListEntriesAsc = `
		select
			entry_id::text,
			account_id,
			minutes_delta,
			source,
			coalesce(reference,''),
			coalesce(operator_id,''),
			coalesce(notes,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where ($1 = '' or account_id = $1)
		order by created_at asc, entry_id asc
	`

	sqlGetConfig = `
		select value from config where key = $1
	`

	sqlUpsertConfig = `
		insert into config(key, value) values($1, $2)
		on conflict (key) do update set value = excluded.value
	`
)

// querier is satisfied by both a pgx pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements bonus.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements bonus.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bonus.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry bonus.Entry) (string, error) {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) SumMinutes(ctx context.Context, accountID string) (int, error) {
	return sumMinutes(ctx, store.pool, accountID)
}

func (store *Store) ListEntriesAsc(ctx context.Context, accountID string) ([]bonus.Entry, error) {
	return listEntriesAsc(ctx, store.pool, accountID)
}

func (store *Store) CountBySource(ctx context.Context, accountID string, source bonus.Source) (int64, error) {
	return countBySource(ctx, store.pool, accountID, source)
}

func (store *Store) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	return configValue(ctx, store.pool, key)
}

func (store *Store) SetConfigValue(ctx context.Context, key string, value string) error {
	return setConfigValue(ctx, store.pool, key, value)
}

// WithTx on an open transaction reuses it; nested transactions are not
// started.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bonus.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry bonus.Entry) (string, error) {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) SumMinutes(ctx context.Context, accountID string) (int, error) {
	return sumMinutes(ctx, store.tx, accountID)
}

func (store *TxStore) ListEntriesAsc(ctx context.Context, accountID string) ([]bonus.Entry, error) {
	return listEntriesAsc(ctx, store.tx, accountID)
}

func (store *TxStore) CountBySource(ctx context.Context, accountID string, source bonus.Source) (int64, error) {
	return countBySource(ctx, store.tx, accountID, source)
}

func (store *TxStore) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	return configValue(ctx, store.tx, key)
}

func (store *TxStore) SetConfigValue(ctx context.Context, key string, value string) error {
	return setConfigValue(ctx, store.tx, key, value)
}

func insertEntry(ctx context.Context, runner querier, entry bonus.Entry) (string, error) {
	var entryID string
	err := runner.QueryRow(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.MinutesDelta,
		entry.Source.String(),
		entry.Reference,
		entry.OperatorID,
		entry.Notes,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	).Scan(&entryID)
	if err != nil {
		return "", wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entryID, nil
}

func sumMinutes(ctx context.Context, runner querier, accountID string) (int, error) {
	var sum int64
	if err := runner.QueryRow(ctx, sqlSumMinutes, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return int(sum), nil
}

func countBySource(ctx context.Context, runner querier, accountID string, source bonus.Source) (int64, error) {
	var count int64
	if err := runner.QueryRow(ctx, sqlCountBySource, accountID, source.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func listEntriesAsc(ctx context.Context, runner querier, accountID string) ([]bonus.Entry, error) {
	rows, err := runner.Query(ctx, sqlListEntriesAsc, accountID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []bonus.Entry
	for rows.Next() {
		var entry bonus.Entry
		var sourceValue string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.AccountID,
			&entry.MinutesDelta,
			&sourceValue,
			&entry.Reference,
			&entry.OperatorID,
			&entry.Notes,
			&entry.MetadataJSON,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Source = bonus.Source(sourceValue)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func configValue(ctx context.Context, runner querier, key string) (string, bool, error) {
	var value string
	err := runner.QueryRow(ctx, sqlGetConfig, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return value, true, nil
}

func setConfigValue(ctx context.Context, runner querier, key string, value string) error {
	if _, err := runner.Exec(ctx, sqlUpsertConfig, key, value); err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeSet, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return bonus.WrapError(errorOperationStore, subject, code, err)
}
