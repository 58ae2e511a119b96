package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rdmgsalle/bonus/pkg/bonus"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectEntry   = "entry"
	errorSubjectConfig  = "config"
	errorSubjectBalance = "balance"
	errorCodeInsert     = "insert"
	errorCodeList       = "list"
	errorCodeSum        = "sum"
	errorCodeCount      = "count"
	errorCodeGet        = "get"
	errorCodeSet        = "set"
)

// Store implements bonus.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bonus.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertEntry(ctx context.Context, entry bonus.Entry) (string, error) {
	row := LedgerEntry{
		EntryID:      entry.EntryID,
		AccountID:    entry.AccountID,
		MinutesDelta: entry.MinutesDelta,
		Source:       entry.Source.String(),
		Reference:    optionalString(entry.Reference),
		OperatorID:   optionalString(entry.OperatorID),
		Notes:        optionalString(entry.Notes),
		Metadata:     metadataJSON(entry.MetadataJSON),
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return row.EntryID, nil
}

func (store *Store) SumMinutes(ctx context.Context, accountID string) (int, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(minutes_delta),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return int(sum.Total), nil
}

func (store *Store) ListEntriesAsc(ctx context.Context, accountID string) ([]bonus.Entry, error) {
	query := store.db.WithContext(ctx).Order("created_at ASC, entry_id ASC")
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]bonus.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func (store *Store) CountBySource(ctx context.Context, accountID string, source bonus.Source) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("account_id = ? AND source = ?", accountID, source.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	var row ConfigEntry
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return row.Value, true, nil
}

func (store *Store) SetConfigValue(ctx context.Context, key string, value string) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"value": value}),
		}).
		Create(&ConfigEntry{Key: key, Value: value}).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeSet, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return bonus.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) bonus.Entry {
	return bonus.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		MinutesDelta:   row.MinutesDelta,
		Source:         bonus.Source(row.Source),
		Reference:      stringOrEmpty(row.Reference),
		OperatorID:     stringOrEmpty(row.OperatorID),
		Notes:          stringOrEmpty(row.Notes),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
