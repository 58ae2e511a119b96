package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const mirrorEntryType = "bonus"

// LegacyMirror writes reward credits into the bonus_history table the
// old desktop build still reads. Accounts without a clients row are
// skipped with an empty reference.
type LegacyMirror struct {
	db *gorm.DB
}

// NewLegacyMirror returns a LegacyMirror backed by gorm.DB.
func NewLegacyMirror(db *gorm.DB) *LegacyMirror {
	return &LegacyMirror{db: db}
}

// MirrorCredit appends a bonus_history row for accountID when a
// matching client exists. Returns the row identifier, or empty when the
// account is unknown to the legacy table.
func (mirror *LegacyMirror) MirrorCredit(ctx context.Context, accountID string, minutes int, source string, note string) (string, error) {
	var client Client
	err := mirror.db.WithContext(ctx).Where("client_id = ?", accountID).Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectMirror, errorCodeGet, err)
	}
	row := BonusHistoryEntry{
		ClientID:      client.ClientID,
		Type:          mirrorEntryType,
		MinutesChange: minutes,
		Source:        optionalString(source),
		Note:          optionalString(note),
		CreatedAt:     time.Now().UTC(),
	}
	if err := mirror.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapStoreError(errorSubjectMirror, errorCodeInsert, err)
	}
	return row.ID, nil
}

const errorSubjectMirror = "mirror"
