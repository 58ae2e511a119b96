package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/rdmgsalle/bonus/pkg/bonus"
	"github.com/rdmgsalle/bonus/pkg/fidelity"
)

// Migrate creates or updates every table the engine uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerEntry{},
		&ConfigEntry{},
		&Ticket{},
		&Sequence{},
		&RewardGrant{},
		&Client{},
		&BonusHistoryEntry{},
	)
}

// SeedDefaultConfig inserts the default rule settings for any key not
// already present. Existing values are never overwritten.
func SeedDefaultConfig(ctx context.Context, db *gorm.DB) error {
	rewards7, err := json.Marshal(fidelity.DefaultRewards7Day())
	if err != nil {
		return fmt.Errorf("encode 7d tier table: %w", err)
	}
	rewards14, err := json.Marshal(fidelity.DefaultRewards14Day())
	if err != nil {
		return fmt.Errorf("encode 14d tier table: %w", err)
	}
	defaults := map[string]string{
		bonus.ConfigKeyEnabled:        "1",
		bonus.ConfigKeyFcfaPerMinute:  strconv.Itoa(bonus.DefaultFcfaPerMinute),
		bonus.ConfigKeyRounding:       string(bonus.RoundingFloor),
		bonus.ConfigKeyMinUnitMinutes: strconv.Itoa(bonus.DefaultMinUnitMinutes),
		bonus.ConfigKeyApplyOn:        `["achats","prolongations","recharges"]`,
		bonus.ConfigKeyWelcomeEnabled: "1",
		bonus.ConfigKeyWelcomeMinutes: strconv.Itoa(bonus.DefaultWelcomeMinutes),

		fidelity.ConfigKeyEnabled:           "1",
		fidelity.ConfigKeyThresholdFCFA:     strconv.Itoa(fidelity.DefaultThresholdFCFA),
		fidelity.ConfigKeyRewards7Day:       string(rewards7),
		fidelity.ConfigKeyRewards14Day:      string(rewards14),
		fidelity.ConfigKeyJF30MinTickets:    strconv.Itoa(fidelity.DefaultJF30MinTickets),
		fidelity.ConfigKeyJF30PerTicketMins: strconv.Itoa(fidelity.DefaultJF30PerTicketMins),
		fidelity.ConfigKeyJF30ExpiryDays:    strconv.Itoa(fidelity.DefaultJF30ExpiryDays),
	}
	for key, value := range defaults {
		var count int64
		if err := db.WithContext(ctx).Model(&ConfigEntry{}).Where("key = ?", key).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeGet, err)
		}
		if count > 0 {
			continue
		}
		if err := db.WithContext(ctx).Create(&ConfigEntry{Key: key, Value: value}).Error; err != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeSet, err)
		}
	}
	return nil
}
