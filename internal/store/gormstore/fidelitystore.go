package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rdmgsalle/bonus/pkg/fidelity"
)

const (
	errorSubjectTicket   = "ticket"
	errorSubjectSequence = "sequence"
	errorSubjectGrant    = "grant"
	errorCodeUpdate      = "update"
	errorCodeExpire      = "expire"
)

// FidelityStore implements fidelity.Store using GORM.
type FidelityStore struct {
	db *gorm.DB
}

// NewFidelityStore returns a FidelityStore backed by gorm.DB.
func NewFidelityStore(db *gorm.DB) *FidelityStore {
	return &FidelityStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *FidelityStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fidelity.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &FidelityStore{db: transaction})
	})
}

func (store *FidelityStore) ConfigValue(ctx context.Context, key string) (string, bool, error) {
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

func (store *FidelityStore) ActiveSequence(ctx context.Context, accountID string) (fidelity.Sequence, bool, error) {
	var row Sequence
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, string(fidelity.SequenceActive)).
		Order("start_date DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fidelity.Sequence{}, false, nil
	}
	if err != nil {
		return fidelity.Sequence{}, false, wrapStoreError(errorSubjectSequence, errorCodeGet, err)
	}
	return mapSequence(row), true, nil
}

func (store *FidelityStore) ActiveSequences(ctx context.Context, accountID string) ([]fidelity.Sequence, error) {
	query := store.db.WithContext(ctx).
		Where("status = ?", string(fidelity.SequenceActive)).
		Order("start_date ASC")
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	var rows []Sequence
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSequence, errorCodeList, err)
	}
	sequences := make([]fidelity.Sequence, 0, len(rows))
	for _, row := range rows {
		sequences = append(sequences, mapSequence(row))
	}
	return sequences, nil
}

func (store *FidelityStore) CreateSequence(ctx context.Context, accountID string, startDate string) (fidelity.Sequence, error) {
	now := time.Now().UTC()
	row := Sequence{
		AccountID: accountID,
		StartDate: startDate,
		Status:    string(fidelity.SequenceActive),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fidelity.Sequence{}, wrapStoreError(errorSubjectSequence, errorCodeInsert, err)
	}
	return mapSequence(row), nil
}

func (store *FidelityStore) UpdateSequenceStatus(ctx context.Context, sequenceID string, status fidelity.SequenceStatus) error {
	err := store.db.WithContext(ctx).
		Model(&Sequence{}).
		Where("sequence_id = ?", sequenceID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSequence, errorCodeUpdate, err)
	}
	return nil
}

func (store *FidelityStore) HasTicketOn(ctx context.Context, accountID string, ticketDate string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("account_id = ? AND ticket_date = ? AND expired = ?", accountID, ticketDate, false).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTicket, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *FidelityStore) InsertTicket(ctx context.Context, ticket fidelity.Ticket) (string, error) {
	row := Ticket{
		TicketID:         ticket.TicketID,
		AccountID:        ticket.AccountID,
		TicketDate:       ticket.TicketDate,
		Source:           string(ticket.Source),
		SessionReference: optionalString(ticket.SessionReference),
		SequenceID:       ticket.SequenceID,
		Expired:          ticket.Expired,
		Notes:            optionalString(ticket.Notes),
		CreatedAt:        rowTime(ticket.CreatedUnixUTC),
	}
	if ticket.AmountFCFA != 0 {
		amount := ticket.AmountFCFA
		row.AmountFCFA = &amount
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapStoreError(errorSubjectTicket, errorCodeInsert, err)
	}
	return row.TicketID, nil
}

func (store *FidelityStore) TicketDates(ctx context.Context, accountID string) ([]string, error) {
	var dates []string
	err := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("account_id = ? AND expired = ?", accountID, false).
		Order("ticket_date ASC").
		Pluck("ticket_date", &dates).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return dates, nil
}

func (store *FidelityStore) CountSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("sequence_id = ? AND ticket_date BETWEEN ? AND ? AND expired = ?", sequenceID, startDate, endDate, false).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTicket, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *FidelityStore) ExpireSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string, note string) error {
	err := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("sequence_id = ? AND ticket_date BETWEEN ? AND ? AND expired = ?", sequenceID, startDate, endDate, false).
		Updates(map[string]interface{}{
			"expired": true,
			"notes":   gorm.Expr("COALESCE(notes,'') || ?", note),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeExpire, err)
	}
	return nil
}

func (store *FidelityStore) ExpireTicket(ctx context.Context, ticketID string, note string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("ticket_id = ? AND expired = ?", ticketID, false).
		Updates(map[string]interface{}{
			"expired": true,
			"notes":   gorm.Expr("COALESCE(notes,'') || ?", note),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTicket, errorCodeExpire, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *FidelityStore) GrantExists(ctx context.Context, accountID string, grantType fidelity.GrantType, sourceReference string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&RewardGrant{}).
		Where("account_id = ? AND grant_type = ? AND source_reference = ?", accountID, string(grantType), sourceReference).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *FidelityStore) HasGrantOfType(ctx context.Context, accountID string, grantType fidelity.GrantType) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&RewardGrant{}).
		Where("account_id = ? AND grant_type = ?", accountID, string(grantType)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *FidelityStore) InsertGrant(ctx context.Context, grant fidelity.Grant) (string, error) {
	row := RewardGrant{
		GrantID:         grant.GrantID,
		AccountID:       grant.AccountID,
		GrantType:       string(grant.Type),
		TicketsCount:    grant.TicketsCount,
		MinutesAwarded:  grant.MinutesAwarded,
		SourceReference: grant.SourceReference,
		Used:            grant.Used,
		Notes:           optionalString(grant.Notes),
		CreatedAt:       rowTime(grant.CreatedUnixUTC),
	}
	if grant.ExpiryUnixUTC != 0 {
		expiry := time.Unix(grant.ExpiryUnixUTC, 0).UTC()
		row.ExpiryAt = &expiry
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return "", fidelity.ErrDuplicateGrant
		}
		return "", wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return row.GrantID, nil
}

func (store *FidelityStore) ExpirePastGrants(ctx context.Context, nowUnixUTC int64) (int64, error) {
	cutoff := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&RewardGrant{}).
		Where("used = ? AND expiry_at IS NOT NULL AND expiry_at < ?", fidelity.GrantUnused, cutoff).
		Update("used", fidelity.GrantExpired)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *FidelityStore) ListTickets(ctx context.Context, accountID string, limit int, offset int) ([]fidelity.Ticket, error) {
	query := store.db.WithContext(ctx).Order("ticket_date DESC, created_at DESC")
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []Ticket
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	tickets := make([]fidelity.Ticket, 0, len(rows))
	for _, row := range rows {
		tickets = append(tickets, mapTicket(row))
	}
	return tickets, nil
}

func (store *FidelityStore) ListGrants(ctx context.Context, accountID string, limit int, offset int) ([]fidelity.Grant, error) {
	query := store.db.WithContext(ctx).Order("created_at DESC, grant_id DESC")
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []RewardGrant
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]fidelity.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, mapGrant(row))
	}
	return grants, nil
}

func mapSequence(row Sequence) fidelity.Sequence {
	return fidelity.Sequence{
		SequenceID:     row.SequenceID,
		AccountID:      row.AccountID,
		StartDate:      row.StartDate,
		Status:         fidelity.SequenceStatus(row.Status),
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapTicket(row Ticket) fidelity.Ticket {
	ticket := fidelity.Ticket{
		TicketID:         row.TicketID,
		AccountID:        row.AccountID,
		TicketDate:       row.TicketDate,
		Source:           fidelity.TicketSource(row.Source),
		SessionReference: stringOrEmpty(row.SessionReference),
		SequenceID:       row.SequenceID,
		Expired:          row.Expired,
		Notes:            stringOrEmpty(row.Notes),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
	if row.AmountFCFA != nil {
		ticket.AmountFCFA = *row.AmountFCFA
	}
	return ticket
}

func mapGrant(row RewardGrant) fidelity.Grant {
	grant := fidelity.Grant{
		GrantID:         row.GrantID,
		AccountID:       row.AccountID,
		Type:            fidelity.GrantType(row.GrantType),
		TicketsCount:    row.TicketsCount,
		MinutesAwarded:  row.MinutesAwarded,
		SourceReference: row.SourceReference,
		Used:            row.Used,
		Notes:           stringOrEmpty(row.Notes),
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}
	if row.ExpiryAt != nil {
		grant.ExpiryUnixUTC = row.ExpiryAt.Unix()
	}
	return grant
}

func rowTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}
