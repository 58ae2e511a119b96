package fidelity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AdminAddTicket inserts a ticket for an arbitrary date, bypassing the
// eligibility gates. The ticket still attaches to (or creates) the
// active sequence and triggers evaluation.
func (service *Service) AdminAddTicket(ctx context.Context, accountID string, ticketDate string, operatorID string, notes string) (string, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return "", err
	}
	parsed, err := parseDate(ticketDate)
	if err != nil {
		return "", err
	}
	dateText := parsed.Format(DateLayout)
	if notes == "" {
		notes = "admin add"
	}
	var ticketID string
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		sequence, err := service.attachSequence(ctx, transactionStore, normalized, dateText)
		if err != nil {
			return err
		}
		insertedID, err := transactionStore.InsertTicket(ctx, Ticket{
			AccountID:      normalized,
			TicketDate:     dateText,
			Source:         TicketSourceManual,
			SequenceID:     sequence.SequenceID,
			Notes:          notes,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		ticketID = insertedID
		return nil
	})
	if err != nil {
		return "", err
	}
	if evalErr := service.Evaluate(ctx, normalized); evalErr != nil {
		service.logger.Warn("reward evaluation failed after admin ticket", zap.String("account_id", normalized), zap.Error(evalErr))
	}
	return ticketID, nil
}

// AdminRevokeTicket marks a ticket expired with an audit note. Grants
// already issued from windows that counted this ticket are not reversed;
// revocation only stops future counting.
func (service *Service) AdminRevokeTicket(ctx context.Context, ticketID string, reason string) error {
	if reason == "" {
		reason = "admin"
	}
	found, err := service.store.ExpireTicket(ctx, ticketID, fmt.Sprintf("Revoked: %s", reason))
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownTicket
	}
	return nil
}

// AdminForceGrant issues a reward outside the tier tables. The grant is
// credited with source admin and mirrored like any other.
func (service *Service) AdminForceGrant(ctx context.Context, accountID string, grantType string, minutes int, ticketsCount int, expiryDays int, notes string) (string, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return "", err
	}
	parsedType, err := ParseGrantType(grantType)
	if err != nil {
		return "", err
	}
	if minutes <= 0 {
		return "", fmt.Errorf("%w: must be greater than zero", ErrInvalidMinutes)
	}
	if notes == "" {
		notes = "admin manual grant"
	}
	var expiry int64
	if expiryDays > 0 {
		expiry = service.nowFn().UTC().Add(time.Duration(expiryDays) * 24 * time.Hour).Unix()
	}
	grantID, _, err := service.issueGrant(ctx, normalized, Grant{
		Type:            parsedType,
		TicketsCount:    ticketsCount,
		MinutesAwarded:  minutes,
		ExpiryUnixUTC:   expiry,
		SourceReference: fmt.Sprintf("admin_force:%d", service.nowFn().UTC().UnixNano()),
		Notes:           notes,
	}, creditSourceAdmin)
	return grantID, err
}

// ListTickets returns tickets newest-first, for every account when
// accountID is empty.
func (service *Service) ListTickets(ctx context.Context, accountID string, limit int, offset int) ([]Ticket, error) {
	filter, err := normalizeFilter(accountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTickets(ctx, filter, limit, offset)
}

// ListGrants returns grants newest-first, for every account when
// accountID is empty.
func (service *Service) ListGrants(ctx context.Context, accountID string, limit int, offset int) ([]Grant, error) {
	filter, err := normalizeFilter(accountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListGrants(ctx, filter, limit, offset)
}

// RevokeExpiredGrants marks every grant whose expiry has passed as
// expired. Returns the number of grants touched.
func (service *Service) RevokeExpiredGrants(ctx context.Context) (int64, error) {
	return service.store.ExpirePastGrants(ctx, service.nowFn().UTC().Unix())
}

func normalizeFilter(accountID string) (string, error) {
	if accountID == "" {
		return "", nil
	}
	return normalizeAccountID(accountID)
}
