package fidelity

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-day format for ticket and sequence dates.
const DateLayout = "2006-01-02"

// TicketSource distinguishes automatic spend-driven tickets from manual
// admin insertions.
type TicketSource string

const (
	TicketSourceAuto   TicketSource = "auto"
	TicketSourceManual TicketSource = "manual"
)

// SequenceStatus is the streak-attempt lifecycle state.
type SequenceStatus string

const (
	SequenceActive    SequenceStatus = "active"
	SequenceValidated SequenceStatus = "validated"
	SequenceExpired   SequenceStatus = "expired"
)

// GrantType identifies which reward tier produced a grant.
type GrantType string

const (
	GrantType7Day       GrantType = "7d"
	GrantType14Day      GrantType = "14d"
	GrantTypeJF30       GrantType = "jf30"
	GrantTypeAuto       GrantType = "auto"
	GrantTypeAdminForce GrantType = "admin_force"
)

// ParseGrantType validates a grant type tag.
func ParseGrantType(raw string) (GrantType, error) {
	switch GrantType(raw) {
	case GrantType7Day, GrantType14Day, GrantTypeJF30, GrantTypeAuto, GrantTypeAdminForce:
		return GrantType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGrantType, raw)
}

// Grant usage states. Expired grants keep their row for audit.
const (
	GrantUnused  = 0
	GrantUsed    = 1
	GrantExpired = 2
)

// Ticket is one qualifying-day token in the streak program.
type Ticket struct {
	TicketID         string
	AccountID        string
	TicketDate       string
	Source           TicketSource
	SessionReference string
	AmountFCFA       int
	SequenceID       string
	Expired          bool
	Notes            string
	CreatedUnixUTC   int64
}

// Sequence is one streak attempt.
type Sequence struct {
	SequenceID     string
	AccountID      string
	StartDate      string
	Status         SequenceStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Grant is one issued reward record, idempotent per
// (account, type, source_reference).
type Grant struct {
	GrantID         string
	AccountID       string
	Type            GrantType
	TicketsCount    int
	MinutesAwarded  int
	ExpiryUnixUTC   int64
	SourceReference string
	Used            int
	Notes           string
	CreatedUnixUTC  int64
}

// Tier maps a ticket-count threshold to a minute reward.
type Tier struct {
	Tickets int `json:"tickets"`
	Minutes int `json:"minutes"`
}

// ExtensionTier maps a 14-day ticket-count threshold to additional
// minutes. Unlike the 7-day table, every crossed threshold pays out.
type ExtensionTier struct {
	Tickets    int `json:"tickets"`
	AddMinutes int `json:"add_minutes"`
}

// Config is a point-in-time snapshot of the fidelity settings, loaded
// once per operation.
type Config struct {
	Enabled           string
	ThresholdFCFA     int
	Rewards7Day       []Tier
	Rewards14Day      []ExtensionTier
	JF30MinTickets    int
	JF30PerTicketMins int
	JF30ExpiryDays    int
}

// Configuration keys and defaults seeded at first migration.
const (
	ConfigKeyEnabled           = "fidelity_enabled"
	ConfigKeyThresholdFCFA     = "fidelity_threshold_fcfa"
	ConfigKeyRewards7Day       = "fidelity_rewards_7d"
	ConfigKeyRewards14Day      = "fidelity_rewards_14d"
	ConfigKeyJF30MinTickets    = "fidelity_jf30_min_tickets"
	ConfigKeyJF30PerTicketMins = "fidelity_jf30_per_ticket_minutes"
	ConfigKeyJF30ExpiryDays    = "fidelity_jf30_expiry_days"

	DefaultThresholdFCFA     = 100
	DefaultJF30MinTickets    = 12
	DefaultJF30PerTicketMins = 2
	DefaultJF30ExpiryDays    = 10

	// Minimum tickets a sequence needs within its first seven days to
	// survive the expiry sweep.
	SequenceMinTickets = 3

	// DefaultTimezone is the venue's local zone used to resolve "today".
	DefaultTimezone = "Africa/Ouagadougou"
)

// DefaultRewards7Day is the seeded best-of 7-day tier table.
func DefaultRewards7Day() []Tier {
	return []Tier{{3, 15}, {4, 30}, {5, 35}, {6, 40}, {7, 50}}
}

// DefaultRewards14Day is the seeded additive 14-day extension table.
func DefaultRewards14Day() []ExtensionTier {
	return []ExtensionTier{{8, 5}, {9, 5}, {10, 10}, {11, 5}, {12, 5}, {13, 10}, {14, 15}}
}

// Progress reports trailing-window ticket counts for an account.
type Progress struct {
	Window7Day  int `json:"7d"`
	Window14Day int `json:"14d"`
	Window30Day int `json:"30d"`
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ConfigValue(ctx context.Context, key string) (string, bool, error)

	ActiveSequence(ctx context.Context, accountID string) (Sequence, bool, error)
	ActiveSequences(ctx context.Context, accountID string) ([]Sequence, error)
	CreateSequence(ctx context.Context, accountID string, startDate string) (Sequence, error)
	UpdateSequenceStatus(ctx context.Context, sequenceID string, status SequenceStatus) error

	HasTicketOn(ctx context.Context, accountID string, ticketDate string) (bool, error)
	InsertTicket(ctx context.Context, ticket Ticket) (string, error)
	// TicketDates lists non-expired ticket dates ascending; duplicates
	// from forced or manual insertions are possible and deduplicated by
	// the evaluator.
	TicketDates(ctx context.Context, accountID string) ([]string, error)
	CountSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string) (int, error)
	ExpireSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string, note string) error
	ExpireTicket(ctx context.Context, ticketID string, note string) (bool, error)

	GrantExists(ctx context.Context, accountID string, grantType GrantType, sourceReference string) (bool, error)
	HasGrantOfType(ctx context.Context, accountID string, grantType GrantType) (bool, error)
	InsertGrant(ctx context.Context, grant Grant) (string, error)
	ExpirePastGrants(ctx context.Context, nowUnixUTC int64) (int64, error)

	ListTickets(ctx context.Context, accountID string, limit int, offset int) ([]Ticket, error)
	ListGrants(ctx context.Context, accountID string, limit int, offset int) ([]Grant, error)
}

// BonusLedger receives the minute credit for every issued grant.
type BonusLedger interface {
	CreditReward(ctx context.Context, accountID string, minutes int, source string, reference string, notes string) (string, error)
}

// SecondarySink mirrors reward credits into a legacy per-client log. The
// mirror is best-effort: failures and unknown clients yield an empty
// reference and never propagate.
type SecondarySink interface {
	MirrorCredit(ctx context.Context, accountID string, minutes int, source string, note string) (string, error)
}

func normalizeAccountID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return trimmed, nil
}

func parseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTicketDate, raw)
	}
	return parsed, nil
}
