package bonus

import (
	"context"
	"fmt"
	"strings"
)

// Source tags the origin of a ledger entry.
type Source string

const (
	SourcePayment      Source = "payment"
	SourceWelcome      Source = "welcome"
	SourceSessionUse   Source = "session_use"
	SourceAdmin        Source = "admin"
	SourceFidelityAuto Source = "fidelity_auto"
)

// String returns the stored representation.
func (source Source) String() string {
	return string(source)
}

// ParseSource validates a source tag.
func ParseSource(raw string) (Source, error) {
	switch Source(raw) {
	case SourcePayment, SourceWelcome, SourceSessionUse, SourceAdmin, SourceFidelityAuto:
		return Source(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// RoundingMode controls how fractional minutes are resolved.
// Mode "none" truncates toward zero, which is indistinguishable from
// "floor" for the non-negative amounts this engine handles; callers rely
// on that, so it is kept rather than fixed.
type RoundingMode string

const (
	RoundingFloor RoundingMode = "floor"
	RoundingCeil  RoundingMode = "ceil"
	RoundingNone  RoundingMode = "none"
)

// ParseRoundingMode normalizes a configured rounding value, falling back
// to floor for anything unrecognized.
func ParseRoundingMode(raw string) RoundingMode {
	switch RoundingMode(strings.ToLower(strings.TrimSpace(raw))) {
	case RoundingCeil:
		return RoundingCeil
	case RoundingNone:
		return RoundingNone
	default:
		return RoundingFloor
	}
}

// Entry is a single immutable line in the minute ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	MinutesDelta   int
	Source         Source
	Reference      string
	OperatorID     string
	Notes          string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// HistoryEntry is an Entry annotated with the running balance after it
// was applied, computed by chronological replay.
type HistoryEntry struct {
	Entry
	BalanceAfter int
}

// RuleConfig is a point-in-time snapshot of the bonus rule settings.
// It is loaded once per operation so related keys are never read at
// different instants.
type RuleConfig struct {
	Enabled        string
	FcfaPerMinute  int
	Rounding       RoundingMode
	MinUnitMinutes int
	ApplyOn        []string
	WelcomeEnabled string
	WelcomeMinutes int
}

// Default rule configuration seeded at first migration.
const (
	ConfigKeyEnabled        = "bonus_enabled"
	ConfigKeyFcfaPerMinute  = "bonus_fcfa_per_minute"
	ConfigKeyMinUnitMinutes = "bonus_min_unit_minutes"
	ConfigKeyRounding       = "bonus_rounding"
	ConfigKeyApplyOn        = "bonus_apply_on"
	ConfigKeyWelcomeEnabled = "welcome_bonus_enabled"
	ConfigKeyWelcomeMinutes = "welcome_bonus_minutes"

	DefaultFcfaPerMinute  = 50
	DefaultMinUnitMinutes = 1
	DefaultWelcomeMinutes = 15
)

// Store is the persistence contract used by Service. All compound
// check-then-write operations run through WithTx so the check and the
// write commit atomically.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertEntry(ctx context.Context, entry Entry) (string, error)
	SumMinutes(ctx context.Context, accountID string) (int, error)
	// ListEntriesAsc returns entries oldest-first, for every account when
	// accountID is empty.
	ListEntriesAsc(ctx context.Context, accountID string) ([]Entry, error)
	CountBySource(ctx context.Context, accountID string, source Source) (int64, error)
	ConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key string, value string) error
}

func normalizeAccountID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return trimmed, nil
}
