package bonus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Service contains the minute-ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Append writes a raw signed entry. The only validation is a non-zero
// delta; callers enforce sign semantics for their source.
func (service *Service) Append(ctx context.Context, entry Entry) (string, error) {
	accountID, err := normalizeAccountID(entry.AccountID)
	if err != nil {
		return "", err
	}
	if entry.MinutesDelta == 0 {
		return "", ErrZeroMinutesDelta
	}
	if _, err := ParseSource(entry.Source.String()); err != nil {
		return "", err
	}
	entry.AccountID = accountID
	if entry.CreatedUnixUTC == 0 {
		entry.CreatedUnixUTC = service.nowFn().UTC().Unix()
	}
	var entryID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		insertedID, err := transactionStore.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entryID = insertedID
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAppend,
		AccountID: accountID,
		Minutes:   entry.MinutesDelta,
		Source:    entry.Source,
		Reference: entry.Reference,
		Error:     operationError,
	})
	return entryID, operationError
}

// Balance returns the sum of minute deltas for the account. Unknown
// accounts yield zero, never an error.
func (service *Service) Balance(ctx context.Context, accountID string) (int, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return 0, err
	}
	return service.store.SumMinutes(ctx, normalized)
}

// ComputeMinutes converts a spend amount into minutes using the current
// rule configuration.
func (service *Service) ComputeMinutes(ctx context.Context, amountFCFA int) (int, error) {
	cfg, err := service.loadRuleConfig(ctx, service.store)
	if err != nil {
		return 0, err
	}
	return ComputeMinutesWith(cfg, amountFCFA), nil
}

// ComputeMinutesWith applies the conversion rule from a configuration
// snapshot: linear rate, configured rounding, then a floor to the
// minimum grant unit.
func ComputeMinutesWith(cfg RuleConfig, amountFCFA int) int {
	if amountFCFA <= 0 || cfg.FcfaPerMinute <= 0 {
		return 0
	}
	raw := float64(amountFCFA) / float64(cfg.FcfaPerMinute)
	var minutes int
	switch cfg.Rounding {
	case RoundingCeil:
		minutes = int(math.Ceil(raw))
	case RoundingNone:
		minutes = int(raw)
	default:
		minutes = int(math.Floor(raw))
	}
	if cfg.MinUnitMinutes <= 1 {
		if minutes < 0 {
			return 0
		}
		return minutes
	}
	if minutes <= 0 {
		return 0
	}
	units := minutes / cfg.MinUnitMinutes
	return units * cfg.MinUnitMinutes
}

// GrantOnPayment credits minutes for a spend amount. Returns the minutes
// granted; zero when the rule is disabled or the computed amount is not
// positive, which is not an error.
func (service *Service) GrantOnPayment(ctx context.Context, accountID string, amountFCFA int, reference string, operatorID string, sourceOverride Source) (int, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return 0, err
	}
	source := SourcePayment
	if sourceOverride != "" {
		source, err = ParseSource(sourceOverride.String())
		if err != nil {
			return 0, err
		}
	}
	granted := 0
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		cfg, err := service.loadRuleConfig(ctx, transactionStore)
		if err != nil {
			return err
		}
		if cfg.Enabled == "0" {
			return nil
		}
		minutes := ComputeMinutesWith(cfg, amountFCFA)
		if minutes <= 0 {
			return nil
		}
		_, err = transactionStore.InsertEntry(ctx, Entry{
			AccountID:      normalized,
			MinutesDelta:   minutes,
			Source:         source,
			Reference:      reference,
			OperatorID:     operatorID,
			MetadataJSON:   paymentMetadata(amountFCFA),
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		granted = minutes
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPaymentGrant,
		AccountID: normalized,
		Minutes:   granted,
		Source:    source,
		Reference: reference,
		Status:    skippedIfZero(granted, operationError),
		Error:     operationError,
	})
	return granted, operationError
}

// GrantWelcome credits the welcome bonus at most once per account
// lifetime. Returns zero when disabled or already granted.
func (service *Service) GrantWelcome(ctx context.Context, accountID string, operatorID string) (int, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return 0, err
	}
	granted := 0
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		cfg, err := service.loadRuleConfig(ctx, transactionStore)
		if err != nil {
			return err
		}
		if cfg.WelcomeEnabled == "0" || cfg.WelcomeMinutes <= 0 {
			return nil
		}
		existing, err := transactionStore.CountBySource(ctx, normalized, SourceWelcome)
		if err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		_, err = transactionStore.InsertEntry(ctx, Entry{
			AccountID:      normalized,
			MinutesDelta:   cfg.WelcomeMinutes,
			Source:         SourceWelcome,
			OperatorID:     operatorID,
			Notes:          welcomeNote,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		granted = cfg.WelcomeMinutes
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationWelcomeGrant,
		AccountID: normalized,
		Minutes:   granted,
		Source:    SourceWelcome,
		Status:    skippedIfZero(granted, operationError),
		Error:     operationError,
	})
	return granted, operationError
}

// AdminCredit appends a positive admin entry.
func (service *Service) AdminCredit(ctx context.Context, accountID string, minutes int, operatorID string, notes string) error {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return err
	}
	if minutes <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidMinutes)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      normalized,
			MinutesDelta:   minutes,
			Source:         SourceAdmin,
			OperatorID:     operatorID,
			Notes:          notes,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminCredit,
		AccountID: normalized,
		Minutes:   minutes,
		Source:    SourceAdmin,
		Error:     operationError,
	})
	return operationError
}

// AdminDebit appends a negative admin entry after a balance guard.
func (service *Service) AdminDebit(ctx context.Context, accountID string, minutes int, operatorID string, notes string) error {
	return service.debit(ctx, operationAdminDebit, accountID, minutes, SourceAdmin, "", operatorID, notes)
}

// UseForSession consumes minutes for a play session.
func (service *Service) UseForSession(ctx context.Context, accountID string, minutes int, sessionReference string, operatorID string) error {
	return service.debit(ctx, operationSessionUse, accountID, minutes, SourceSessionUse, sessionReference, operatorID, "")
}

// debit is the shared guarded-debit path: the balance check and the
// negative entry commit in one transaction so concurrent debits cannot
// drive the balance below zero.
func (service *Service) debit(ctx context.Context, operation string, accountID string, minutes int, source Source, reference string, operatorID string, notes string) error {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return err
	}
	if minutes <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidMinutes)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.SumMinutes(ctx, normalized)
		if err != nil {
			return err
		}
		if minutes > balance {
			return ErrInsufficientBalance
		}
		_, err = transactionStore.InsertEntry(ctx, Entry{
			AccountID:      normalized,
			MinutesDelta:   -minutes,
			Source:         source,
			Reference:      reference,
			OperatorID:     operatorID,
			Notes:          notes,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		AccountID: normalized,
		Minutes:   -minutes,
		Source:    source,
		Reference: reference,
		Error:     operationError,
	})
	return operationError
}

// CreditReward forwards a reward credit into the ledger on behalf of the
// fidelity engine.
func (service *Service) CreditReward(ctx context.Context, accountID string, minutes int, source string, reference string, notes string) (string, error) {
	parsedSource, err := ParseSource(source)
	if err != nil {
		return "", err
	}
	if parsedSource != SourceFidelityAuto && parsedSource != SourceAdmin {
		return "", fmt.Errorf("%w: reward credits must be fidelity_auto or admin", ErrInvalidSource)
	}
	if minutes <= 0 {
		return "", fmt.Errorf("%w: must be greater than zero", ErrInvalidMinutes)
	}
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return "", err
	}
	var entryID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		insertedID, err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      normalized,
			MinutesDelta:   minutes,
			Source:         parsedSource,
			Reference:      reference,
			Notes:          notes,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		entryID = insertedID
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRewardCredit,
		AccountID: normalized,
		Minutes:   minutes,
		Source:    parsedSource,
		Reference: reference,
		Error:     operationError,
	})
	return entryID, operationError
}

// History returns entries newest-first with a running balance computed
// by chronological replay over the selected set. Pagination slices the
// reversed list, matching the presentation the venue UI expects.
func (service *Service) History(ctx context.Context, accountID string, limit int, offset int) ([]HistoryEntry, error) {
	filter := ""
	if accountID != "" {
		normalized, err := normalizeAccountID(accountID)
		if err != nil {
			return nil, err
		}
		filter = normalized
	}
	entries, err := service.store.ListEntriesAsc(ctx, filter)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryEntry, 0, len(entries))
	running := 0
	for _, entry := range entries {
		running += entry.MinutesDelta
		history = append(history, HistoryEntry{Entry: entry, BalanceAfter: running})
	}
	for left, right := 0, len(history)-1; left < right; left, right = left+1, right-1 {
		history[left], history[right] = history[right], history[left]
	}
	if offset >= len(history) {
		return []HistoryEntry{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(history) {
		end = len(history)
	}
	return history[offset:end], nil
}

// SetConfigValue updates one rule configuration key.
func (service *Service) SetConfigValue(ctx context.Context, key string, value string) error {
	return service.store.SetConfigValue(ctx, key, value)
}

// loadRuleConfig builds a configuration snapshot, resolving every
// missing or malformed key to its default rather than failing.
func (service *Service) loadRuleConfig(ctx context.Context, store Store) (RuleConfig, error) {
	cfg := RuleConfig{
		Enabled:        "1",
		FcfaPerMinute:  DefaultFcfaPerMinute,
		Rounding:       RoundingFloor,
		MinUnitMinutes: DefaultMinUnitMinutes,
		WelcomeEnabled: "1",
		WelcomeMinutes: DefaultWelcomeMinutes,
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyEnabled); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.Enabled = value
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyFcfaPerMinute); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.FcfaPerMinute = parseIntOr(value, DefaultFcfaPerMinute)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyRounding); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.Rounding = ParseRoundingMode(value)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyMinUnitMinutes); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.MinUnitMinutes = parseIntOr(value, DefaultMinUnitMinutes)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyApplyOn); err != nil {
		return RuleConfig{}, err
	} else if ok {
		var applyOn []string
		if unmarshalErr := json.Unmarshal([]byte(value), &applyOn); unmarshalErr == nil {
			cfg.ApplyOn = applyOn
		}
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyWelcomeEnabled); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.WelcomeEnabled = value
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyWelcomeMinutes); err != nil {
		return RuleConfig{}, err
	} else if ok {
		cfg.WelcomeMinutes = parseIntOr(value, DefaultWelcomeMinutes)
	}
	return cfg, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func skippedIfZero(granted int, err error) string {
	if err == nil && granted == 0 {
		return operationStatusSkipped
	}
	return ""
}

func parseIntOr(raw string, fallback int) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func paymentMetadata(amountFCFA int) string {
	raw, err := json.Marshal(map[string]int{"amount_fcfa": amountFCFA})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
