package fidelity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Ledger sources used for reward credits.
const (
	creditSourceFidelityAuto = "fidelity_auto"
	creditSourceAdmin        = "admin"
)

// Service runs the ticket, sequence, and reward-tier logic over a Store,
// crediting issued rewards into the bonus minute ledger.
type Service struct {
	store        Store
	ledger       BonusLedger
	sink         SecondarySink
	nowFn        func() time.Time
	location     *time.Location
	timezoneName string
	logger       *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithSecondarySink wires the legacy client-log mirror.
func WithSecondarySink(sink SecondarySink) ServiceOption {
	return func(service *Service) {
		service.sink = sink
	}
}

// WithTimezone sets the venue's local zone used to resolve ticket dates.
func WithTimezone(name string) ServiceOption {
	return func(service *Service) {
		service.timezoneName = name
	}
}

// WithLogger wires a zap logger for swallowed-error visibility.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// NewService wires a Service. When the configured timezone cannot be
// loaded the service falls back to UTC dates, which can skew the ticket
// day by one near local midnight.
func NewService(store Store, ledger BonusLedger, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: bonus ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, ledger: ledger, nowFn: now, timezoneName: DefaultTimezone, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	location, err := time.LoadLocation(service.timezoneName)
	if err != nil {
		service.logger.Warn("timezone unavailable, using UTC dates", zap.String("timezone", service.timezoneName), zap.Error(err))
		location = time.UTC
	}
	service.location = location
	return service, nil
}

// RecordTicketIfEligible records at most one ticket for the local day
// when the spend qualifies. Returns true once the ticket is inserted,
// regardless of whether any reward was granted: evaluation runs
// synchronously afterwards but its failures never surface here.
func (service *Service) RecordTicketIfEligible(ctx context.Context, accountID string, amountFCFA int, sessionReference string, operatorID string, force bool) (bool, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return false, err
	}
	ticketDate := service.todayLocal()
	inserted := false
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		cfg, err := service.loadConfig(ctx, transactionStore)
		if err != nil {
			return err
		}
		if cfg.Enabled == "0" && !force {
			return nil
		}
		if amountFCFA < cfg.ThresholdFCFA && !force {
			return nil
		}
		exists, err := transactionStore.HasTicketOn(ctx, normalized, ticketDate)
		if err != nil {
			return err
		}
		if exists && !force {
			return nil
		}
		sequence, err := service.attachSequence(ctx, transactionStore, normalized, ticketDate)
		if err != nil {
			return err
		}
		source := TicketSourceAuto
		if operatorID != "" {
			source = TicketSourceManual
		}
		_, err = transactionStore.InsertTicket(ctx, Ticket{
			AccountID:        normalized,
			TicketDate:       ticketDate,
			Source:           source,
			SessionReference: sessionReference,
			AmountFCFA:       amountFCFA,
			SequenceID:       sequence.SequenceID,
			CreatedUnixUTC:   service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		if evalErr := service.Evaluate(ctx, normalized); evalErr != nil {
			service.logger.Warn("reward evaluation failed after ticket", zap.String("account_id", normalized), zap.Error(evalErr))
		}
	}
	return inserted, nil
}

// Evaluate re-scans the account's ticket history and issues every reward
// the tier tables owe it. Safe to invoke repeatedly: grants are keyed by
// window end and threshold, so a second pass is a no-op.
func (service *Service) Evaluate(ctx context.Context, accountID string) error {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return err
	}
	rawDates, err := service.store.TicketDates(ctx, normalized)
	if err != nil {
		return err
	}
	dates, err := distinctSortedDates(rawDates)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}
	cfg, err := service.loadConfig(ctx, service.store)
	if err != nil {
		return err
	}
	lastDate := dates[len(dates)-1]
	lastDateText := lastDate.Format(DateLayout)

	if err := service.evaluate7Day(ctx, normalized, cfg, dates, lastDate, lastDateText); err != nil {
		return err
	}
	if err := service.evaluate14Day(ctx, normalized, cfg, dates, lastDate, lastDateText); err != nil {
		return err
	}
	if err := service.evaluateJF30(ctx, normalized, cfg, dates, lastDate, lastDateText); err != nil {
		return err
	}
	return service.sweepSequences(ctx, normalized, lastDate)
}

// evaluate7Day applies the best applicable tier, never a sum of tiers.
func (service *Service) evaluate7Day(ctx context.Context, accountID string, cfg Config, dates []time.Time, lastDate time.Time, lastDateText string) error {
	count := countInWindow(dates, lastDate, 7)
	var applicable *Tier
	for index := range cfg.Rewards7Day {
		tier := cfg.Rewards7Day[index]
		if count >= tier.Tickets && (applicable == nil || tier.Tickets > applicable.Tickets) {
			applicable = &tier
		}
	}
	if applicable == nil {
		return nil
	}
	sourceReference := fmt.Sprintf("7d_window_end:%s", lastDateText)
	_, _, err := service.issueGrant(ctx, accountID, Grant{
		Type:            GrantType7Day,
		TicketsCount:    applicable.Tickets,
		MinutesAwarded:  applicable.Minutes,
		SourceReference: sourceReference,
		Notes:           fmt.Sprintf("7d reward for %d tickets", applicable.Tickets),
	}, creditSourceFidelityAuto)
	return err
}

// evaluate14Day pays every crossed extension threshold once per window
// end. The tier is gated on the account ever having earned a 7d grant.
func (service *Service) evaluate14Day(ctx context.Context, accountID string, cfg Config, dates []time.Time, lastDate time.Time, lastDateText string) error {
	unlocked, err := service.store.HasGrantOfType(ctx, accountID, GrantType7Day)
	if err != nil {
		return err
	}
	if !unlocked {
		return nil
	}
	count := countInWindow(dates, lastDate, 14)
	tiers := append([]ExtensionTier(nil), cfg.Rewards14Day...)
	sort.Slice(tiers, func(left, right int) bool { return tiers[left].Tickets < tiers[right].Tickets })
	for _, tier := range tiers {
		if count < tier.Tickets {
			continue
		}
		sourceReference := fmt.Sprintf("14d_window_end:%s:req%d", lastDateText, tier.Tickets)
		_, _, err := service.issueGrant(ctx, accountID, Grant{
			Type:            GrantType14Day,
			TicketsCount:    tier.Tickets,
			MinutesAwarded:  tier.AddMinutes,
			SourceReference: sourceReference,
			Notes:           fmt.Sprintf("14d add %d min for %d tickets", tier.AddMinutes, tier.Tickets),
		}, creditSourceFidelityAuto)
		if err != nil {
			return err
		}
	}
	return nil
}

func (service *Service) evaluateJF30(ctx context.Context, accountID string, cfg Config, dates []time.Time, lastDate time.Time, lastDateText string) error {
	count := countInWindow(dates, lastDate, 30)
	if count < cfg.JF30MinTickets {
		return nil
	}
	sourceReference := fmt.Sprintf("jf30_window_end:%s:cnt%d", lastDateText, count)
	_, _, err := service.issueGrant(ctx, accountID, Grant{
		Type:            GrantTypeJF30,
		TicketsCount:    count,
		MinutesAwarded:  count * cfg.JF30PerTicketMins,
		ExpiryUnixUTC:   service.nowFn().UTC().Add(time.Duration(cfg.JF30ExpiryDays) * 24 * time.Hour).Unix(),
		SourceReference: sourceReference,
		Notes:           fmt.Sprintf("JF30 reward %d tickets", count),
	}, creditSourceFidelityAuto)
	return err
}

// sweepSequences closes active sequences whose first seven days have
// fully elapsed: below the minimum they expire together with the
// tickets of that initial window, otherwise they validate. The latest
// ticket date stands in for "today", since the sweep only runs inside
// an evaluation pass that always has one.
func (service *Service) sweepSequences(ctx context.Context, accountID string, lastDate time.Time) error {
	sequences, err := service.store.ActiveSequences(ctx, accountID)
	if err != nil {
		return err
	}
	for _, sequence := range sequences {
		startDate, err := parseDate(sequence.StartDate)
		if err != nil {
			return err
		}
		windowEnd := startDate.AddDate(0, 0, 6)
		if !lastDate.After(windowEnd) {
			continue
		}
		startText := startDate.Format(DateLayout)
		endText := windowEnd.Format(DateLayout)
		err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			count, err := transactionStore.CountSequenceTickets(ctx, sequence.SequenceID, startText, endText)
			if err != nil {
				return err
			}
			if count < SequenceMinTickets {
				if err := transactionStore.UpdateSequenceStatus(ctx, sequence.SequenceID, SequenceExpired); err != nil {
					return err
				}
				note := fmt.Sprintf("Expired by rule: initial 7d had %d tickets; ", count)
				return transactionStore.ExpireSequenceTickets(ctx, sequence.SequenceID, startText, endText, note)
			}
			return transactionStore.UpdateSequenceStatus(ctx, sequence.SequenceID, SequenceValidated)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// issueGrant inserts the grant if its idempotency key is unseen, then
// forwards the ledger credit and the best-effort legacy mirror. The
// mirror reference is empty when the secondary write was skipped or
// failed; that never rolls back the grant or the credit.
func (service *Service) issueGrant(ctx context.Context, accountID string, grant Grant, creditSource string) (string, bool, error) {
	grant.AccountID = accountID
	grant.Used = GrantUnused
	grant.CreatedUnixUTC = service.nowFn().UTC().Unix()
	created := false
	var grantID string
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.GrantExists(ctx, accountID, grant.Type, grant.SourceReference)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		insertedID, err := transactionStore.InsertGrant(ctx, grant)
		if errors.Is(err, ErrDuplicateGrant) {
			return nil
		}
		if err != nil {
			return err
		}
		grantID = insertedID
		created = true
		return nil
	})
	if err != nil || !created {
		return "", false, err
	}
	if _, err := service.ledger.CreditReward(ctx, accountID, grant.MinutesAwarded, creditSource, grant.SourceReference, grant.Notes); err != nil {
		return grantID, true, err
	}
	service.mirrorCredit(ctx, accountID, grant.MinutesAwarded, creditSource, grant.Notes)
	return grantID, true, nil
}

func (service *Service) mirrorCredit(ctx context.Context, accountID string, minutes int, source string, note string) string {
	if service.sink == nil {
		return ""
	}
	reference, err := service.sink.MirrorCredit(ctx, accountID, minutes, source, note)
	if err != nil {
		service.logger.Warn("secondary log mirror failed", zap.String("account_id", accountID), zap.Error(err))
		return ""
	}
	return reference
}

// Progress returns ticket counts for the trailing 7/14/30-day windows
// ending at the reference date (the local today when empty).
func (service *Service) Progress(ctx context.Context, accountID string, referenceDate string) (Progress, error) {
	normalized, err := normalizeAccountID(accountID)
	if err != nil {
		return Progress{}, err
	}
	if referenceDate == "" {
		referenceDate = service.todayLocal()
	}
	reference, err := parseDate(referenceDate)
	if err != nil {
		return Progress{}, err
	}
	rawDates, err := service.store.TicketDates(ctx, normalized)
	if err != nil {
		return Progress{}, err
	}
	dates, err := distinctSortedDates(rawDates)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		Window7Day:  countInWindow(dates, reference, 7),
		Window14Day: countInWindow(dates, reference, 14),
		Window30Day: countInWindow(dates, reference, 30),
	}, nil
}

func (service *Service) attachSequence(ctx context.Context, store Store, accountID string, ticketDate string) (Sequence, error) {
	sequence, found, err := store.ActiveSequence(ctx, accountID)
	if err != nil {
		return Sequence{}, err
	}
	if found {
		return sequence, nil
	}
	return store.CreateSequence(ctx, accountID, ticketDate)
}

func (service *Service) todayLocal() string {
	return service.nowFn().In(service.location).Format(DateLayout)
}

// loadConfig builds a configuration snapshot, resolving every missing
// or malformed key to its default rather than failing.
func (service *Service) loadConfig(ctx context.Context, store Store) (Config, error) {
	cfg := Config{
		Enabled:           "1",
		ThresholdFCFA:     DefaultThresholdFCFA,
		Rewards7Day:       DefaultRewards7Day(),
		Rewards14Day:      DefaultRewards14Day(),
		JF30MinTickets:    DefaultJF30MinTickets,
		JF30PerTicketMins: DefaultJF30PerTicketMins,
		JF30ExpiryDays:    DefaultJF30ExpiryDays,
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyEnabled); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Enabled = value
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyThresholdFCFA); err != nil {
		return Config{}, err
	} else if ok {
		cfg.ThresholdFCFA = parseIntOr(value, DefaultThresholdFCFA)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyRewards7Day); err != nil {
		return Config{}, err
	} else if ok {
		var tiers []Tier
		if unmarshalErr := json.Unmarshal([]byte(value), &tiers); unmarshalErr == nil {
			cfg.Rewards7Day = tiers
		}
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyRewards14Day); err != nil {
		return Config{}, err
	} else if ok {
		var tiers []ExtensionTier
		if unmarshalErr := json.Unmarshal([]byte(value), &tiers); unmarshalErr == nil {
			cfg.Rewards14Day = tiers
		}
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyJF30MinTickets); err != nil {
		return Config{}, err
	} else if ok {
		cfg.JF30MinTickets = parseIntOr(value, DefaultJF30MinTickets)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyJF30PerTicketMins); err != nil {
		return Config{}, err
	} else if ok {
		cfg.JF30PerTicketMins = parseIntOr(value, DefaultJF30PerTicketMins)
	}
	if value, ok, err := store.ConfigValue(ctx, ConfigKeyJF30ExpiryDays); err != nil {
		return Config{}, err
	} else if ok {
		cfg.JF30ExpiryDays = parseIntOr(value, DefaultJF30ExpiryDays)
	}
	return cfg, nil
}

// countInWindow counts distinct ticket dates within the trailing window
// [end-(days-1), end], inclusive on both sides.
func countInWindow(dates []time.Time, end time.Time, days int) int {
	start := end.AddDate(0, 0, -(days - 1))
	count := 0
	for _, date := range dates {
		if !date.Before(start) && !date.After(end) {
			count++
		}
	}
	return count
}

func distinctSortedDates(raw []string) ([]time.Time, error) {
	seen := make(map[string]struct{}, len(raw))
	dates := make([]time.Time, 0, len(raw))
	for _, text := range raw {
		if _, duplicate := seen[text]; duplicate {
			continue
		}
		seen[text] = struct{}{}
		parsed, err := parseDate(text)
		if err != nil {
			return nil, err
		}
		dates = append(dates, parsed)
	}
	sort.Slice(dates, func(left, right int) bool { return dates[left].Before(dates[right]) })
	return dates, nil
}

func parseIntOr(raw string, fallback int) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
