package fidelity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRecordTicketBelowThresholdSkips(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())

	inserted, err := service.RecordTicketIfEligible(context.Background(), "acct-1", 50, "sess-1", "", false)
	if err != nil {
		test.Fatalf("record ticket: %v", err)
	}
	if inserted {
		test.Fatal("expected sub-threshold spend to record nothing")
	}
	if len(store.tickets) != 0 {
		test.Fatalf("expected no tickets, got %d", len(store.tickets))
	}
}

func TestRecordTicketOncePerDay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())

	inserted, err := service.RecordTicketIfEligible(context.Background(), "acct-1", 200, "sess-1", "", false)
	if err != nil {
		test.Fatalf("first ticket: %v", err)
	}
	if !inserted {
		test.Fatal("expected first qualifying spend to record a ticket")
	}

	repeat, err := service.RecordTicketIfEligible(context.Background(), "acct-1", 300, "sess-2", "", false)
	if err != nil {
		test.Fatalf("second ticket: %v", err)
	}
	if repeat {
		test.Fatal("expected same-day repeat to record nothing")
	}
	if len(store.tickets) != 1 {
		test.Fatalf("expected 1 ticket, got %d", len(store.tickets))
	}

	forced, err := service.RecordTicketIfEligible(context.Background(), "acct-1", 300, "sess-3", "op-1", true)
	if err != nil {
		test.Fatalf("forced ticket: %v", err)
	}
	if !forced {
		test.Fatal("expected forced insertion to bypass the daily gate")
	}
	if store.tickets[1].Source != TicketSourceManual {
		test.Fatalf("expected operator ticket to be manual, got %s", store.tickets[1].Source)
	}
}

func TestRecordTicketDisabledSkips(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.config[ConfigKeyEnabled] = "0"
	service := mustNewService(test, store, newStubLedger())

	inserted, err := service.RecordTicketIfEligible(context.Background(), "acct-1", 500, "sess-1", "", false)
	if err != nil {
		test.Fatalf("record ticket: %v", err)
	}
	if inserted {
		test.Fatal("expected disabled program to record nothing")
	}
}

func TestSevenDayBestTierGrantsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := newStubLedger()
	service := mustNewService(test, store, ledger)
	store.seedTickets(test, "acct-1", dayRange(test, "2026-03-06", 5))

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	grants := store.grantsOfType(GrantType7Day)
	if len(grants) != 1 {
		test.Fatalf("expected one 7d grant, got %d", len(grants))
	}
	if grants[0].MinutesAwarded != 35 {
		test.Fatalf("expected best tier 35 minutes for 5 tickets, got %d", grants[0].MinutesAwarded)
	}
	if len(ledger.credits) != 1 || ledger.credits[0].minutes != 35 {
		test.Fatalf("expected single 35 minute credit, got %+v", ledger.credits)
	}

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("repeat evaluate: %v", err)
	}
	if got := len(store.grantsOfType(GrantType7Day)); got != 1 {
		test.Fatalf("expected repeat evaluation to add no grants, got %d", got)
	}
	if len(ledger.credits) != 1 {
		test.Fatalf("expected repeat evaluation to add no credits, got %d", len(ledger.credits))
	}
}

func TestFourteenDayRequiresSevenDayGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := newStubLedger()
	service := mustNewService(test, store, ledger)
	dates := append(dayRange(test, "2026-03-01", 8), "2026-03-14")
	store.seedTickets(test, "acct-1", dates)

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if got := len(store.grantsOfType(GrantType14Day)); got != 0 {
		test.Fatalf("expected 14d tier locked without a 7d grant, got %d grants", got)
	}

	store.grants = append(store.grants, Grant{
		GrantID:         "seed-7d",
		AccountID:       "acct-1",
		Type:            GrantType7Day,
		SourceReference: "7d_window_end:2026-03-07",
		MinutesAwarded:  15,
	})

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("unlocked evaluate: %v", err)
	}
	grants := store.grantsOfType(GrantType14Day)
	if len(grants) != 2 {
		test.Fatalf("expected grants for the 8 and 9 ticket thresholds, got %d", len(grants))
	}
	total := 0
	for _, grant := range grants {
		total += grant.MinutesAwarded
	}
	if total != 10 {
		test.Fatalf("expected 10 additive minutes, got %d", total)
	}
}

func TestJF30GrantsPerTicketMinutesWithExpiry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := newStubLedger()
	service := mustNewService(test, store, ledger)
	dates := make([]string, 0, 12)
	start := mustDate(test, "2026-03-01")
	for index := 0; index < 12; index++ {
		dates = append(dates, start.AddDate(0, 0, index*2).Format(DateLayout))
	}
	store.seedTickets(test, "acct-1", dates)

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	grants := store.grantsOfType(GrantTypeJF30)
	if len(grants) != 1 {
		test.Fatalf("expected one jf30 grant, got %d", len(grants))
	}
	if grants[0].MinutesAwarded != 24 {
		test.Fatalf("expected 12 tickets at 2 minutes each, got %d", grants[0].MinutesAwarded)
	}
	if grants[0].ExpiryUnixUTC == 0 {
		test.Fatal("expected jf30 grant to carry an expiry")
	}
}

func TestSequenceExpiresBelowMinimumTickets(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())
	store.seedTickets(test, "acct-1", []string{"2026-03-01", "2026-03-02", "2026-03-09"})

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if store.sequences[0].Status != SequenceExpired {
		test.Fatalf("expected sequence expired, got %s", store.sequences[0].Status)
	}
	expired := 0
	for _, ticket := range store.tickets {
		if ticket.Expired {
			expired++
			if ticket.TicketDate == "2026-03-09" {
				test.Fatal("ticket outside the initial window must survive")
			}
		}
	}
	if expired != 2 {
		test.Fatalf("expected the 2 initial-window tickets expired, got %d", expired)
	}
}

func TestSequenceValidatesAtMinimumTickets(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())
	store.seedTickets(test, "acct-1", []string{"2026-03-01", "2026-03-03", "2026-03-05", "2026-03-10"})

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if store.sequences[0].Status != SequenceValidated {
		test.Fatalf("expected sequence validated, got %s", store.sequences[0].Status)
	}
	for _, ticket := range store.tickets {
		if ticket.Expired {
			test.Fatalf("validated sequence must keep ticket %s", ticket.TicketDate)
		}
	}
}

func TestMirrorFailureDoesNotBlockGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := newStubLedger()
	sink := &stubSink{err: errors.New("legacy log offline")}
	service := mustNewService(test, store, ledger, WithSecondarySink(sink))
	store.seedTickets(test, "acct-1", dayRange(test, "2026-03-08", 3))

	if err := service.Evaluate(context.Background(), "acct-1"); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if got := len(store.grantsOfType(GrantType7Day)); got != 1 {
		test.Fatalf("expected grant despite mirror failure, got %d", got)
	}
	if len(ledger.credits) != 1 {
		test.Fatalf("expected credit despite mirror failure, got %d", len(ledger.credits))
	}
}

func TestAdminForceGrantValidatesInput(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := newStubLedger()
	service := mustNewService(test, store, ledger)

	if _, err := service.AdminForceGrant(context.Background(), "acct-1", "bogus", 10, 0, 0, ""); !errors.Is(err, ErrInvalidGrantType) {
		test.Fatalf("expected ErrInvalidGrantType, got %v", err)
	}
	if _, err := service.AdminForceGrant(context.Background(), "acct-1", "admin_force", 0, 0, 0, ""); !errors.Is(err, ErrInvalidMinutes) {
		test.Fatalf("expected ErrInvalidMinutes, got %v", err)
	}

	grantID, err := service.AdminForceGrant(context.Background(), "acct-1", "admin_force", 25, 0, 5, "goodwill")
	if err != nil {
		test.Fatalf("force grant: %v", err)
	}
	if grantID == "" {
		test.Fatal("expected grant id")
	}
	if len(ledger.credits) != 1 || ledger.credits[0].source != "admin" {
		test.Fatalf("expected admin-source credit, got %+v", ledger.credits)
	}
}

func TestAdminRevokeTicketUnknownID(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())

	if err := service.AdminRevokeTicket(context.Background(), "missing", "typo"); !errors.Is(err, ErrUnknownTicket) {
		test.Fatalf("expected ErrUnknownTicket, got %v", err)
	}
}

func TestProgressCountsTrailingWindows(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubLedger())
	store.seedTickets(test, "acct-1", []string{
		"2026-02-10", "2026-02-26", "2026-03-01", "2026-03-07", "2026-03-09", "2026-03-10",
	})

	progress, err := service.Progress(context.Background(), "acct-1", "2026-03-10")
	if err != nil {
		test.Fatalf("progress: %v", err)
	}
	if progress.Window7Day != 3 {
		test.Fatalf("expected 3 tickets in 7d window, got %d", progress.Window7Day)
	}
	if progress.Window14Day != 5 {
		test.Fatalf("expected 5 tickets in 14d window, got %d", progress.Window14Day)
	}
	if progress.Window30Day != 6 {
		test.Fatalf("expected 6 tickets in 30d window, got %d", progress.Window30Day)
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	clock := func() time.Time { return testNow }
	if _, err := NewService(nil, newStubLedger(), clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil ledger, got %v", err)
	}
	if _, err := NewService(newStubStore(test), newStubLedger(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func mustNewService(test *testing.T, store Store, ledger BonusLedger, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, ledger, func() time.Time { return testNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustDate(test *testing.T, raw string) time.Time {
	test.Helper()
	parsed, err := time.Parse(DateLayout, raw)
	if err != nil {
		test.Fatalf("parse date %q: %v", raw, err)
	}
	return parsed
}

func dayRange(test *testing.T, startDate string, days int) []string {
	test.Helper()
	start := mustDate(test, startDate)
	dates := make([]string, 0, days)
	for index := 0; index < days; index++ {
		dates = append(dates, start.AddDate(0, 0, index).Format(DateLayout))
	}
	return dates
}

type creditCall struct {
	accountID string
	minutes   int
	source    string
	reference string
}

type stubLedger struct {
	credits []creditCall
	err     error
}

func newStubLedger() *stubLedger {
	return &stubLedger{}
}

func (ledger *stubLedger) CreditReward(ctx context.Context, accountID string, minutes int, source string, reference string, notes string) (string, error) {
	if ledger.err != nil {
		return "", ledger.err
	}
	ledger.credits = append(ledger.credits, creditCall{accountID: accountID, minutes: minutes, source: source, reference: reference})
	return fmt.Sprintf("credit-%d", len(ledger.credits)), nil
}

type stubSink struct {
	mirrored int
	err      error
}

func (sink *stubSink) MirrorCredit(ctx context.Context, accountID string, minutes int, source string, note string) (string, error) {
	if sink.err != nil {
		return "", sink.err
	}
	sink.mirrored++
	return fmt.Sprintf("mirror-%d", sink.mirrored), nil
}

type stubStore struct {
	config    map[string]string
	sequences []Sequence
	tickets   []Ticket
	grants    []Grant
	nextID    int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{config: make(map[string]string)}
}

// seedTickets inserts non-expired tickets attached to a single sequence
// starting at the first date.
func (store *stubStore) seedTickets(test *testing.T, accountID string, dates []string) {
	test.Helper()
	if len(dates) == 0 {
		return
	}
	sequence, err := store.CreateSequence(context.Background(), accountID, dates[0])
	if err != nil {
		test.Fatalf("seed sequence: %v", err)
	}
	for _, date := range dates {
		_, err := store.InsertTicket(context.Background(), Ticket{
			AccountID:  accountID,
			TicketDate: date,
			Source:     TicketSourceAuto,
			SequenceID: sequence.SequenceID,
		})
		if err != nil {
			test.Fatalf("seed ticket %s: %v", date, err)
		}
	}
}

func (store *stubStore) grantsOfType(grantType GrantType) []Grant {
	selected := make([]Grant, 0, len(store.grants))
	for _, grant := range store.grants {
		if grant.Type == grantType {
			selected = append(selected, grant)
		}
	}
	return selected
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	value, ok := store.config[key]
	return value, ok, nil
}

func (store *stubStore) ActiveSequence(ctx context.Context, accountID string) (Sequence, bool, error) {
	for index := len(store.sequences) - 1; index >= 0; index-- {
		sequence := store.sequences[index]
		if sequence.AccountID == accountID && sequence.Status == SequenceActive {
			return sequence, true, nil
		}
	}
	return Sequence{}, false, nil
}

func (store *stubStore) ActiveSequences(ctx context.Context, accountID string) ([]Sequence, error) {
	selected := make([]Sequence, 0, len(store.sequences))
	for _, sequence := range store.sequences {
		if sequence.Status == SequenceActive && (accountID == "" || sequence.AccountID == accountID) {
			selected = append(selected, sequence)
		}
	}
	return selected, nil
}

func (store *stubStore) CreateSequence(ctx context.Context, accountID string, startDate string) (Sequence, error) {
	store.nextID++
	sequence := Sequence{
		SequenceID: fmt.Sprintf("seq-%d", store.nextID),
		AccountID:  accountID,
		StartDate:  startDate,
		Status:     SequenceActive,
	}
	store.sequences = append(store.sequences, sequence)
	return sequence, nil
}

func (store *stubStore) UpdateSequenceStatus(ctx context.Context, sequenceID string, status SequenceStatus) error {
	for index := range store.sequences {
		if store.sequences[index].SequenceID == sequenceID {
			store.sequences[index].Status = status
			return nil
		}
	}
	return nil
}

func (store *stubStore) HasTicketOn(ctx context.Context, accountID string, ticketDate string) (bool, error) {
	for _, ticket := range store.tickets {
		if ticket.AccountID == accountID && ticket.TicketDate == ticketDate && !ticket.Expired {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertTicket(ctx context.Context, ticket Ticket) (string, error) {
	store.nextID++
	ticket.TicketID = fmt.Sprintf("ticket-%d", store.nextID)
	store.tickets = append(store.tickets, ticket)
	return ticket.TicketID, nil
}

func (store *stubStore) TicketDates(ctx context.Context, accountID string) ([]string, error) {
	dates := make([]string, 0, len(store.tickets))
	for _, ticket := range store.tickets {
		if ticket.AccountID == accountID && !ticket.Expired {
			dates = append(dates, ticket.TicketDate)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (store *stubStore) CountSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string) (int, error) {
	count := 0
	for _, ticket := range store.tickets {
		if ticket.SequenceID == sequenceID && !ticket.Expired && ticket.TicketDate >= startDate && ticket.TicketDate <= endDate {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) ExpireSequenceTickets(ctx context.Context, sequenceID string, startDate string, endDate string, note string) error {
	for index := range store.tickets {
		ticket := &store.tickets[index]
		if ticket.SequenceID == sequenceID && !ticket.Expired && ticket.TicketDate >= startDate && ticket.TicketDate <= endDate {
			ticket.Expired = true
			ticket.Notes += note
		}
	}
	return nil
}

func (store *stubStore) ExpireTicket(ctx context.Context, ticketID string, note string) (bool, error) {
	for index := range store.tickets {
		ticket := &store.tickets[index]
		if ticket.TicketID == ticketID && !ticket.Expired {
			ticket.Expired = true
			ticket.Notes += note
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) GrantExists(ctx context.Context, accountID string, grantType GrantType, sourceReference string) (bool, error) {
	for _, grant := range store.grants {
		if grant.AccountID == accountID && grant.Type == grantType && grant.SourceReference == sourceReference {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) HasGrantOfType(ctx context.Context, accountID string, grantType GrantType) (bool, error) {
	for _, grant := range store.grants {
		if grant.AccountID == accountID && grant.Type == grantType {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertGrant(ctx context.Context, grant Grant) (string, error) {
	for _, existing := range store.grants {
		if existing.AccountID == grant.AccountID && existing.Type == grant.Type && existing.SourceReference == grant.SourceReference {
			return "", ErrDuplicateGrant
		}
	}
	store.nextID++
	grant.GrantID = fmt.Sprintf("grant-%d", store.nextID)
	store.grants = append(store.grants, grant)
	return grant.GrantID, nil
}

func (store *stubStore) ExpirePastGrants(ctx context.Context, nowUnixUTC int64) (int64, error) {
	var touched int64
	for index := range store.grants {
		grant := &store.grants[index]
		if grant.Used == GrantUnused && grant.ExpiryUnixUTC != 0 && grant.ExpiryUnixUTC < nowUnixUTC {
			grant.Used = GrantExpired
			touched++
		}
	}
	return touched, nil
}

func (store *stubStore) ListTickets(ctx context.Context, accountID string, limit int, offset int) ([]Ticket, error) {
	selected := make([]Ticket, 0, len(store.tickets))
	for _, ticket := range store.tickets {
		if accountID == "" || ticket.AccountID == accountID {
			selected = append(selected, ticket)
		}
	}
	return selected, nil
}

func (store *stubStore) ListGrants(ctx context.Context, accountID string, limit int, offset int) ([]Grant, error) {
	selected := make([]Grant, 0, len(store.grants))
	for _, grant := range store.grants {
		if accountID == "" || grant.AccountID == accountID {
			selected = append(selected, grant)
		}
	}
	return selected, nil
}
