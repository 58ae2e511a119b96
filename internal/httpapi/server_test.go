package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rdmgsalle/bonus/internal/store/gormstore"
	"github.com/rdmgsalle/bonus/pkg/bonus"
	"github.com/rdmgsalle/bonus/pkg/fidelity"
)

func TestHealthz(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestPaymentGrantsMinutesAndTicket(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	body := `{"account_id":"acct-1","amount_fcfa":500,"reference":"pay-1"}`
	router.ServeHTTP(recorder, jsonRequest(http.MethodPost, "/api/payments", body))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payment struct {
		MinutesGranted int  `json:"minutes_granted"`
		TicketRecorded bool `json:"ticket_recorded"`
	}
	mustDecode(test, recorder, &payment)
	if payment.MinutesGranted != 10 {
		test.Fatalf("expected 10 minutes for 500 FCFA, got %d", payment.MinutesGranted)
	}
	if !payment.TicketRecorded {
		test.Fatal("expected qualifying spend to record a ticket")
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/accounts/acct-1/balance", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 balance, got %d", recorder.Code)
	}
	var balance struct {
		BalanceMins int `json:"balance_mins"`
	}
	mustDecode(test, recorder, &balance)
	if balance.BalanceMins != 10 {
		test.Fatalf("expected balance 10, got %d", balance.BalanceMins)
	}
}

func TestSessionUseInsufficientBalanceConflicts(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	body := `{"account_id":"acct-1","minutes":30,"session_reference":"sess-1"}`
	router.ServeHTTP(recorder, jsonRequest(http.MethodPost, "/api/sessions/use", body))
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAdminCreditRejectsInvalidMinutes(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, jsonRequest(http.MethodPost, "/api/admin/credit", `{"account_id":"acct-1","minutes":-5}`))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestWelcomeGrantedOnce(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, jsonRequest(http.MethodPost, "/api/welcome", `{"account_id":"acct-1"}`))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var first struct {
		MinutesGranted int `json:"minutes_granted"`
	}
	mustDecode(test, recorder, &first)
	if first.MinutesGranted != 15 {
		test.Fatalf("expected 15 welcome minutes, got %d", first.MinutesGranted)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, jsonRequest(http.MethodPost, "/api/welcome", `{"account_id":"acct-1"}`))
	var second struct {
		MinutesGranted int `json:"minutes_granted"`
	}
	mustDecode(test, recorder, &second)
	if second.MinutesGranted != 0 {
		test.Fatalf("expected repeat welcome to grant nothing, got %d", second.MinutesGranted)
	}
}

func TestRevokeUnknownTicketNotFound(test *testing.T) {
	test.Parallel()
	router := mustRouter(test)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/admin/tickets/no-such-id", nil))
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func mustRouter(test *testing.T) *gin.Engine {
	test.Helper()
	path := filepath.Join(test.TempDir(), "api.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	clock := func() time.Time { return time.Now().UTC() }
	bonusService, err := bonus.NewService(gormstore.New(db), clock)
	if err != nil {
		test.Fatalf("bonus service: %v", err)
	}
	fidelityService, err := fidelity.NewService(gormstore.NewFidelityStore(db), bonusService, clock)
	if err != nil {
		test.Fatalf("fidelity service: %v", err)
	}

	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	handler := &httpHandler{logger: zap.NewNop(), bonus: bonusService, fidelity: fidelityService}
	return setupRouter(cfg, handler)
}

func jsonRequest(method string, target string, body string) *http.Request {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	return request
}

func mustDecode(test *testing.T, recorder *httptest.ResponseRecorder, target any) {
	test.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		test.Fatalf("decode response: %v", err)
	}
}
