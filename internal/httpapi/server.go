package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rdmgsalle/bonus/pkg/bonus"
	"github.com/rdmgsalle/bonus/pkg/fidelity"
)

const operatorHeader = "X-Operator-ID"

// Run boots the HTTP façade over the bonus and fidelity services and
// blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, bonusService *bonus.Service, fidelityService *fidelity.Service, logger *zap.Logger) error {
	handler := &httpHandler{
		logger:   logger,
		bonus:    bonusService,
		fidelity: fidelityService,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// setupRouter builds the gin engine with every route registered.
func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", operatorHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.GET("/accounts/:id/balance", handler.handleBalance)
	api.GET("/accounts/:id/history", handler.handleHistory)
	api.GET("/accounts/:id/tickets", handler.handleTickets)
	api.GET("/accounts/:id/grants", handler.handleGrants)
	api.GET("/accounts/:id/progress", handler.handleProgress)

	api.POST("/payments", handler.handlePayment)
	api.POST("/welcome", handler.handleWelcome)
	api.POST("/sessions/use", handler.handleSessionUse)

	admin := api.Group("/admin")
	admin.POST("/credit", handler.handleAdminCredit)
	admin.POST("/debit", handler.handleAdminDebit)
	admin.POST("/tickets", handler.handleAdminAddTicket)
	admin.DELETE("/tickets/:id", handler.handleAdminRevokeTicket)
	admin.POST("/grants", handler.handleAdminForceGrant)
	admin.POST("/grants/expire", handler.handleExpireGrants)
	admin.POST("/config", handler.handleSetConfig)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	bonus    *bonus.Service
	fidelity *fidelity.Service
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	balance, err := handler.bonus.Balance(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":   ctx.Param("id"),
		"balance_mins": balance,
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	limit := intQuery(ctx, "limit", 50)
	offset := intQuery(ctx, "offset", 0)
	history, err := handler.bonus.History(ctx.Request.Context(), ctx.Param("id"), limit, offset)
	if err != nil {
		handler.respondError(ctx, "history fetch failed", err)
		return
	}
	entries := make([]historyPayload, 0, len(history))
	for _, item := range history {
		entries = append(entries, historyPayload{
			EntryID:        item.EntryID,
			MinutesDelta:   item.MinutesDelta,
			Source:         item.Source.String(),
			Reference:      item.Reference,
			Notes:          item.Notes,
			BalanceAfter:   item.BalanceAfter,
			CreatedUnixUTC: item.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *httpHandler) handleTickets(ctx *gin.Context) {
	tickets, err := handler.fidelity.ListTickets(ctx.Request.Context(), ctx.Param("id"), intQuery(ctx, "limit", 50), intQuery(ctx, "offset", 0))
	if err != nil {
		handler.respondError(ctx, "ticket fetch failed", err)
		return
	}
	payloads := make([]ticketPayload, 0, len(tickets))
	for _, ticket := range tickets {
		payloads = append(payloads, ticketPayload{
			TicketID:   ticket.TicketID,
			TicketDate: ticket.TicketDate,
			Source:     string(ticket.Source),
			AmountFCFA: ticket.AmountFCFA,
			Expired:    ticket.Expired,
			Notes:      ticket.Notes,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"tickets": payloads})
}

func (handler *httpHandler) handleGrants(ctx *gin.Context) {
	grants, err := handler.fidelity.ListGrants(ctx.Request.Context(), ctx.Param("id"), intQuery(ctx, "limit", 50), intQuery(ctx, "offset", 0))
	if err != nil {
		handler.respondError(ctx, "grant fetch failed", err)
		return
	}
	payloads := make([]grantPayload, 0, len(grants))
	for _, grant := range grants {
		payloads = append(payloads, grantPayload{
			GrantID:        grant.GrantID,
			Type:           string(grant.Type),
			TicketsCount:   grant.TicketsCount,
			MinutesAwarded: grant.MinutesAwarded,
			ExpiryUnixUTC:  grant.ExpiryUnixUTC,
			Used:           grant.Used,
			Notes:          grant.Notes,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"grants": payloads})
}

func (handler *httpHandler) handleProgress(ctx *gin.Context) {
	progress, err := handler.fidelity.Progress(ctx.Request.Context(), ctx.Param("id"), ctx.Query("date"))
	if err != nil {
		handler.respondError(ctx, "progress fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"progress": progress})
}

func (handler *httpHandler) handlePayment(ctx *gin.Context) {
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	operatorID := ctx.GetHeader(operatorHeader)
	minutes, err := handler.bonus.GrantOnPayment(ctx.Request.Context(), request.AccountID, request.AmountFCFA, request.Reference, operatorID, "")
	if err != nil {
		handler.respondError(ctx, "payment grant failed", err)
		return
	}
	ticket, err := handler.fidelity.RecordTicketIfEligible(ctx.Request.Context(), request.AccountID, request.AmountFCFA, request.Reference, "", false)
	if err != nil {
		handler.respondError(ctx, "ticket record failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"minutes_granted": minutes,
		"ticket_recorded": ticket,
	})
}

func (handler *httpHandler) handleWelcome(ctx *gin.Context) {
	var request accountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	minutes, err := handler.bonus.GrantWelcome(ctx.Request.Context(), request.AccountID, ctx.GetHeader(operatorHeader))
	if err != nil {
		handler.respondError(ctx, "welcome grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"minutes_granted": minutes})
}

func (handler *httpHandler) handleSessionUse(ctx *gin.Context) {
	var request sessionUseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := handler.bonus.UseForSession(ctx.Request.Context(), request.AccountID, request.Minutes, request.SessionReference, ctx.GetHeader(operatorHeader))
	if err != nil {
		handler.respondError(ctx, "session use failed", err)
		return
	}
	balance, err := handler.bonus.Balance(ctx.Request.Context(), request.AccountID)
	if err != nil {
		handler.respondError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance_mins": balance})
}

func (handler *httpHandler) handleAdminCredit(ctx *gin.Context) {
	var request adminAmountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := handler.bonus.AdminCredit(ctx.Request.Context(), request.AccountID, request.Minutes, ctx.GetHeader(operatorHeader), request.Notes)
	if err != nil {
		handler.respondError(ctx, "admin credit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleAdminDebit(ctx *gin.Context) {
	var request adminAmountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := handler.bonus.AdminDebit(ctx.Request.Context(), request.AccountID, request.Minutes, ctx.GetHeader(operatorHeader), request.Notes)
	if err != nil {
		handler.respondError(ctx, "admin debit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleAdminAddTicket(ctx *gin.Context) {
	var request adminTicketRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	ticketID, err := handler.fidelity.AdminAddTicket(ctx.Request.Context(), request.AccountID, request.TicketDate, ctx.GetHeader(operatorHeader), request.Notes)
	if err != nil {
		handler.respondError(ctx, "admin ticket failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket_id": ticketID})
}

func (handler *httpHandler) handleAdminRevokeTicket(ctx *gin.Context) {
	err := handler.fidelity.AdminRevokeTicket(ctx.Request.Context(), ctx.Param("id"), ctx.Query("reason"))
	if err != nil {
		handler.respondError(ctx, "ticket revoke failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleAdminForceGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	grantID, err := handler.fidelity.AdminForceGrant(ctx.Request.Context(), request.AccountID, request.GrantType, request.Minutes, request.TicketsCount, request.ExpiryDays, request.Notes)
	if err != nil {
		handler.respondError(ctx, "force grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"grant_id": grantID})
}

func (handler *httpHandler) handleExpireGrants(ctx *gin.Context) {
	expired, err := handler.fidelity.RevokeExpiredGrants(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, "grant expiry failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": expired})
}

func (handler *httpHandler) handleSetConfig(ctx *gin.Context) {
	var request configRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Key == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected key and value"))
		return
	}
	if err := handler.bonus.SetConfigValue(ctx.Request.Context(), request.Key, request.Value); err != nil {
		handler.respondError(ctx, "config update failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, bonus.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_balance", err.Error()))
	case errors.Is(err, fidelity.ErrUnknownTicket):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_ticket", err.Error()))
	case errors.Is(err, bonus.ErrInvalidAccountID),
		errors.Is(err, bonus.ErrInvalidMinutes),
		errors.Is(err, bonus.ErrInvalidSource),
		errors.Is(err, bonus.ErrZeroMinutesDelta),
		errors.Is(err, fidelity.ErrInvalidAccountID),
		errors.Is(err, fidelity.ErrInvalidTicketDate),
		errors.Is(err, fidelity.ErrInvalidMinutes),
		errors.Is(err, fidelity.ErrInvalidGrantType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

type accountRequest struct {
	AccountID string `json:"account_id"`
}

type paymentRequest struct {
	AccountID  string `json:"account_id"`
	AmountFCFA int    `json:"amount_fcfa"`
	Reference  string `json:"reference"`
}

type sessionUseRequest struct {
	AccountID        string `json:"account_id"`
	Minutes          int    `json:"minutes"`
	SessionReference string `json:"session_reference"`
}

type adminAmountRequest struct {
	AccountID string `json:"account_id"`
	Minutes   int    `json:"minutes"`
	Notes     string `json:"notes"`
}

type adminTicketRequest struct {
	AccountID  string `json:"account_id"`
	TicketDate string `json:"ticket_date"`
	Notes      string `json:"notes"`
}

type adminGrantRequest struct {
	AccountID    string `json:"account_id"`
	GrantType    string `json:"grant_type"`
	Minutes      int    `json:"minutes"`
	TicketsCount int    `json:"tickets_count"`
	ExpiryDays   int    `json:"expiry_days"`
	Notes        string `json:"notes"`
}

type configRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type historyPayload struct {
	EntryID        string `json:"entry_id"`
	MinutesDelta   int    `json:"minutes_delta"`
	Source         string `json:"source"`
	Reference      string `json:"reference,omitempty"`
	Notes          string `json:"notes,omitempty"`
	BalanceAfter   int    `json:"balance_after"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type ticketPayload struct {
	TicketID   string `json:"ticket_id"`
	TicketDate string `json:"ticket_date"`
	Source     string `json:"source"`
	AmountFCFA int    `json:"amount_fcfa,omitempty"`
	Expired    bool   `json:"expired"`
	Notes      string `json:"notes,omitempty"`
}

type grantPayload struct {
	GrantID        string `json:"grant_id"`
	Type           string `json:"type"`
	TicketsCount   int    `json:"tickets_count"`
	MinutesAwarded int    `json:"minutes_awarded"`
	ExpiryUnixUTC  int64  `json:"expiry_unix_utc,omitempty"`
	Used           int    `json:"used"`
	Notes          string `json:"notes,omitempty"`
}
