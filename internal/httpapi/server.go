// Package httpapi exposes the rider session over HTTP for the host app shell.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripsync/internal/syncd"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/notifications"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const claimsContextKey = "auth_claims"

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, engine *syncd.Engine, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{logger: logger, engine: engine, cfg: cfg}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
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

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleGetSession)
	api.POST("/session", handler.handleOpenSession)
	api.DELETE("/session", handler.handleCloseSession)
	api.POST("/lifecycle", handler.handleLifecycle)
	api.GET("/pollers", handler.handlePollers)
	api.POST("/trips/tap-in", handler.handleTapIn)
	api.POST("/trips/tap-out", handler.handleTapOut)
	api.POST("/trips/refresh", handler.handleRefresh)
	api.POST("/recharges", handler.handleRecharge)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/notifications", handler.handleNotifications)
	api.POST("/notifications/:id/read", handler.handleMarkRead)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	engine *syncd.Engine
	cfg    Config
}

func (handler *httpHandler) handleGetSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	state := handler.engine.Hub().State()
	response := gin.H{
		"user_id":    claims.GetUserID(),
		"foreground": state.Foreground,
		"open":       false,
	}
	if state.UserID == claims.GetUserID() {
		if snapshot, open := handler.engine.Sessions().Snapshot(); open {
			response["open"] = true
			response["session"] = newSnapshotPayload(snapshot)
		}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleOpenSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request openSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with card_id"))
		return
	}
	card, err := session.NewCardID(request.CardID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.engine.Hub().SetIdentity(claims.GetUserID(), card.String())
	snapshot, open := handler.engine.Sessions().Snapshot()
	if !open || snapshot.Card != card {
		ctx.JSON(http.StatusBadGateway, errorResponse("session_unavailable", "session could not be opened"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSnapshotPayload(snapshot)})
}

func (handler *httpHandler) handleCloseSession(ctx *gin.Context) {
	if _, ok := handler.requireSession(ctx); !ok {
		return
	}
	handler.engine.Hub().ClearIdentity()
	ctx.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (handler *httpHandler) handleLifecycle(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request lifecycleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Foreground == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with foreground"))
		return
	}
	handler.engine.Hub().SetForeground(*request.Foreground)
	ctx.JSON(http.StatusOK, gin.H{"pollers": handler.pollerPayloads()})
}

func (handler *httpHandler) handlePollers(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pollers": handler.pollerPayloads()})
}

func (handler *httpHandler) handleTapIn(ctx *gin.Context) {
	card, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	var request tapInRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with bus_id"))
		return
	}
	bus, err := session.NewBusReference(request.BusID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var options []session.TapInOption
	if request.Location != nil {
		options = append(options, session.WithTapInLocation(session.Coordinate{
			Latitude:  request.Location.Latitude,
			Longitude: request.Location.Longitude,
		}))
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if _, err := handler.engine.Sessions().TapIn(requestCtx, card, bus, options...); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithSnapshot(ctx)
}

func (handler *httpHandler) handleTapOut(ctx *gin.Context) {
	card, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with fare"))
		return
	}
	fare, err := session.NewAmount(request.Fare)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if _, err := handler.engine.Sessions().TapOut(requestCtx, card, fare); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithSnapshot(ctx)
}

func (handler *httpHandler) handleRecharge(ctx *gin.Context) {
	card, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with amount"))
		return
	}
	amount, err := session.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if _, err := handler.engine.Sessions().Recharge(requestCtx, card, amount); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithSnapshot(ctx)
}

func (handler *httpHandler) handleRefresh(ctx *gin.Context) {
	if _, ok := handler.requireSession(ctx); !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	// debounced refreshes answer with the snapshot the last poll left
	refreshed, err := handler.engine.TripPoller().Trigger(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	snapshot, open := handler.engine.Sessions().Snapshot()
	if !open {
		ctx.JSON(http.StatusConflict, errorResponse("no_session", "no open card session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSnapshotPayload(snapshot), "refreshed": refreshed})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	if _, ok := handler.requireSession(ctx); !ok {
		return
	}
	transactions := handler.engine.Sessions().Transactions()
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			ID:           transaction.ID,
			Kind:         string(transaction.Kind),
			Amount:       transaction.Amount.String(),
			BalanceAfter: transaction.BalanceAfter.String(),
			TripID:       transaction.TripID.String(),
			CreatedAt:    transaction.CreatedAt.UTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleNotifications(ctx *gin.Context) {
	if _, ok := handler.requireSession(ctx); !ok {
		return
	}
	inbox := handler.engine.Inbox()
	refreshed := false
	if ctx.Query("refresh") == "true" {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
		defer cancel()
		accepted, err := handler.engine.NotificationPoller().Trigger(requestCtx)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		refreshed = accepted
	}
	items := inbox.Items()
	payloads := make([]notificationPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, notificationPayload{
			ID:        item.ID,
			Title:     item.Title,
			Body:      item.Body,
			Read:      item.Read,
			CreatedAt: item.CreatedAt.UTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"unread":        inbox.Unread(),
		"notifications": payloads,
		"refreshed":     refreshed,
	})
}

func (handler *httpHandler) handleMarkRead(ctx *gin.Context) {
	if _, ok := handler.requireSession(ctx); !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.engine.Inbox().MarkRead(requestCtx, ctx.Param("id")); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"unread": handler.engine.Inbox().Unread()})
}

// requireSession resolves the open card for the caller. Only the user that
// opened the session may act on it.
func (handler *httpHandler) requireSession(ctx *gin.Context) (session.CardID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return session.CardID{}, false
	}
	state := handler.engine.Hub().State()
	snapshot, open := handler.engine.Sessions().Snapshot()
	if state.UserID != claims.GetUserID() || !open {
		ctx.JSON(http.StatusConflict, errorResponse("no_session", "no open card session"))
		return session.CardID{}, false
	}
	return snapshot.Card, true
}

func (handler *httpHandler) respondWithSnapshot(ctx *gin.Context) {
	snapshot, open := handler.engine.Sessions().Snapshot()
	if !open {
		ctx.JSON(http.StatusConflict, errorResponse("no_session", "no open card session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSnapshotPayload(snapshot)})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	statusCode, code := mapError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func (handler *httpHandler) pollerPayloads() []pollerPayload {
	pollers := handler.engine.Pollers()
	payloads := make([]pollerPayload, 0, len(pollers))
	for _, poller := range pollers {
		state := poller.State()
		payloads = append(payloads, pollerPayload{
			Name:       poller.Name(),
			Running:    state.Running,
			IntervalMS: state.CurrentInterval.Milliseconds(),
			Accepted:   state.Accepted,
			Dropped:    state.Dropped,
		})
	}
	return payloads
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidCardID):
		return http.StatusBadRequest, "invalid_card_id"
	case errors.Is(err, session.ErrInvalidBusReference):
		return http.StatusBadRequest, "invalid_bus_id"
	case errors.Is(err, session.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, notifications.ErrInvalidNotificationID):
		return http.StatusBadRequest, "invalid_notification_id"
	case errors.Is(err, session.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict, "invalid_trip_state"
	case errors.Is(err, session.ErrInvalidCard):
		return http.StatusConflict, "no_session"
	case errors.Is(err, session.ErrCardNotFound):
		return http.StatusNotFound, "card_not_found"
	case errors.Is(err, notifications.ErrNotificationNotFound):
		return http.StatusNotFound, "notification_not_found"
	case errors.Is(err, session.ErrPaymentRejected):
		return http.StatusPaymentRequired, "payment_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend_timeout"
	default:
		return http.StatusBadGateway, "backend_error"
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func newSnapshotPayload(snapshot session.Snapshot) snapshotPayload {
	payload := snapshotPayload{
		CardID:  snapshot.Card.String(),
		Balance: snapshot.Balance.String(),
		Status:  snapshot.Status.String(),
	}
	if snapshot.Trip != nil {
		trip := &tripPayload{
			TripID:    snapshot.Trip.ID.String(),
			BusID:     snapshot.Trip.Bus.String(),
			TapInTime: snapshot.Trip.TapInTime.UTC(),
		}
		if snapshot.Trip.TapInLocation != nil {
			trip.Location = &locationPayload{
				Latitude:  snapshot.Trip.TapInLocation.Latitude,
				Longitude: snapshot.Trip.TapInLocation.Longitude,
			}
		}
		payload.Trip = trip
	}
	return payload
}

type openSessionRequest struct {
	CardID string `json:"card_id" binding:"required"`
}

type lifecycleRequest struct {
	Foreground *bool `json:"foreground"`
}

type tapInRequest struct {
	BusID    string           `json:"bus_id" binding:"required"`
	Location *locationPayload `json:"location"`
}

type amountRequest struct {
	Fare   string `json:"fare"`
	Amount string `json:"amount"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type snapshotPayload struct {
	CardID  string       `json:"card_id"`
	Balance string       `json:"balance"`
	Status  string       `json:"status"`
	Trip    *tripPayload `json:"trip,omitempty"`
}

type tripPayload struct {
	TripID    string           `json:"trip_id"`
	BusID     string           `json:"bus_id"`
	TapInTime time.Time        `json:"tap_in_time"`
	Location  *locationPayload `json:"location,omitempty"`
}

type transactionPayload struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	TripID       string    `json:"trip_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type notificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type pollerPayload struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	IntervalMS int64  `json:"interval_ms"`
	Accepted   uint64 `json:"accepted"`
	Dropped    uint64 `json:"dropped"`
}
