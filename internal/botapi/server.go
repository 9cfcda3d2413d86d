package botapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/quota/internal/session"
	"github.com/MarkoPoloResearchLab/quota/pkg/quota"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	statusSuccess             = "success"
	statusInsufficientBalance = "insufficient_balance"
)

// Server is the HTTP façade the event dispatcher talks to.
type Server struct {
	logger    *zap.Logger
	cfg       Config
	engineCfg quota.Config
	service   *quota.Service
	registry  *quota.PromoRegistry
	topup     *quota.TopUpProcessor
	sessions  session.Store
}

// NewServer wires the façade over the engine components.
func NewServer(cfg Config, engineCfg quota.Config, service *quota.Service, registry *quota.PromoRegistry, topup *quota.TopUpProcessor, sessions session.Store, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := engineCfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:    logger,
		cfg:       cfg,
		engineCfg: engineCfg,
		service:   service,
		registry:  registry,
		topup:     topup,
		sessions:  sessions,
	}, nil
}

// Router builds the gin engine with auth and CORS applied.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware(server.cfg))

	api.POST("/balance", server.handleBalance)
	api.POST("/items", server.handleRegisterItem)
	api.POST("/consume", server.handleConsume)
	api.POST("/promo/redeem", server.handleRedeem)
	api.POST("/payments/confirmed", server.handlePaymentConfirmed)

	admin := api.Group("/admin")
	admin.Use(requireRole(RoleAdmin))
	admin.POST("/promo", server.handleCreatePromo)
	admin.GET("/promo", server.handleListPromos)
	admin.POST("/promo/revoke", server.handleRevokePromo)
	admin.POST("/grant", server.handleGrant)
	admin.GET("/stats", server.handleStats)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	var request userRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	snapshot, err := server.service.Balance(requestCtx, request.UserID)
	if err != nil {
		server.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadOf(snapshot)})
}

func (server *Server) handleRegisterItem(ctx *gin.Context) {
	var request itemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := quota.NormalizeUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, "items", err)
		return
	}
	token := request.ItemToken
	if token == "" {
		token = uuid.NewString()
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.sessions.Put(requestCtx, userID, token); err != nil {
		server.logger.Error("pending item store failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("session_unavailable", "pending item store unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, ItemEnvelope{
		UserID:    userID,
		ItemToken: token,
		TTLSecs:   int64(server.cfg.PendingItemTTL / time.Second),
	})
}

func (server *Server) handleConsume(ctx *gin.Context) {
	var request itemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := quota.NormalizeUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	result, err := server.service.Consume(requestCtx, userID)
	if errors.Is(err, quota.ErrInsufficientBalance) {
		// The pending item stays registered so a later top-up can still
		// consume it.
		snapshot, balanceErr := server.service.Balance(requestCtx, userID)
		if balanceErr != nil {
			server.respondError(ctx, "consume", balanceErr)
			return
		}
		ctx.JSON(http.StatusOK, ConsumeEnvelope{
			Status:        statusInsufficientBalance,
			RemainingFree: snapshot.FreeRequests,
			RemainingPaid: snapshot.PaidRequests,
			Balance:       balancePayloadOf(snapshot),
		})
		return
	}
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	itemToken := request.ItemToken
	if itemToken == "" {
		if pending, ok, takeErr := server.sessions.Take(requestCtx, userID); takeErr == nil && ok {
			itemToken = pending
		} else if takeErr != nil {
			server.logger.Warn("pending item lookup failed", zap.Error(takeErr))
		}
	}
	snapshot, err := server.service.Balance(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	ctx.JSON(http.StatusOK, ConsumeEnvelope{
		Status:        statusSuccess,
		PoolDebited:   result.PoolDebited.String(),
		RemainingFree: result.RemainingFree,
		RemainingPaid: result.RemainingPaid,
		ItemToken:     itemToken,
		Balance:       balancePayloadOf(snapshot),
	})
}

func (server *Server) handleRedeem(ctx *gin.Context) {
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	result, err := server.topup.RedeemPromo(requestCtx, request.UserID, request.Code)
	if err != nil {
		server.respondError(ctx, "redeem", err)
		return
	}
	ctx.JSON(http.StatusOK, RedeemEnvelope{
		Code:            result.Code,
		RequestsGranted: result.RequestsGranted,
		PaidRequests:    result.NewPaidBalance,
	})
}

func (server *Server) handlePaymentConfirmed(ctx *gin.Context) {
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	credit, err := server.topup.CreditPayment(requestCtx, request.UserID, request.TransactionID, request.AmountUnits)
	if err != nil {
		server.respondError(ctx, "payment", err)
		return
	}
	ctx.JSON(http.StatusOK, PaymentEnvelope{
		TransactionID:   credit.TransactionID,
		RequestsGranted: credit.RequestsGranted,
		PaidRequests:    credit.NewPaidBalance,
		AlreadyApplied:  credit.AlreadyApplied,
	})
}

func (server *Server) handleCreatePromo(ctx *gin.Context) {
	var request createPromoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	issuer := ""
	if claims != nil {
		issuer = claims.Subject
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	promo, err := server.registry.Create(requestCtx, request.Requests, issuer, request.ValidityDays)
	if err != nil {
		server.respondError(ctx, "create_promo", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"promo": promoPayloadOf(promo)})
}

func (server *Server) handleListPromos(ctx *gin.Context) {
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	promos, err := server.registry.ListActive(requestCtx)
	if err != nil {
		server.respondError(ctx, "list_promos", err)
		return
	}
	payload := make([]PromoPayload, 0, len(promos))
	for _, promo := range promos {
		payload = append(payload, promoPayloadOf(promo))
	}
	ctx.JSON(http.StatusOK, gin.H{"promos": payload})
}

func (server *Server) handleRevokePromo(ctx *gin.Context) {
	var request revokePromoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	if err := server.registry.Revoke(requestCtx, request.Code); err != nil {
		server.respondError(ctx, "revoke_promo", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requests := request.Requests
	if requests == 0 {
		requests = server.engineCfg.ServiceCodeRequests
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	newBalance, err := server.topup.CreditPromo(requestCtx, request.UserID, requests)
	if err != nil {
		server.respondError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":          request.UserID,
		"requests_granted": requests,
		"paid_requests":    newBalance,
	})
}

func (server *Server) handleStats(ctx *gin.Context) {
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	stats, err := server.service.Stats(requestCtx)
	if err != nil {
		server.respondError(ctx, "stats", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": StatsPayload{
		TotalUsers:    stats.TotalAccounts,
		ActiveToday:   stats.ActiveToday,
		TotalPromos:   stats.TotalPromoCodes,
		UsedPromos:    stats.UsedPromoCodes,
		ActivePromos:  stats.ActivePromoCodes,
		FreeAllotment: stats.FreeAllotment,
		ResetCadence:  string(stats.ResetCadence),
		PricingTiers:  stats.PricingTiers,
	}})
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	status, payload := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("operation failed", zap.String("operation", operation), zap.Error(err))
	}
	ctx.JSON(status, payload)
}

func mapDomainError(err error) (int, ErrorEnvelope) {
	switch {
	case errors.Is(err, quota.ErrInvalidUserID):
		return http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required")
	case errors.Is(err, quota.ErrInvalidPromoCode):
		return http.StatusBadRequest, errorResponse("invalid_promo_code", "promo code is required")
	case errors.Is(err, quota.ErrInvalidTransactionID):
		return http.StatusBadRequest, errorResponse("invalid_transaction_id", "transaction id is required")
	case errors.Is(err, quota.ErrInvalidAmount):
		return http.StatusBadRequest, errorResponse("invalid_amount", "amount not recognized")
	case errors.Is(err, quota.ErrNotFound):
		return http.StatusNotFound, errorResponse("not_found", "promo code not found")
	case errors.Is(err, quota.ErrAlreadyUsed):
		return http.StatusConflict, errorResponse("already_used", "promo code already used")
	case errors.Is(err, quota.ErrExpired):
		return http.StatusGone, errorResponse("expired", "promo code expired")
	case errors.Is(err, quota.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorResponse("insufficient_balance", "no requests left")
	case errors.Is(err, quota.ErrTemporarilyUnavailable):
		return http.StatusServiceUnavailable, errorResponse("temporarily_unavailable", "try again shortly")
	default:
		return http.StatusInternalServerError, errorResponse("internal_error", "operation failed")
	}
}

func errorResponse(code string, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorPayload{Code: code, Message: message}}
}

func balancePayloadOf(snapshot quota.BalanceSnapshot) BalancePayload {
	return BalancePayload{
		UserID:       snapshot.UserID,
		FreeRequests: snapshot.FreeRequests,
		PaidRequests: snapshot.PaidRequests,
		TotalUsed:    snapshot.TotalUsed,
		LastReset:    time.Unix(snapshot.LastResetUnixUTC, 0).UTC().Format("2006-01-02"),
		ResetCounter: snapshot.ResetCounter,
		IsPremium:    snapshot.IsPremium,
	}
}

func promoPayloadOf(promo quota.PromoCode) PromoPayload {
	return PromoPayload{
		Code:             promo.Code,
		Requests:         promo.Requests,
		CreatedBy:        promo.CreatedBy,
		CreatedUnixUTC:   promo.CreatedUnixUTC,
		ExpiresAtUnixUTC: promo.ExpiresAtUnixUTC,
		IsActive:         promo.IsActive,
	}
}
