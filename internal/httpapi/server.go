// Package httpapi serves the ledger over HTTP for readers, authors and the admin UI.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/quest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/revenue"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/settlement"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/withdrawal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Services are the domain components behind the routes.
type Services struct {
	Engine      *ledger.Service
	Settlement  *settlement.Service
	Quests      *quest.Limiter
	Deposits    *deposit.Workflow
	Withdrawals *withdrawal.Workflow
	Revenue     revenue.Reporter
	Metrics     *metrics.Recorder
	// Catalog, when set, supplies chapter offers; the purchase body then only names the chapter.
	Catalog settlement.Catalog
}

func (services Services) validate() error {
	if services.Engine == nil || services.Settlement == nil || services.Quests == nil ||
		services.Deposits == nil || services.Withdrawals == nil || services.Revenue == nil {
		return fmt.Errorf("%w: http api is missing a domain service", ledger.ErrInvalidServiceConfig)
	}
	return nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	handler, err := NewHandler(cfg, services, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
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

// NewHandler validates cfg and builds the router.
func NewHandler(cfg Config, services Services, logger *zap.Logger) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := services.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{logger: logger, services: services, cfg: cfg}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if handler.services.Metrics != nil {
		router.Use(observeRequests(handler.services.Metrics))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if handler.services.Metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.services.Metrics.Handler()))
	}

	api := router.Group("/v1")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/balance", handler.handleBalance)
	api.GET("/entries", handler.handleEntries)
	api.POST("/deposits", handler.handleCreateDeposit)
	api.GET("/deposits", handler.handleListDeposits)
	api.GET("/deposits/:request_id", handler.handleGetDeposit)
	api.POST("/purchases", handler.handlePurchase)
	api.GET("/purchases/:chapter_id", handler.handleHasPurchased)
	api.POST("/tips", handler.handleTip)
	api.POST("/quests/:quest_id/rewards", handler.requireQuestGranter, handler.handleQuestReward)
	api.GET("/quests/progress", handler.handleQuestProgress)
	api.POST("/withdrawals", handler.handleCreateWithdrawal)
	api.GET("/withdrawals", handler.handleListWithdrawals)
	api.GET("/withdrawals/:request_id", handler.handleGetWithdrawal)
	api.POST("/withdrawals/:request_id/cancel", handler.handleCancelWithdrawal)
	api.GET("/revenue", handler.handleAuthorRevenue)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/deposits/pending", handler.handlePendingDeposits)
	admin.POST("/deposits/:request_id/resolve", handler.handleResolveDeposit)
	admin.GET("/withdrawals/pending", handler.handlePendingWithdrawals)
	admin.POST("/withdrawals/:request_id/approve", handler.handleApproveWithdrawal)
	admin.POST("/withdrawals/:request_id/reject", handler.handleRejectWithdrawal)
	admin.POST("/adjustments", handler.handleAdjust)
	admin.GET("/accounts/:user_id", handler.handleAccount)
	admin.GET("/accounts/:user_id/reconcile", handler.handleReconcile)
	admin.GET("/revenue/platform", handler.handlePlatformRevenue)
	admin.GET("/revenue/authors/:user_id", handler.handleAdminAuthorRevenue)

	return router
}

func observeRequests(recorder *metrics.Recorder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveRequest(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(started))
	}
}
