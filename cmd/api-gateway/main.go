package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/unischolar/mileage-api/api/swagger"
	"github.com/unischolar/mileage-api/internal/bank"
	"github.com/unischolar/mileage-api/internal/handler"
	"github.com/unischolar/mileage-api/internal/middleware"
	"github.com/unischolar/mileage-api/internal/models"
	"github.com/unischolar/mileage-api/internal/repository"
	"github.com/unischolar/mileage-api/internal/service"
	"github.com/unischolar/mileage-api/pkg/cache"
	"github.com/unischolar/mileage-api/pkg/config"
	"github.com/unischolar/mileage-api/pkg/database"
	"github.com/unischolar/mileage-api/pkg/jobs"
	"github.com/unischolar/mileage-api/pkg/logger"
	corsmiddleware "github.com/unischolar/mileage-api/pkg/middleware/cors"
	reqidmiddleware "github.com/unischolar/mileage-api/pkg/middleware/requestid"
)

// @title UniScholar Mileage API
// @version 1.0.0
// @description Student mileage ledger and cash-out settlement engine
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, balance snapshots will not be cached", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	mileageRepo := repository.NewMileageRepository(db)
	exchangeRepo := repository.NewExchangeRepository(db)
	settlementRepo := repository.NewSettlementRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	bankClient := bank.NewClient(cfg.Bank, logr)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "mileage-api",
	})
	balanceService := service.NewBalanceService(mileageRepo, exchangeRepo, cacheRepo, cfg.Balance.CacheTTL, metrics, logr)
	mileageService := service.NewMileageService(mileageRepo, userRepo, balanceService, validate, metrics, logr)
	settlementService := service.NewSettlementService(settlementRepo, bankClient, userRepo, metrics, logr)

	// The retry queue and the exchange service reference each other; the
	// closure defers resolution until jobs actually run.
	var exchangeService *service.ExchangeService
	settleQueue := jobs.NewQueue("settlements", func(ctx context.Context, job jobs.Job) error {
		return exchangeService.HandleSettlementRetry(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Settlement.WorkerConcurrency,
		MaxRetries: cfg.Settlement.WorkerRetries,
		RetryDelay: cfg.Settlement.RetryDelay,
		Logger:     logr,
	})
	exchangeService = service.NewExchangeService(exchangeRepo, userRepo, balanceService, settlementService, settleQueue, validate, metrics, logr, cfg.Exchange.MinAmount)
	conversionService := service.NewConversionService(exchangeService, userRepo, validate, logr)
	exportService := service.NewExportService(exchangeRepo, logr)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	settleQueue.Start(rootCtx)
	defer settleQueue.Stop()

	authHandler := handler.NewAuthHandler(authService)
	mileageHandler := handler.NewMileageHandler(mileageService)
	exchangeHandler := handler.NewExchangeHandler(exchangeService, conversionService)
	exportHandler := handler.NewExportHandler(exportService)
	metricsHandler := handler.NewMetricsHandler(metrics, db, redisClient)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	mileage := api.Group("/mileage", middleware.JWT(authService))
	{
		mileage.GET("/balance", mileageHandler.Balance)
		mileage.GET("/history", mileageHandler.History)
		mileage.GET("/users/:id/balance",
			middleware.RBAC(middleware.SelfRole, string(models.RoleAdmin), string(models.RoleSuperAdmin)),
			mileageHandler.UserBalance)
		mileage.GET("/users/:id/history",
			middleware.RBAC(middleware.SelfRole, string(models.RoleAdmin), string(models.RoleSuperAdmin)),
			mileageHandler.UserHistory)
		mileage.POST("/grants",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			middleware.Audit(userRepo, models.AuditActionMileageGrant, "mileage"),
			mileageHandler.Grant)
	}

	exchanges := api.Group("/exchanges", middleware.JWT(authService))
	{
		exchanges.POST("", middleware.RequireRoles(models.RoleStudent), exchangeHandler.Request)
		exchanges.GET("/mine", exchangeHandler.Mine)
		exchanges.GET("",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			exchangeHandler.List)
		exchanges.GET("/:id", exchangeHandler.Get)
		exchanges.POST("/:id/approve",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			middleware.Audit(userRepo, models.AuditActionExchangeApprove, "exchange"),
			exchangeHandler.Approve)
		exchanges.POST("/:id/reject",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			middleware.Audit(userRepo, models.AuditActionExchangeReject, "exchange"),
			exchangeHandler.Reject)
		exchanges.POST("/convert",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			middleware.Audit(userRepo, models.AuditActionExchangeConvert, "exchange"),
			exchangeHandler.Convert)
	}

	exports := api.Group("/exports", middleware.JWT(authService))
	{
		exports.GET("/exchanges",
			middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin),
			middleware.Audit(userRepo, models.AuditActionExportStatement, "export"),
			exportHandler.Exchanges)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}
