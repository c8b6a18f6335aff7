package main

import (
	"context"
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

	_ "github.com/noah-isme/lms-pay-api/api/swagger"
	"github.com/noah-isme/lms-pay-api/internal/gateway"
	"github.com/noah-isme/lms-pay-api/internal/handler"
	"github.com/noah-isme/lms-pay-api/internal/middleware"
	"github.com/noah-isme/lms-pay-api/internal/repository"
	"github.com/noah-isme/lms-pay-api/internal/service"
	"github.com/noah-isme/lms-pay-api/pkg/cache"
	"github.com/noah-isme/lms-pay-api/pkg/config"
	"github.com/noah-isme/lms-pay-api/pkg/database"
	"github.com/noah-isme/lms-pay-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-pay-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-pay-api/pkg/middleware/requestid"
	"github.com/noah-isme/lms-pay-api/pkg/storage"
)

// @title LMS Payments API
// @version 1.0.0
// @description Enrollment lifecycle and installment payment engine
// @BasePath /api/v1
// @schemes http

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
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	// Repositories.
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Analytics.CacheTTL, logr, cfg.Analytics.Enabled && redisClient != nil)

	var sender service.NotificationSender
	if cfg.Notify.Enabled {
		sender = service.LogSender{Logger: logr}
	}
	dispatcher := service.NewNotificationDispatcher(sender, service.DispatcherConfig{
		Workers:    cfg.Notify.Workers,
		BufferSize: cfg.Notify.BufferSize,
		MaxRetries: cfg.Notify.MaxRetries,
		RetryDelay: cfg.Notify.RetryDelay,
	}, logr)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	pricingSvc := service.NewPricingService()
	emiSvc := service.NewEMIService(enrollmentRepo, service.EMIPolicy{
		DefaultInstallments: cfg.EMI.DefaultInstallments,
		CadenceDays:         cfg.EMI.CadenceDays,
		GracePeriodDays:     cfg.EMI.GracePeriodDays,
		LateFeeMode:         cfg.EMI.LateFeeMode,
		LateFeeFixed:        cfg.EMI.LateFeeFixed,
		LateFeePercent:      cfg.EMI.LateFeePercent,
	}, dispatcher, logr)

	enrollmentSvc := service.NewEnrollmentService(
		enrollmentRepo, studentRepo, courseRepo, batchRepo, paymentRepo,
		pricingSvc, emiSvc, dispatcher,
		service.EnrollmentLifecycleConfig{
			AccessDuration: cfg.Enrollment.AccessDuration,
			BatchGraceDays: cfg.Enrollment.BatchGraceDays,
			UpdateRetries:  cfg.Enrollment.UpdateRetries,
		}, validate, logr)

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		KeyID:         cfg.Gateway.KeyID,
		KeySecret:     cfg.Gateway.KeySecret,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	})

	paymentSvc := service.NewPaymentService(
		enrollmentRepo, paymentRepo, gatewayClient, emiSvc, dispatcher, metricsSvc,
		cfg.Enrollment.UpdateRetries, validate, logr)

	accessSvc := service.NewAccessService(enrollmentRepo, emiSvc, cfg.EMI.OverdueBlocksAll)

	analyticsSvc := service.NewFinanceAnalyticsService(
		enrollmentRepo, paymentRepo, emiSvc, cacheSvc,
		service.AnalyticsPolicy{
			CacheTTL:           cfg.Analytics.CacheTTL,
			ExcellentThreshold: cfg.Analytics.ExcellentThreshold,
			GoodThreshold:      cfg.Analytics.GoodThreshold,
			FairThreshold:      cfg.Analytics.FairThreshold,
		}, logr)

	var statementSvc *service.StatementService
	if cfg.Statements.Enabled {
		files, err := storage.NewLocalStorage(cfg.Statements.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init statement storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Statements.SignedURLSecret, cfg.Statements.SignedURLTTL)
		statementSvc = service.NewStatementService(
			enrollmentRepo, paymentRepo, files, signer,
			service.StatementConfig{APIPrefix: cfg.APIPrefix}, logr, nil, nil)
		go statementSvc.RunCleanupLoop(ctx, cfg.Statements.CleanupInterval)
	}

	// Handlers.
	pricingHandler := handler.NewPricingHandler(enrollmentSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, accessSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc, analyticsSvc)
	emiHandler := handler.NewEMIHandler(emiSvc, statementSvc)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsSvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/webhooks/payment-gateway", paymentHandler.Webhook)
	if statementSvc != nil {
		api.GET("/statements/download", emiHandler.Download)
	}

	secured := api.Group("")
	secured.Use(middleware.JWT(cfg.JWT.Secret))
	secured.Use(middleware.Audit(logr))

	secured.POST("/pricing/quote", pricingHandler.Quote)
	secured.GET("/analytics/system", analyticsHandler.SystemMetrics)

	enrollments := secured.Group("/enrollments")
	enrollments.GET("", enrollmentHandler.List)
	enrollments.POST("", enrollmentHandler.Create)
	enrollments.GET("/:id", enrollmentHandler.Get)
	enrollments.POST("/:id/transfer", enrollmentHandler.Transfer)
	enrollments.POST("/:id/cancel", enrollmentHandler.Cancel)
	enrollments.POST("/:id/hold", enrollmentHandler.Hold)
	enrollments.POST("/:id/resume", enrollmentHandler.Resume)
	enrollments.POST("/:id/complete", enrollmentHandler.Complete)
	enrollments.GET("/:id/access", enrollmentHandler.Access)
	enrollments.GET("/:id/emi-summary", emiHandler.Summary)
	enrollments.POST("/:id/installments/:number/skip", emiHandler.Skip)
	enrollments.GET("/:id/payments", paymentHandler.History)
	enrollments.POST("/:id/payments", paymentHandler.Record)
	enrollments.POST("/:id/payments/order", paymentHandler.InitiateOrder)
	enrollments.GET("/:id/financial-summary", analyticsHandler.FinancialSummary)
	if statementSvc != nil {
		enrollments.POST("/:id/statement", emiHandler.Statement)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown incomplete", "error", err)
	}
}
