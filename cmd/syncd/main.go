package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/config"
	cronrunner "github.com/nmarkman/delivery-desk/internal/cron"
	"github.com/nmarkman/delivery-desk/internal/db"
	"github.com/nmarkman/delivery-desk/internal/handler"
	"github.com/nmarkman/delivery-desk/internal/logger"
	gormrepository "github.com/nmarkman/delivery-desk/internal/repository/gorm"
	"github.com/nmarkman/delivery-desk/internal/secrets"
	"github.com/nmarkman/delivery-desk/internal/service"

	_ "github.com/nmarkman/delivery-desk/docs"
)

func main() {
	cfgPath := os.Getenv("DD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("DD_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	box := secrets.NewBox(cfg.Secrets.Key)
	if cfg.Secrets.Key == "" {
		logger.Warn("secrets key not configured, credential storage disabled")
	}

	crmHTTP := &http.Client{Timeout: cfg.CRM.Timeout}
	limiter := crm.NewRateLimiter(cfg.RateLimit)
	tokens := crm.NewTokenCache(cfg.TokenCache, cfg.CRM, crmHTTP, store, box, limiter, logger)
	crmClient := crm.NewClient(cfg.CRM, crmHTTP, tokens, limiter, store, logger)

	syncService := service.NewSyncService(store, crmClient, cfg.Sync, logger)
	batchService := service.NewBatchService(store, syncService, cfg.Batch, logger)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	syncHandler := &handler.SyncHandler{
		Sync:   syncService,
		Batch:  batchService,
		Store:  store,
		Logger: logger,
	}
	syncHandler.Register(engine)
	connHandler := &handler.ConnectionHandler{
		Store:   store,
		Tokens:  tokens,
		Secrets: box,
		Logger:  logger,
	}
	connHandler.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add(cfg.Cron.BatchSync, func(ctx context.Context) {
			result, err := batchService.RunDueSyncs(ctx)
			if err != nil {
				logger.Warn("cron batch sync failed", zap.Error(err))
				return
			}
			logger.Info("cron batch sync ok",
				zap.String("batch_id", result.BatchID),
				zap.Int("total", result.TotalConnections),
				zap.Int("succeeded", result.SuccessfulSyncs),
				zap.Int("failed", result.FailedSyncs),
			)
		})
		if err != nil {
			logger.Warn("cron register batch sync failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
