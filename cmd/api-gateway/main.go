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

	_ "github.com/noah-isme/sma-conduct-api/api/swagger"
	"github.com/noah-isme/sma-conduct-api/internal/handler"
	"github.com/noah-isme/sma-conduct-api/internal/middleware"
	"github.com/noah-isme/sma-conduct-api/internal/repository"
	"github.com/noah-isme/sma-conduct-api/internal/service"
	"github.com/noah-isme/sma-conduct-api/pkg/cache"
	"github.com/noah-isme/sma-conduct-api/pkg/config"
	"github.com/noah-isme/sma-conduct-api/pkg/database"
	"github.com/noah-isme/sma-conduct-api/pkg/letters"
	"github.com/noah-isme/sma-conduct-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-conduct-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-conduct-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-conduct-api/pkg/storage"
)

// @title SMA Conduct API
// @version 0.1.0
// @description Conduct score ledger and academic-term lifecycle service
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, score cache disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	letterStore, err := storage.NewLocalStorage(cfg.Letters.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init letter storage", "error", err)
	}

	termRepo := repository.NewTermRepository(db)
	eventRepo := repository.NewEventRepository(db)
	scoreRepo := repository.NewScoreRepository(db)
	escalationRepo := repository.NewEscalationRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	dispatcher := letters.NewDispatcher(
		letters.NewPDFRenderer(cfg.Letters.SchoolName),
		letterStore,
		escalationRepo,
		letters.DispatcherConfig{
			Workers:    cfg.Letters.WorkerConcurrency,
			MaxRetries: cfg.Letters.WorkerRetries,
			Logger:     logr,
		},
	)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	termSvc := service.NewTermService(termRepo, validate, logr)
	scoreSvc := service.NewScoreService(eventRepo, scoreRepo, termSvc, cacheRepo, cfg.Scores.CacheTTL, logr)
	escalationSvc := service.NewEscalationService(
		cfg.Escalation.Tiers,
		escalationRepo,
		eventRepo,
		scoreSvc,
		termSvc,
		studentRepo,
		db,
		dispatcher,
		metricsSvc,
		logr,
	)
	ledgerSvc := service.NewLedgerService(db, eventRepo, termSvc, studentRepo, scoreSvc, escalationSvc, metricsSvc, validate, logr)
	lifecycleSvc := service.NewLifecycleService(termSvc, escalationSvc, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)

	signer := storage.NewSignedURLSigner(cfg.Letters.SignedURLSecret, cfg.Letters.SignedURLTTL)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Actor(cfg.Actor.JWTSecret))
	r.Use(middleware.Metrics(metricsSvc))

	handler.Routes{
		Terms:       handler.NewTermHandler(termSvc, lifecycleSvc),
		Events:      handler.NewEventHandler(ledgerSvc),
		Scores:      handler.NewScoreHandler(scoreSvc, termSvc),
		Escalations: handler.NewEscalationHandler(escalationSvc),
		Students:    handler.NewStudentHandler(studentSvc),
		Letters:     handler.NewLetterHandler(escalationSvc, signer, letterStore),
	}.Register(r)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if cfg.Sweep.Enabled {
		go lifecycleSvc.RunSweepLoop(ctx, cfg.Sweep.Interval)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
