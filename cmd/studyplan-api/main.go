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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modulus-app/studyplan-api/internal/engine"
	"github.com/modulus-app/studyplan-api/internal/fetch"
	"github.com/modulus-app/studyplan-api/internal/handler"
	"github.com/modulus-app/studyplan-api/internal/middleware"
	"github.com/modulus-app/studyplan-api/internal/repository"
	"github.com/modulus-app/studyplan-api/internal/service"
	"github.com/modulus-app/studyplan-api/pkg/cache"
	"github.com/modulus-app/studyplan-api/pkg/config"
	"github.com/modulus-app/studyplan-api/pkg/database"
	"github.com/modulus-app/studyplan-api/pkg/jobs"
	"github.com/modulus-app/studyplan-api/pkg/logger"
	corsmiddleware "github.com/modulus-app/studyplan-api/pkg/middleware/cors"
	reqidmiddleware "github.com/modulus-app/studyplan-api/pkg/middleware/requestid"
	"github.com/modulus-app/studyplan-api/pkg/storage"
)

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	store, err := storage.NewLocalStorage(cfg.Plans.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init plan storage", "error", err)
	}

	validate := validator.New()
	metrics := service.NewMetricsService()
	signer := storage.NewSignedURLSigner(cfg.Plans.SignedURLSecret, cfg.Plans.SignedURLTTL)

	userRepo := repository.NewUserRepository(db)
	runRepo := repository.NewPlanRunRepository(db)
	prefRepo := repository.NewPreferenceRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheService := service.NewCacheService(cacheRepo, metrics, 10*time.Minute, logr, true)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            "studyplan-api",
	})

	runner := engine.NewRunner(engine.Config{
		JavaBin:     cfg.Engine.JavaBin,
		JarPath:     cfg.Engine.JarPath,
		Timeout:     cfg.Engine.Timeout,
		FeedBaseURL: cfg.Engine.FeedBaseURL,
	}, store, logr)

	fetcher := fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes)
	editLock := service.NewRedisEditLock(redisClient, cfg.Plans.EditLockTTL)

	planService := service.NewPlanService(runRepo, store, runner, fetcher, editLock, metrics, validate, logr, service.PlanServiceConfig{
		MaxUploadBytes: cfg.Plans.MaxUploadBytes,
		KeepRuns:       cfg.Plans.KeepRuns,
	})
	preferenceService := service.NewPreferenceService(prefRepo, cacheService, validate, logr)
	exportService := service.NewExportService(planService, store, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Plans.SignedURLTTL,
	}, logr, nil, nil)

	authHandler := handler.NewAuthHandler(authService)
	planHandler := handler.NewPlanHandler(planService, exportService, cfg.Plans.MaxUploadBytes)
	preferenceHandler := handler.NewPreferenceHandler(preferenceService)
	metricsHandler := handler.NewMetricsHandler(metrics)

	cleanupQueue := jobs.NewQueue("plan-cleanup", func(ctx context.Context, job jobs.Job) error {
		_, err := planService.CleanupExpired(ctx)
		return err
	}, jobs.QueueConfig{
		Workers:    cfg.Plans.WorkerConcurrency,
		MaxRetries: cfg.Plans.WorkerRetries,
		Logger:     logr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupQueue.Start(ctx)
	defer cleanupQueue.Stop()
	go scheduleCleanup(ctx, cleanupQueue, cfg.Plans.CleanupInterval, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)

	api.POST("/auth/login", authHandler.Login)

	// Token-guarded feed consumed by the schedule engine, no session needed.
	api.GET("/plans/runs/:id/canvas.ics", planHandler.CanvasFeed)
	api.GET("/plans/export/:token", planHandler.DownloadExport)

	authed := api.Group("")
	authed.Use(middleware.JWT(authService))
	{
		authed.GET("/auth/me", authHandler.Me)

		authed.GET("/preferences", preferenceHandler.Get)
		authed.PUT("/preferences", preferenceHandler.Update)

		authed.POST("/plans/import", planHandler.Import)
		authed.GET("/plans/runs", planHandler.List)
		authed.GET("/plans/runs/:id", planHandler.Get)
		authed.DELETE("/plans/runs/:id", planHandler.Delete)
		authed.POST("/plans/runs/:id/generate", planHandler.Generate)
		authed.GET("/plans/runs/:id/preview", planHandler.Preview)
		authed.POST("/plans/runs/:id/regenerate", planHandler.Regenerate)
		authed.POST("/plans/runs/:id/blocks", planHandler.CreateBlock)
		authed.PATCH("/plans/runs/:id/blocks/:blockId", planHandler.UpdateBlock)
		authed.DELETE("/plans/runs/:id/blocks/:blockId", planHandler.DeleteBlock)
		authed.PATCH("/plans/runs/:id/assignments/:assignmentId", planHandler.UpdateAssignment)
		authed.GET("/plans/runs/:id/download", planHandler.Download)
		authed.POST("/plans/runs/:id/export", planHandler.Export)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}

// scheduleCleanup enqueues a retention sweep on a fixed interval.
func scheduleCleanup(ctx context.Context, queue *jobs.Queue, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := jobs.Job{ID: uuid.NewString(), Type: "cleanup-expired-runs"}
			if err := queue.Enqueue(job); err != nil {
				logr.Sugar().Warnw("failed to enqueue cleanup job", "error", err)
			}
		}
	}
}
