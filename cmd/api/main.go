package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/pipeline"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/ai"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	"github.com/noah-isme/gema-grader/pkg/pageimage"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DatabasePool.MaxOpenConns,
		MaxIdleConns:    cfg.DatabasePool.MaxIdleConns,
		ConnMaxLifetime: cfg.DatabasePool.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not set, submission cache disabled")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if natsConn == nil {
		logger.Warn().Msg("nats url not set, submission events disabled")
	} else {
		defer natsConn.Close()
	}

	validate := utils.NewValidator()

	provider, err := ai.NewOpenAIProvider(ai.NewLazyClient(ai.ClientConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	}), ai.OpenAIConfig{
		VisionModel:      cfg.AI.VisionModel,
		ReasoningModel:   cfg.AI.ReasoningModel,
		MaxTokens:        cfg.AI.MaxTokens,
		GradingMaxTokens: cfg.AI.GradingMaxTokens,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure ai provider")
	}

	fetcher := pageimage.NewFetcher(pageimage.FetcherConfig{
		Timeout:      cfg.Images.FetchTimeout,
		MaxBytes:     cfg.Images.MaxBytes,
		MaxDimension: cfg.Images.MaxDimension,
	})
	pages := service.NewPageLoader(fetcher, cfg.Pipeline.FetchConcurrency)

	orderer := pipeline.NewPageOrderResolver(provider, pipeline.PageOrderConfig{
		Strategy: pipeline.Parallel(cfg.Pipeline.DetectConcurrency),
		Timeout:  cfg.AI.RequestTimeout,
	}, logger)
	extractor := pipeline.NewHandwritingExtractor(provider, pipeline.ExtractorConfig{
		Strategy: extractStrategy(cfg.Pipeline.ExtractConcurrency),
		Timeout:  cfg.AI.RequestTimeout,
	}, logger)
	grader := pipeline.NewGradingEngine(provider, pipeline.GraderConfig{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.Grading.MaxAttempts,
			BaseDelay:   cfg.Grading.RetryBaseDelay,
		},
		Timeout: cfg.AI.RequestTimeout,
	}, logger)

	submissionRepo := repository.NewSubmissionRepository(db)
	assessmentRepo := repository.NewAssessmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	cache := service.NewSubmissionCache(redisClient, cfg.SubmissionCacheTTL, logger)
	events := service.NewSubmissionEventPublisher(natsConn, cfg.NATSSubjectPrefix, logger)

	runner := service.NewGradingRunner(service.GradingRunnerDeps{
		Submissions: submissionRepo,
		Pages:       pages,
		Orderer:     orderer,
		Extractor:   extractor,
		Grader:      grader,
		Cache:       cache,
		Events:      events,
	}, logger)

	submissionService := service.NewSubmissionService(service.SubmissionServiceDeps{
		Submissions: submissionRepo,
		Assessments: assessmentRepo,
		Students:    studentRepo,
		Queue:       runner,
		Cache:       cache,
		Events:      events,
	}, validate, logger)
	assessmentService := service.NewAssessmentService(assessmentRepo, pages, provider, validate, logger)

	var uploadService service.PageUploadService
	var uploadHandler *handler.UploadHandler
	if cfg.CloudinaryConfigured() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		uploadService = service.NewPageUploadService(store, repository.NewPageUploadRepository(db), cfg.UploadMaxSizeMB, cfg.Images.MaxDimension, logger)
		uploadHandler = handler.NewUploadHandler(uploadService, logger)
	} else {
		logger.Warn().Msg("cloudinary not configured, multipart submissions disabled")
	}

	submissionHandler := handler.NewSubmissionHandler(
		submissionService,
		uploadService,
		logger,
		middleware.RateLimit("submissions", cfg.SubmissionRateLimit, time.Minute),
	)
	assessmentHandler := handler.NewAssessmentHandler(assessmentService, submissionService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxSizeMB*maxPagesPerRequest + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.AllowOrigins,
	})
	router.Register(app, cfg, router.Dependencies{
		AssessmentHandler: assessmentHandler,
		SubmissionHandler: submissionHandler,
		UploadHandler:     uploadHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		HealthProbes:      healthProbes(db, redisClient, natsConn),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, runner, natsConn, cfg.ShutdownTimeout, logger)
}

// maxPagesPerRequest mirrors the handler's cap on files in one multipart submission.
const maxPagesPerRequest = 30

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) []handler.HealthProbe {
	probes := []handler.HealthProbe{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}

	if redisClient != nil {
		probes = append(probes, handler.HealthProbe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	if natsConn != nil {
		probes = append(probes, handler.HealthProbe{
			Name: "nats",
			Check: func(context.Context) error {
				if !natsConn.IsConnected() {
					return fmt.Errorf("nats %s", natsConn.Status())
				}
				return nil
			},
		})
	}

	return probes
}

func extractStrategy(concurrency int) pipeline.Strategy {
	if concurrency <= 1 {
		return pipeline.Sequential()
	}
	return pipeline.Parallel(concurrency)
}

func waitForShutdown(app *fiber.App, runner *service.GradingRunner, natsConn *nats.Conn, timeout time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := runner.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("grading pipelines still running at shutdown")
	}

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("failed to drain nats connection")
		}
	}

	logger.Info().Msg("server stopped")
}
