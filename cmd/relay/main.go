package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/config"
	"github.com/noah-isme/gema-live/internal/database"
	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/handler"
	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/repository"
	"github.com/noah-isme/gema-live/internal/router"
	"github.com/noah-isme/gema-live/internal/service"
)

const writeLimitPerSecond = 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireRelay(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Discussion{}, &models.Reply{}, &models.Reaction{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	frames, err := dto.NewEnvelopeValidator()
	if err != nil {
		log.Fatalf("failed to compile envelope schema: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	relayService := service.NewRelayService(redisClient, cfg.ChannelBase, natsConn, frames, validate, logger)
	relayService.Start(relayCtx)

	discussionRepo := repository.NewDiscussionRepository(db)
	discussionService := service.NewDiscussionService(discussionRepo, relayService, validate, logger)

	discussionHandler := handler.NewDiscussionHandler(discussionService, validate, logger)
	liveHandler := handler.NewLiveHandler(relayService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

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
					return nats.ErrConnectionClosed
				}
				return nil
			},
		})
	}

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    cfg.IsDevelopment(),
	})
	router.Register(app, cfg, router.Dependencies{
		DiscussionHandler: discussionHandler,
		LiveHandler:       liveHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		HealthProbes:      probes,
		WriteLimit:        writeLimitPerSecond,
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("relay listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
