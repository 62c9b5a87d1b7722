package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/api"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/fanout"
	"github.com/lalith-99/courier/internal/flags"
	"github.com/lalith-99/courier/internal/middleware"
	"github.com/lalith-99/courier/internal/observ"
	"github.com/lalith-99/courier/internal/presence"
	"github.com/lalith-99/courier/internal/queue"
	"github.com/lalith-99/courier/internal/recipientinfo"
	"github.com/lalith-99/courier/internal/reconcile"
	"github.com/lalith-99/courier/internal/render"
	"github.com/lalith-99/courier/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 2. Postgres and Redis
	// ---------------------------------------------------------------
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// ---------------------------------------------------------------
	// 3. Repositories
	// ---------------------------------------------------------------
	pool := database.Pool()
	tenantRepo := postgres.NewTenantStore(pool)
	userRepo := postgres.NewUserStore(pool)
	streamRepo := postgres.NewStreamStore(pool)
	recipientRepo := postgres.NewRecipientStore(pool)
	subRepo := postgres.NewSubscriptionStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	recordRepo := postgres.NewDeliveryRecordStore(pool)
	reactionRepo := postgres.NewReactionStore(pool)
	alertWordRepo := postgres.NewAlertWordStore(pool)
	attachmentRepo := postgres.NewAttachmentStore(pool)

	// ---------------------------------------------------------------
	// 4. Engine: render -> resolve -> fan out -> mutate -> reconcile
	// ---------------------------------------------------------------
	publisher := events.NewRedisPublisher(rdb)
	workQueue := queue.NewRedisQueue(rdb)
	presenceSvc := presence.NewRedisPresence(rdb)
	renderer := render.NewMarkdown(userRepo, alertWordRepo)

	resolver := addressee.NewResolver(userRepo, streamRepo, recipientRepo, subRepo,
		publisher, observ.Component(logger, "addressee"))
	calculator := recipientinfo.NewCalculator(userRepo, subRepo)
	dispatcher := fanout.NewDispatcher(resolver, calculator, renderer, messageRepo,
		presenceSvc, publisher, workQueue, cfg, observ.Component(logger, "fanout"))
	mutator := flags.NewMutator(messageRepo, recordRepo, streamRepo, recipientRepo,
		subRepo, reactionRepo, renderer, publisher, cfg, observ.Component(logger, "flags"))
	reconciler := reconcile.NewReconciler(userRepo, subRepo, streamRepo, messageRepo,
		recordRepo, observ.Component(logger, "reconcile"))
	hub := events.NewHub(rdb, observ.Component(logger, "hub"))

	// ---------------------------------------------------------------
	// 5. HTTP server
	// ---------------------------------------------------------------
	authHandler := api.NewAuthHandler(userRepo, tenantRepo, cfg.JWTSecret, logger)
	userHandler := api.NewUserHandler(userRepo, alertWordRepo, presenceSvc, reconciler, logger)
	streamHandler := api.NewStreamHandler(userRepo, streamRepo, subRepo, messageRepo, resolver, logger)
	messageHandler := api.NewMessageHandler(userRepo, streamRepo, messageRepo, dispatcher, mutator, logger)
	flagsHandler := api.NewFlagsHandler(userRepo, recordRepo, mutator, logger)
	uploadHandler := api.NewUploadHandler(userRepo, attachmentRepo, logger)
	eventsHandler := api.NewEventsHandler(hub, logger)

	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	// Health check is public — load balancers can't auth.
	srv.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	srv.POST("/v1/auth/signup", authHandler.Signup)
	srv.POST("/v1/auth/login", authHandler.Login)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	v1.GET("/users/me", userHandler.GetMe)
	v1.POST("/users/me/presence", userHandler.Heartbeat)
	v1.POST("/users/me/alert-words", userHandler.AddAlertWord)
	v1.DELETE("/users/me/alert-words", userHandler.RemoveAlertWord)

	v1.POST("/streams", streamHandler.Create)
	v1.GET("/streams", streamHandler.List)
	v1.DELETE("/streams/:id", streamHandler.Deactivate)
	v1.POST("/streams/:id/subscribe", streamHandler.Subscribe)
	v1.POST("/streams/:id/unsubscribe", streamHandler.Unsubscribe)
	v1.POST("/streams/:id/mute", streamHandler.SetMuted)
	v1.PATCH("/streams/:id/notifications", streamHandler.SetOverrides)
	v1.POST("/streams/:id/topics/mute", streamHandler.MuteTopic)
	v1.POST("/streams/:id/topics/unmute", streamHandler.UnmuteTopic)
	v1.GET("/streams/:id/messages", messageHandler.List)
	v1.POST("/streams/:id/read", flagsHandler.MarkStreamAsRead)

	v1.POST("/uploads", uploadHandler.Register)

	v1.POST("/messages", messageHandler.Send)
	v1.PATCH("/messages/:id", messageHandler.Edit)
	v1.POST("/messages/flags", flagsHandler.UpdateFlags)
	v1.GET("/messages/:id/flags", flagsHandler.GetFlags)
	v1.POST("/messages/:id/reactions", flagsHandler.AddReaction)
	v1.DELETE("/messages/:id/reactions", flagsHandler.RemoveReaction)
	v1.POST("/mark-all-read", flagsHandler.MarkAllAsRead)

	v1.GET("/events/ws", eventsHandler.Connect)

	logger.Info("starting courier",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)
	return srv.Run(":" + cfg.Port)
}
