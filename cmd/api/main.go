package main

import (
	"context"
	stderrors "errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"roomchat/internal/adapter/api"
	"roomchat/internal/adapter/api/handler"
	apimiddleware "roomchat/internal/adapter/api/middleware"
	"roomchat/internal/adapter/api/router"
	"roomchat/internal/adapter/repository"
	domainrepo "roomchat/internal/domain/repository"
	"roomchat/internal/infrastructure/database"
	"roomchat/internal/infrastructure/event"
	"roomchat/internal/infrastructure/firebase"
	"roomchat/internal/infrastructure/jwtauth"
	"roomchat/internal/infrastructure/ratelimit"
	"roomchat/internal/infrastructure/realtime"
	"roomchat/internal/infrastructure/redis"
	"roomchat/internal/infrastructure/registry"
	"roomchat/internal/infrastructure/websocket"
	"roomchat/internal/usecase"
	"roomchat/pkg/config"
	"roomchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]handler.HealthCheck{}

	var firebaseOpts []option.ClientOption
	if cfg.UsesFirebase() {
		firebaseOpts = firebase.ClientOptions(cfg.FirebaseCredentialsJSON, cfg.FirebaseCredentialsFile)
	}

	// Message store
	var messageRepo domainrepo.MessageRepository
	switch cfg.MessageStore {
	case config.StoreFirestore:
		firestoreClient, err := firebase.NewFirestoreClient(ctx, cfg.FirebaseProject, firebaseOpts...)
		if err != nil {
			logger.Fatal("Failed to create Firestore client: %v", err)
		}
		defer closeFirestore(firestoreClient)
		messageRepo = repository.NewFirestoreMessageRepository(firestoreClient)

	default:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database: %v", err)
		}
		defer closeDatabase(db)
		messageRepo = repository.NewPostgresMessageRepository(db)
	}
	healthChecks["store"] = messageRepo.Ping

	// Token verification
	var verifier apimiddleware.TokenVerifier
	switch cfg.AuthProvider {
	case config.AuthFirebase:
		authClient, err := firebase.NewAuthClient(ctx, cfg.FirebaseProject, firebaseOpts...)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase Auth: %v", err)
		}
		firebaseAuth := firebase.NewFirebaseAuthClient(authClient, cfg.JWTUserClaim)
		healthChecks["firebase_auth"] = firebaseAuth.TestConnection
		verifier = firebaseAuth

	default:
		verifier = jwtauth.NewVerifier(cfg.JWTSecret, cfg.JWTUserClaim)
	}

	// Realtime hub
	authorizer := realtime.NewAuthorizer(cfg.RealtimeKey, cfg.RealtimeSecret)
	wsManager := websocket.NewManager(authorizer)
	wsManager.Start(ctx)
	healthChecks["realtime"] = func(context.Context) error {
		select {
		case <-wsManager.Done():
			return websocket.ErrManagerClosed
		default:
			return nil
		}
	}

	var publisher usecase.Publisher = wsManager
	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		defer closeRedis(redisClient)
		relay := redis.NewRelay(redisClient, wsManager)
		if err := relay.Start(ctx); err != nil {
			logger.Fatal("Failed to subscribe realtime relay: %v", err)
		}
		healthChecks["redis"] = relay.Check
		publisher = relay
	}

	// Notifications
	var notifier usecase.NotificationEmitter
	if cfg.RabbitMQURL != "" {
		emitter, err := event.NewRabbitMQEmitter(cfg.RabbitMQURL, cfg.NotificationQueue)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ: %v", err)
		}
		defer closeEmitter(emitter)
		notifier = emitter
	}

	// Name resolution
	var names usecase.NameResolver
	if cfg.RegistryURL != "" {
		registryClient := registry.NewClient(cfg.RegistryURL, cfg.RequestTimeout)
		names = registryClient
		if redisClient != nil {
			names = registry.NewCachingResolver(registryClient, redis.NewNameCache(redisClient, cfg.NameCacheTTL))
		}
	}

	rateLimiter := ratelimit.NewRateLimiter(map[string]ratelimit.Policy{
		ratelimit.ActionSendMessage: ratelimit.PerMinute(cfg.SendRatePerMinute),
	})
	go rateLimiter.Run(ctx, 5*time.Minute)

	chatUseCase := usecase.NewChatUseCase(messageRepo, publisher, notifier, names, rateLimiter, usecase.Timeouts{
		Store:   cfg.RequestTimeout,
		Publish: cfg.PublishTimeout,
	})

	handler.Setup(chatUseCase, authorizer, wsManager, healthChecks)

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(verifier)
	router.Setup(e, authMiddleware, rateLimiter)

	go func() {
		logger.Info("Starting server on port %s...", cfg.ServerPort)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}

	select {
	case <-wsManager.Done():
	case <-shutdownCtx.Done():
	}
}

func closeDatabase(db *gorm.DB) {
	if err := database.Close(db); err != nil {
		logger.Error("Failed to close database: %v", err)
	}
}

func closeFirestore(client *firestore.Client) {
	if err := client.Close(); err != nil {
		logger.Error("Failed to close Firestore client: %v", err)
	}
}

func closeRedis(client *goredis.Client) {
	if err := client.Close(); err != nil {
		logger.Error("Failed to close Redis client: %v", err)
	}
}

func closeEmitter(emitter *event.RabbitMQEmitter) {
	if err := emitter.Close(); err != nil {
		logger.Error("Failed to close RabbitMQ emitter: %v", err)
	}
}

var (
	_ apimiddleware.TokenVerifier = (*jwtauth.Verifier)(nil)
	_ apimiddleware.TokenVerifier = (*firebase.FirebaseAuthClient)(nil)
	_ usecase.Publisher           = (*websocket.Manager)(nil)
	_ usecase.Publisher           = (*redis.Relay)(nil)
	_ usecase.NameResolver        = (*registry.CachingResolver)(nil)
)
