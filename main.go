package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatroomgo/internal/chat"
	"chatroomgo/internal/config"
	"chatroomgo/internal/database/db_client"
	"chatroomgo/internal/history"
	"chatroomgo/internal/http/http_server"
	"chatroomgo/internal/identity"
	"chatroomgo/internal/redis/redis_client"
	"chatroomgo/internal/syncmsg"
	"chatroomgo/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis (sessions, recent buffers, message stream)
	redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// 4. Identity verifier + message recorder collaborators
	verifier := identity.NewRedisVerifier(redisClient)
	recorder := history.NewRedisRecorder(redisClient, cfg.HistoryLimit)

	// 5. Background: message stream ➜ Postgres archive
	if cfg.SyncMessages {
		pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort,
			cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()
		syncmsg.Run(ctx, redisClient, pgDb)
	}

	// 6. Connection + fanout engine, with its idle sweeper
	engine := chat.NewEngine(chat.Config{
		QueueCapacity:      cfg.QueueCapacity,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		IdleTimeout:        cfg.IdleTimeout(),
		DrainTimeout:       cfg.DrainTimeout(),
		HistoryLimit:       cfg.HistoryLimit,
		BackpressurePolicy: cfg.BackpressurePolicy,
	}, recorder)
	go engine.Run(ctx)

	// 7. Initialize the WS server
	wsSrv := ws.NewWsServer(engine, verifier, cfg.MaxPayloadBytes)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, engine)

	// 9. Graceful teardown on signal
	go func() {
		<-ctx.Done()
		if err := httpServer.Dispose(); err != nil {
			Log.Error("http_shutdown", zap.Error(err))
		}
	}()

	if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
