package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/api/http"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/domain/room"
	"github.com/fieldsync/fieldsync/internal/infrastructure/postgres"
	"github.com/fieldsync/fieldsync/internal/infrastructure/relay"
)

// snapshotArchive bridges the relay's string room ids onto the repository.
type snapshotArchive struct {
	repo room.Repository
}

func (a *snapshotArchive) SaveSnapshot(ctx context.Context, roomID, participantKey string, payload []byte) error {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return err
	}
	return a.repo.SaveSnapshot(ctx, id, participantKey, payload)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	roomRepo := postgres.NewRoomRepository(pool)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer rdb.Close()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("cross-instance relay enabled")
	}

	hub := relay.NewHub(rdb, &snapshotArchive{repo: roomRepo}, cfg.SendBuffer, logger)
	apiServer := httpapi.NewServer(roomRepo, hub, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("relay server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("relay server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
