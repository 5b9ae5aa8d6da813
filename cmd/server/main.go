package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"synkros/internal/server/api"
	"synkros/internal/server/config"
	"synkros/internal/server/database"
	"synkros/internal/server/rooms"
	"synkros/internal/server/service"
	"synkros/internal/server/storage"
)

// repository is what the service, the cleanup loop and /health need from
// the metadata backend.
type repository interface {
	service.Repository
	storage.CleanupRepository
	HealthCheck(ctx context.Context) error
}

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"retention", cfg.Retention,
		"room_store", cfg.RoomStore,
		"room_ttl", cfg.RoomTTL,
		"room_ttl_renew", cfg.RoomTTLRenew,
	)

	ctx := context.Background()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "backend", cfg.StorageBackend)

	roomStore, err := openRoomStore(cfg)
	if err != nil {
		slog.Error("failed to initialize room store", "error", err)
		os.Exit(1)
	}
	defer roomStore.Close()

	registry := rooms.NewRegistry(roomStore, rooms.Options{
		TTL:             cfg.RoomTTL,
		RenewOnActivity: cfg.RoomTTLRenew,
		BcryptCost:      cfg.BcryptCost,
	})
	svc := service.NewFileService(repo, store, nil, cfg)

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(repo, store, cfg.CleanupInterval, cfg.Retention)
	cleanup.Start(bgCtx)
	janitor := rooms.NewJanitor(registry, cfg.RoomSweep)
	janitor.Start(bgCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, registry, repo, cleanup, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	bgCancel()
	cleanup.Wait()
	janitor.Wait()

	slog.Info("server exited cleanly")
}

// openRepository connects to Postgres and migrates it, or keeps records in
// memory when DATABASE_URL is "memory".
func openRepository(ctx context.Context, cfg *config.Config) (repository, func(), error) {
	if cfg.DatabaseURL == "memory" {
		slog.Warn("using in-memory file records; uploads are forgotten on restart")
		return database.NewMemoryRepository(), func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	slog.Info("database migrations complete")

	return &pgRepository{Repository: database.NewRepository(db), db: db}, db.Close, nil
}

// pgRepository pairs the query layer with the pool it pings.
type pgRepository struct {
	*database.Repository
	db *database.DB
}

func (r *pgRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var store storage.Store
	switch cfg.StorageBackend {
	case "fs", "":
		store = storage.NewFileSystemStore(cfg.StoragePath)
	case "s3":
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if err := store.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func openRoomStore(cfg *config.Config) (rooms.Store, error) {
	switch cfg.RoomStore {
	case "memory", "":
		return rooms.NewMemoryStore(nil), nil
	case "badger":
		store, err := rooms.OpenBadgerStore(cfg.RoomStorePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown ROOM_STORE %q", cfg.RoomStore)
	}
}
