package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corpuschat/internal/api"
	"corpuschat/internal/auth"
	"corpuschat/internal/config"
	"corpuschat/internal/lock"
	"corpuschat/internal/logger"
	"corpuschat/internal/models"
	"corpuschat/internal/redis"
	"corpuschat/internal/registry"
	"corpuschat/internal/retrieval"
	"corpuschat/internal/service/ai"
	"corpuschat/internal/service/assistant"
	"corpuschat/internal/storage"
	"corpuschat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	boot := logger.GetLogger()
	cfg, err := config.Load(os.Getenv("CORPUSCHAT_CONFIG"))
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		boot.Fatal().Err(err).Msg("init logger")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("driver", cfg.Database.Driver).Msg("opening database")
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		return err
	}

	var storeOpts []storage.Option
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		storeOpts = append(storeOpts, storage.WithTenantCache(rdb, time.Duration(cfg.Redis.TenantCacheTTLSeconds)*time.Second))
		locker = lock.NewRedisLocker(rdb.Raw(), time.Duration(cfg.Generation.LockTTLSeconds)*time.Second, log)
	} else {
		log.Warn().Msg("redis disabled, conversation locks are process local")
	}
	if cfg.CredentialKey != "" {
		cipher, err := storage.NewTokenCipher(cfg.CredentialKey)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, storage.WithTokenCipher(cipher))
	}
	store := storage.NewStore(db, storeOpts...)

	for _, seed := range cfg.Tenants {
		if err := store.UpsertTenant(ctx, models.Tenant{
			ID:           seed.ID,
			Name:         seed.Name,
			Partition:    seed.Partition,
			SystemPrompt: seed.SystemPrompt,
		}); err != nil {
			return err
		}
	}

	reg := registry.Default()
	dispatcher, err := ai.NewDispatcher(reg, ai.NewDefaultAdapters(reg, cfg.Provider)...)
	if err != nil {
		return err
	}

	var retriever retrieval.Retriever
	switch cfg.Retrieval.Backend {
	case "local":
		retriever, err = retrieval.NewLocalRetriever(ctx, cfg.Retrieval.LocalDir)
	default:
		retriever, err = retrieval.NewHTTPRetriever(cfg.Retrieval.BaseURL, cfg.Retrieval.APIKey,
			time.Duration(cfg.Retrieval.TimeoutSeconds)*time.Second)
	}
	if err != nil {
		return err
	}

	jobs := worker.NewDispatcher(worker.Options{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		QueueSize:   cfg.Worker.QueueSize,
		IdleTimeout: time.Duration(cfg.Worker.IdleTimeoutSeconds) * time.Second,
		Logger:      log.With().Str("component", "worker").Logger(),
	})

	orchestrator := assistant.New(assistant.Dependencies{
		Registry:   reg,
		Dispatcher: dispatcher,
		Store:      store,
		Retriever:  retriever,
		Locker:     locker,
		Scheduler:  jobs,
		Logger:     log.With().Str("component", "assistant").Logger(),
	}, assistant.Options{
		BreadthTopK: cfg.Retrieval.BreadthTopK,
		DepthTopK:   cfg.Retrieval.DepthTopK,
		SoftFail:    cfg.Retrieval.SoftFail,
		Timeout:     time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
	})

	assistant.NewSweeper(store, time.Duration(cfg.Generation.StalePlaceholderMins)*time.Minute, log).
		Start(ctx, time.Duration(cfg.Generation.SweepIntervalMinutes)*time.Minute)

	authService, err := auth.NewService(ctx, cfg.Auth, store, log)
	if err != nil {
		return err
	}
	defer authService.Close()

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	handler := api.NewHandler(api.Dependencies{
		Store:          store,
		Turns:          orchestrator,
		Registry:       reg,
		Auth:           authService,
		Logger:         log.With().Str("component", "http").Logger(),
		TurnsPerMinute: cfg.Server.TurnsPerMin,
	})
	serveErr := api.NewServer(cfg.Server.Address, api.NewRouter(handler), 0, log).Run(ctx)

	// Let accepted generations persist their replies before the database closes.
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Generation.TimeoutSeconds)*time.Second)
	defer cancel()
	if err := jobs.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("generations still running at shutdown")
	}
	return serveErr
}
