package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tgmarket/internal/app"
	"tgmarket/internal/botapi"
	"tgmarket/internal/config"
	"tgmarket/internal/initdata"
	"tgmarket/internal/ratelimit"
	"tgmarket/internal/server"
	"tgmarket/internal/session"
	"tgmarket/internal/util"
	"tgmarket/pkg/storage"
	"tgmarket/pkg/store"
)

const (
	defaultStagedTTL     = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session ttl: %v", err)
	}
	stagedTTL, err := config.ParseStagedTTL(cfg.StagedTTL)
	if err != nil {
		log.Fatalf("failed to parse staged ttl: %v", err)
	}
	if stagedTTL <= 0 {
		stagedTTL = defaultStagedTTL
	}
	sweepInterval, err := config.ParseSweepInterval(cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to parse sweep interval: %v", err)
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	storeTimeout, err := config.ParseStoreTimeout(cfg.StoreTimeout)
	if err != nil {
		log.Fatalf("failed to parse store timeout: %v", err)
	}

	var storeOpts []store.GormStoreOption
	if storeTimeout > 0 {
		storeOpts = append(storeOpts, store.WithCallTimeout(storeTimeout))
	}
	db, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	media, err := storage.NewLocalStore(cfg.StagingDir, cfg.MediaDir)
	if err != nil {
		log.Fatalf("failed to init media store: %v", err)
	}

	verifier, err := initdata.NewVerifier(initdata.Config{
		BotToken:        cfg.BotToken,
		AllowUnverified: cfg.AllowUnverifiedAuth,
	})
	if err != nil {
		log.Fatalf("failed to init payload verifier: %v", err)
	}
	if cfg.AllowUnverifiedAuth {
		logger.Warn("payload signature verification is disabled")
	}

	sessions, err := session.NewManager(session.Config{
		Secret: cfg.SessionSecret,
		TTL:    sessionTTL,
	})
	if err != nil {
		log.Fatalf("failed to init session manager: %v", err)
	}

	var share app.ShareClient
	if cfg.BotToken != "" {
		bot, err := botapi.NewClient(cfg.BotToken, cfg.BotAPIBaseURL)
		if err != nil {
			log.Fatalf("failed to init bot client: %v", err)
		}
		share = bot
	}

	appCore, err := app.New(app.Config{
		Store:         db,
		Media:         media,
		Verifier:      verifier,
		Sessions:      sessions,
		Share:         share,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.MutationRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "",
			cfg.MutationRateLimitPerMinute, time.Minute,
		)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:     appCore,
		Media:   media,
		Limiter: limiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("market server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Abandoned staged files are reaped on a fixed cadence so the quarantine
	// directory does not grow without bound.
	group.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				removed, err := media.SweepStaged(stagedTTL)
				if err != nil {
					logger.Warn("quarantine sweep", "err", err)
					continue
				}
				if removed > 0 {
					logger.Info("quarantine sweep", "removed", removed)
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
