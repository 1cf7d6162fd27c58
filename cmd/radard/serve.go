package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/config"
	"github.com/whisper/radar/internal/events"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/httpapi"
	"github.com/whisper/radar/internal/messaging"
	"github.com/whisper/radar/internal/radar"
	"github.com/whisper/radar/internal/ratelimit"
	"github.com/whisper/radar/internal/starter"
	"github.com/whisper/radar/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the radar service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve wires every component from cfg and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting radard", zap.String("version", version))

	// --- Question catalog ---
	questions := catalog.Default()
	if cfg.Postgres.DSN != "" {
		db, err := openCatalog(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		questions, err = catalog.LoadPostgres(ctx, db)
		if err != nil {
			return err
		}
	}
	log.Info("question catalog loaded", zap.Int("questions", questions.Len()), zap.Bool("postgres", cfg.Postgres.DSN != ""))

	// --- Redis ---
	var (
		bestMatches highlight.Store
		limiter     *ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		defer rdb.Close()

		bestMatches = highlight.NewRedisStore(rdb)
		limiter = ratelimit.NewLimiter(rdb, log)
		log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	// --- Conversation starters ---
	var starters starter.Generator = starter.Template{}
	if cfg.Gemini.APIKey != "" {
		g, err := starter.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, log)
		if err != nil {
			return err
		}
		starters = g
		log.Info("gemini starters enabled", zap.String("model", g.Model()))
	}

	// --- Radar core ---
	svc, err := radar.Build(cfg.Radar, radar.Options{
		Catalog:   questions,
		BestMatch: bestMatches,
		Starters:  starters,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	// --- WebSocket gateway ---
	gateway := ws.NewGateway(ws.ServerConfigFrom(cfg.WS), svc, log)
	if limiter != nil {
		gateway.SetLimiter(limiter)
	}

	// --- NATS ---
	var nc *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsConfig.Name = cfg.NATS.Name
		}
		nc, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := events.NewConsumer(svc, log).Start(nc); err != nil {
			return err
		}
		svc.SetNotifier(events.NewBestMatchPublisher(nc, log))
		gateway.SetSubscriber(nc)
	} else {
		svc.SetNotifier(gateway)
	}

	if err := gateway.Start(); err != nil {
		return err
	}
	svc.Start(ctx, cfg.Radar.SweepInterval)

	// --- HTTP ---
	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: httpapi.New(svc, httpapi.Options{
			WS:             gateway.Server(),
			Health:         gateway.Server().Health,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Logger:         log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		_ = gateway.Server().Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("radard stopped")
	return nil
}

func openCatalog(ctx context.Context, dsn string) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return catalog.OpenPostgres(ctx, dsn)
}
