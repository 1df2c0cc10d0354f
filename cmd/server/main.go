package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/ostraka/meetcore/internal/adapters/http"
	signalws "github.com/ostraka/meetcore/internal/adapters/signal"
	"github.com/ostraka/meetcore/internal/app"
	"github.com/ostraka/meetcore/internal/app/adminbus"
	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/app/sfu"
	"github.com/ostraka/meetcore/internal/config"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.DatabaseDSN, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	bus := adminbus.New(rdb, cfg.RedisChannel)

	registry := core.NewRegistry()
	dir := core.NewDirectory()
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassJoin:    {Limit: cfg.JoinLimit.Limit, Window: cfg.JoinLimit.Window},
		ratelimit.ClassChat:    {Limit: cfg.ChatLimit.Limit, Window: cfg.ChatLimit.Window},
		ratelimit.ClassRequest: {Limit: cfg.RequestLimit.Limit, Window: cfg.RequestLimit.Window},
	}, cfg.LimiterGC)

	fatal := make(chan error, 1)
	engine, err := sfu.NewEngine(cfg.SFUWorkers, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}

	svc := app.NewService(cfg, registry, dir, st, limiter, engine, bus)

	sigCtl := signalws.NewSignalWSController(svc, engine, cfg)
	adminCtl := signalws.NewAdminWSController(svc, bus)
	r := router.SetupRouter(ctx, cfg, sigCtl, adminCtl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meetcore server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	go svc.StatsLoop(ctx)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-fatal:
		// A dead media worker cannot be rebuilt in place; drain after a short
		// grace so in-flight events still flush.
		log.Error().Err(err).Msg("media engine fatal, draining")
		time.Sleep(cfg.FatalGraceDelay)
	}

	seq := app.NewSequencer(cfg.ShutdownTimeout)
	seq.Add("stop-accepting", func(context.Context) error {
		svc.StopAccepting()
		return nil
	})
	seq.Add("http-server", func(c context.Context) error {
		return srv.Shutdown(c)
	})
	seq.Add("close-connections", func(context.Context) error {
		svc.CloseConnections()
		return nil
	})
	seq.Add("media-engine", func(context.Context) error {
		return engine.Close()
	})
	seq.Add("admin-bus", func(context.Context) error {
		bus.Close()
		return nil
	})
	seq.Add("store", func(context.Context) error {
		return st.Close()
	})

	if failed := seq.Drain(); failed > 0 {
		log.Error().Int("failed_steps", failed).Msg("shutdown finished with failures")
		os.Exit(1)
	}
	log.Info().Msg("server exited gracefully")
}
