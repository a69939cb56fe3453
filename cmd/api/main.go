package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cryptocrash/internal/cache"
	"cryptocrash/internal/config"
	"cryptocrash/internal/database"
	"cryptocrash/internal/events"
	"cryptocrash/internal/game"
	"cryptocrash/internal/gateway"
	"cryptocrash/internal/ledger"
	"cryptocrash/internal/metrics"
	"cryptocrash/internal/pricing"
	"cryptocrash/internal/room"
	"cryptocrash/internal/server"
	"cryptocrash/internal/store"
)

const shutdownTimeout = 5 * time.Second

// stores is what the ledger and the scheduler persist through.
type stores interface {
	ledger.Store
	game.RoundStore
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func openStore(cfg *config.Config) (stores, database.Service, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil, nil
	}

	db, err := sql.Open("pgx", database.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := database.RunMigrations(db, os.Getenv("MIGRATIONS_PATH")); err != nil {
		return nil, nil, err
	}

	svc := database.New()
	return database.NewStore(svc.Pool()), svc, nil
}

func newOracle(cfg *config.Config, rc cache.Service) pricing.Oracle {
	fallback := make(pricing.Rates, len(cfg.Game.FallbackPrices))
	for c, p := range cfg.Game.FallbackPrices {
		fallback[strings.ToUpper(c)] = decimal.NewFromFloat(p)
	}

	var rateCache pricing.RateCache
	if rc != nil {
		rateCache = rc
	}
	fetcher := pricing.NewCoinGecko(cfg.Price.APIURL, cfg.Price.APIKey, cfg.Price.Timeout)
	return pricing.NewCachedOracle(fetcher, rateCache, fallback, cfg.Price.CacheTTL, nil)
}

func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}
	}
	p, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		log.Warn().Err(err).Msg("round events disabled")
		return events.NopPublisher{}
	}
	return p
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	rc := cache.New(cfg.Redis)
	oracle := newOracle(cfg, rc)

	scheduler, err := game.NewScheduler(ctx, game.SchedulerConfig{
		Secret:        cfg.Game.ServerSecret,
		BettingWindow: cfg.Game.BettingWindow,
		TickInterval:  cfg.Game.TickInterval,
		Generator:     game.NewGenerator(cfg.Game.HouseEdge, cfg.Game.MaxMultiplier),
		Store:         st,
		Metrics:       m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	codes := cfg.Game.Currencies()
	currencies := make([]ledger.Currency, 0, len(codes))
	for _, c := range codes {
		currencies = append(currencies, ledger.Currency(c))
	}
	engine := game.NewEngine(scheduler, ledger.New(st, nil), oracle, m, game.Limits{
		MinBetUSD:  decimal.NewFromFloat(cfg.Game.MinBetUSD),
		MaxBetUSD:  decimal.NewFromFloat(cfg.Game.MaxBetUSD),
		Currencies: currencies,
	})

	rooms := room.NewManager(cfg.Game.RoomCapacity)
	hub := gateway.NewHub(rooms, cfg.Gateway.OutboundQueue, cfg.Gateway.WriteTimeout, m)
	gw := gateway.New(engine, rooms, hub, cfg.Gateway.InboundQueue, m)
	gw.Attach(scheduler)

	publisher := newPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()
	events.Attach(scheduler, publisher)

	app := server.New(ctx, server.Deps{
		Engine:    engine,
		Gateway:   gw,
		Metrics:   m,
		Gatherer:  reg,
		DB:        db,
		Cache:     rc,
		RateLimit: cfg.RateLimit,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		return app.Shutdown(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server exited")
	}
	log.Info().Msg("graceful shutdown complete")
}
