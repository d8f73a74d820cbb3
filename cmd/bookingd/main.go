package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/config"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
	"github.com/cimillas/bookingflow/internal/gate"
	"github.com/cimillas/bookingflow/internal/gate/zkgate"
	"github.com/cimillas/bookingflow/internal/idempotency"
	"github.com/cimillas/bookingflow/internal/inventory"
	"github.com/cimillas/bookingflow/internal/logging"
	"github.com/cimillas/bookingflow/internal/notify"
	"github.com/cimillas/bookingflow/internal/storage/memory"
	"github.com/cimillas/bookingflow/internal/storage/postgres"
	"github.com/cimillas/bookingflow/internal/tracing"
	transporthttp "github.com/cimillas/bookingflow/internal/transport/http"
	"github.com/cimillas/bookingflow/migrations"
)

const (
	shutdownTimeout  = 10 * time.Second
	zkSessionTimeout = 10 * time.Second
)

// backend is what both store implementations provide.
type backend interface {
	booking.OrderStore
	inventory.Backend
}

type opportunitySource interface {
	feed.ModifiedIDSource
	feed.ChangeNumberSource
}

type stores struct {
	backend       backend
	opportunities func(domain.OpportunityType) opportunitySource
	orders        func(domain.OrderMode) feed.ModifiedIDSource
	ready         func(ctx context.Context) error
	close         func()
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	envPath, envErr := config.LoadEnvFile()
	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	switch {
	case envErr != nil:
		logger.Warn().Err(envErr).Msg("failed to load .env")
	case envPath == "":
		logger.Warn().Msg(".env not found in current or parent directories")
	default:
		logger.Info().Str("path", envPath).Msg("loaded env file")
	}

	shutdownTracing, err := tracing.Init("bookingflow", cfg.Jaeger.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}

	clk := clock.NewSystem()
	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := openStores(startupCtx, cfg, clk)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("open store")
	}
	defer st.close()

	orderGate, closeGate, err := openGate(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open order gate")
	}
	defer closeGate()

	opts := []booking.Option{
		booking.WithClock(clk),
		booking.WithLogger(logger),
		booking.WithBaseURL(cfg.BaseURL),
		booking.WithLeasing(cfg.Booking.LeaseAtC1, cfg.Booking.LeaseAtC2, cfg.Booking.LeaseDuration),
		booking.WithIdempotencyTTL(cfg.Booking.IdempotencyTTL),
		booking.WithTaxSettings(booking.TaxSettings{
			B2B: domain.TaxMode(cfg.Booking.TaxB2B),
			B2C: domain.TaxMode(cfg.Booking.TaxB2C),
		}),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		opts = append(opts, booking.WithIdempotencyStore(idempotency.NewRedis(client)))
	} else {
		opts = append(opts, booking.WithIdempotencyStore(idempotency.NewMemory(clk)))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		notifier := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, notify.WithClock(clk), notify.WithLogger(logger))
		defer notifier.Close()
		opts = append(opts, booking.WithNotifier(notifier))
	}

	router, err := booking.NewRouter(routes(cfg.BaseURL, st, clk, logger)...)
	if err != nil {
		logger.Fatal().Err(err).Msg("build opportunity router")
	}
	engine := booking.NewEngine(st.backend, router, orderGate, opts...)

	feedOpts := []feed.Option{
		feed.WithClock(clk),
		feed.WithSettle(cfg.Feeds.Settle),
		feed.WithPageSize(cfg.Feeds.PageSize),
		feed.WithLicense(cfg.Feeds.License),
	}
	feeds := feed.NewRegistry(
		feed.NewModifiedIDGenerator("scheduled-sessions", st.opportunities(domain.OpportunityTypeScheduledSession), feedOpts...),
		feed.NewChangeNumberGenerator("facility-use-slots", st.opportunities(domain.OpportunityTypeFacilityUseSlot), feedOpts...),
		feed.NewModifiedIDGenerator(booking.FeedOrders, st.orders(domain.OrderModeBooking), append(feedOpts, feed.PerClient())...),
		feed.NewModifiedIDGenerator(booking.FeedOrderProposals, st.orders(domain.OrderModeProposal), append(feedOpts, feed.PerClient())...),
	)

	handler := transporthttp.NewRouter(transporthttp.Options{
		Engine:        engine,
		Feeds:         feeds,
		Logger:        logger,
		CORSOrigins:   cfg.CORSOrigins,
		TestInterface: cfg.Booking.TestInterface,
		Ready:         st.ready,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(stopCtx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.Store).Strs("feeds", feeds.Names()).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweep(ctx, engine, cfg.Booking, logger)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received, stopping server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("flush traces")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped")
}

func openStores(ctx context.Context, cfg config.Config, clk clock.Clock) (*stores, error) {
	if cfg.Store == config.BackendMemory {
		s := memory.New(clk)
		return &stores{
			backend:       s,
			opportunities: func(t domain.OpportunityType) opportunitySource { return s.OpportunityFeed(t) },
			orders:        func(m domain.OrderMode) feed.ModifiedIDSource { return s.OrdersFeed(m) },
			close:         func() {},
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := postgres.New(pool, postgres.WithClock(clk))
	return &stores{
		backend:       s,
		opportunities: func(t domain.OpportunityType) opportunitySource { return s.OpportunityFeed(t) },
		orders:        func(m domain.OrderMode) feed.ModifiedIDSource { return s.OrdersFeed(m) },
		ready:         pool.Ping,
		close:         pool.Close,
	}, nil
}

func openGate(cfg config.Config) (booking.Gate, func(), error) {
	if len(cfg.ZKServers) == 0 {
		return gate.New(), func() {}, nil
	}
	g, err := zkgate.Dial(cfg.ZKServers, zkSessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return g, g.Close, nil
}

func routes(baseURL string, st *stores, clk clock.Clock, logger zerolog.Logger) []booking.Route {
	store := func(t domain.OpportunityType) *inventory.Store {
		return inventory.NewStore(t, st.backend, inventory.WithClock(clk), inventory.WithLogger(logger))
	}
	return []booking.Route{
		{
			Type:                domain.OpportunityTypeScheduledSession,
			OpportunityTemplate: baseURL + "/scheduled-sessions/{sessionId}",
			OfferTemplate:       baseURL + "/scheduled-sessions/{sessionId}#/offers/{offerId}",
			UnitVar:             "sessionId",
			OfferVar:            "offerId",
			Feed:                "scheduled-sessions",
			Store:               store(domain.OpportunityTypeScheduledSession),
		},
		{
			Type:                domain.OpportunityTypeFacilityUseSlot,
			OpportunityTemplate: baseURL + "/facility-uses/slots/{slotId}",
			OfferTemplate:       baseURL + "/facility-uses/slots/{slotId}#/offers/{offerId}",
			UnitVar:             "slotId",
			OfferVar:            "offerId",
			Feed:                "facility-use-slots",
			Store:               store(domain.OpportunityTypeFacilityUseSlot),
		},
	}
}

// sweep releases expired leases, evicts expired idempotency entries and purges
// old soft-deleted rows until ctx ends.
func sweep(ctx context.Context, engine *booking.Engine, cfg config.Booking, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := engine.ExpireLeases(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("expire leases")
		}

		if cfg.PurgeAfter <= 0 || time.Since(lastPurge) < time.Hour {
			continue
		}
		lastPurge = time.Now()
		if _, err := engine.PurgeDeleted(ctx, cfg.PurgeAfter); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("purge deleted rows")
		}
	}
}
