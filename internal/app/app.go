package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/pricebook/internal/cache"
	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/resolution"
	"github.com/xenking/pricebook/internal/domain/rule"
	"github.com/xenking/pricebook/internal/handler"
	"github.com/xenking/pricebook/internal/storage/memory"
	"github.com/xenking/pricebook/internal/storage/postgres"
	"github.com/xenking/pricebook/pkg/health"
	"github.com/xenking/pricebook/pkg/httpmiddleware"
)

// storage bundles the repositories behind one backend.
type storage struct {
	catalogs catalog.Repository
	prices   price.Repository
	rules    rule.Repository
	ledger   rule.Ledger
	// pinger is nil for in-process storage.
	pinger health.Pinger
	close  func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*storage, error) {
	if cfg.Storage == StorageMemory {
		lg.Warn("Using in-memory storage, data is lost on restart")
		s := memory.NewStore()
		return &storage{catalogs: s, prices: s, rules: s, ledger: memory.NewLedger(s), close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &storage{
		catalogs: postgres.NewCatalogRepository(pool),
		prices:   postgres.NewPriceRepository(pool),
		rules:    postgres.NewRuleRepository(pool),
		ledger:   postgres.NewLedger(pool),
		pinger:   pool,
		close:    pool.Close,
	}, nil
}

// baseCache is a resolution.Cache that owns resources.
type baseCache interface {
	resolution.Cache
	io.Closer
}

func openCache(ctx context.Context, cfg *Config) (baseCache, health.Pinger, error) {
	switch cfg.Cache.Backend {
	case CacheMemory:
		return cache.NewMemory(cfg.Cache.Sweep), nil, nil
	case CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect redis")
		}
		return r, r, nil
	default:
		return nil, nil, nil
	}
}

func newService(st *storage, c resolution.Cache, cfg *Config, t httpmiddleware.Telemetry) (*resolution.Service, error) {
	return resolution.NewService(
		catalog.NewResolver(st.catalogs),
		price.NewStore(st.prices),
		rule.NewEngine(st.rules, st.ledger),
		st.ledger,
		resolution.Options{
			Cache:          c,
			CacheTTL:       cfg.Cache.TTL,
			TimeBucket:     cfg.Cache.TimeBucket,
			ConfirmTimeout: cfg.Confirm.Timeout,
			TracerProvider: t.TracerProvider(),
			MeterProvider:  t.MeterProvider(),
		},
	)
}

// newHTTPHandler mounts health endpoints and the pricing API behind the middleware
// chain.
func newHTTPHandler(lg *zap.Logger, t httpmiddleware.Telemetry, hc *health.Health, svc handler.Pricer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", hc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", hc.ReadyEndpoint)
	handler.NewHandler(svc).Register(mux)

	return httpmiddleware.Wrap(mux,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.Instrument("pricebook", t),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.String("cache", cfg.Cache.Backend),
	)

	st, err := openStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	bc, cachePinger, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	var c resolution.Cache
	if bc != nil {
		c = bc
		defer func() { _ = bc.Close() }()
	}

	hc := health.New()
	hc.Add(health.Check{Name: "goroutines", Kind: health.Liveness, Func: health.GoroutineCountCheck(10000)})
	if st.pinger != nil {
		hc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Timeout: 5 * time.Second,
			Func: health.PingCheck("postgres", st.pinger)})
	}
	if cachePinger != nil {
		hc.Add(health.Check{Name: "redis", Kind: health.Readiness, Timeout: 2 * time.Second,
			Func: health.PingCheck("redis", cachePinger)})
	}
	hc.Start(ctx, 10*time.Second)
	hc.SetReady(true)

	svc, err := newService(st, c, cfg, m)
	if err != nil {
		return errors.Wrap(err, "create pricing service")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           newHTTPHandler(lg, m, hc, svc),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		hc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		hc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
