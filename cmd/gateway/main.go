package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kalamche.app/gateway/internal/account"
	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/grpcapi"
	"kalamche.app/gateway/internal/httpapi"
	"kalamche.app/gateway/internal/mail"
	"kalamche.app/gateway/internal/migrate"
	"kalamche.app/gateway/internal/oauth"
	"kalamche.app/gateway/internal/obs"
	"kalamche.app/gateway/internal/payment"
	"kalamche.app/gateway/internal/ratelimit"
	"kalamche.app/gateway/internal/telemetry"
	"kalamche.app/gateway/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const memoryDSN = "memory://"

func main() {
	var (
		configPath  = flag.String("config", config.Path("settings.yaml"), "Path to the YAML settings file")
		autoMigrate = flag.Bool("migrate", false, "Apply pending schema migrations before serving")
	)
	flag.Parse()

	logger := obs.Logger()
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *autoMigrate, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(configPath string, autoMigrate bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		logger.Warn("settings file not found, using defaults", zap.String("path", configPath))
		configPath = ""
	}
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	tp, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	var probes []httpapi.ReadyFunc

	// Accounts
	var store account.Store
	if strings.HasPrefix(cfg.Database.Connection, memoryDSN) {
		logger.Warn("using in-memory account store")
		store = account.NewMemoryStore()
	} else {
		pg, err := account.Open(cfg.Database.Connection, cfg.Database.PoolSize)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pg.Close()
		if autoMigrate {
			applied, err := migrate.NewManager(pg.DB(), migrate.Schema()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated", zap.Strings("applied", applied))
		}
		probes = append(probes, pg.Ping)
		store = pg
	}
	accounts := account.NewService(store)

	// Redis is shared by the limiter and the OAuth state store when set.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		probes = append(probes, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var counters ratelimit.Store
	switch cfg.RateLimit.Backend {
	case "redis":
		counters = ratelimit.NewRedisStore(rdb, "")
	default:
		mem := ratelimit.NewMemoryStore()
		go mem.Run(ctx, cfg.RateLimit.SweepInterval)
		counters = mem
	}
	limiter, err := ratelimit.New(counters, ratelimit.PoliciesFromConfig(cfg.RateLimit))
	if err != nil {
		return err
	}

	var states oauth.StateStore
	if rdb != nil {
		states = oauth.NewRedisStateStore(rdb)
	} else {
		mem := oauth.NewMemoryStateStore()
		go mem.Run(ctx, cfg.RateLimit.SweepInterval)
		states = mem
	}
	federator, err := oauth.New(cfg.OAuthProviders, states, oauth.WithTracer(tp.Tracer()))
	if err != nil {
		return err
	}
	logger.Info("oauth providers enabled", zap.Strings("providers", federator.Providers()))

	mailer, err := mail.New(cfg.Email)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	if c, ok := mailer.(mail.Closer); ok {
		defer c.Close()
	}

	tokens := token.New(cfg.JWT)
	catalog := payment.NewCatalog(cfg.Payment.Plans)
	readiness := httpapi.ReadyFunc(func(ctx context.Context) error {
		for _, p := range probes {
			if err := p(ctx); err != nil {
				return err
			}
		}
		return nil
	})

	api := httpapi.New(httpapi.Deps{
		Settings:  cfg,
		Tokens:    tokens,
		Limiter:   limiter,
		OAuth:     federator,
		Accounts:  accounts,
		Mailer:    mailer,
		Plans:     catalog,
		Payments:  payment.NewHTTPProvider(cfg.Payment, catalog, nil),
		Readiness: readiness,
		Version:   build.Version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", build.Version), zap.String("commit", build.Commit))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var gsrv *grpcapi.Server
	if addr := cfg.GRPCAddr(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gsrv = grpcapi.NewServer(tokens, logger)
		go gsrv.WatchReadiness(ctx, readiness, 15*time.Second)
		go func() {
			logger.Info("grpc listening", zap.String("addr", addr))
			if err := gsrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if gsrv != nil {
		gsrv.GracefulStop()
	}
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
