package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xtrntr/cryptoexchange/internal/api"
	"github.com/xtrntr/cryptoexchange/internal/auth"
	"github.com/xtrntr/cryptoexchange/internal/cache"
	"github.com/xtrntr/cryptoexchange/internal/config"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/events"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/logging"
	"github.com/xtrntr/cryptoexchange/internal/market"
	"github.com/xtrntr/cryptoexchange/internal/memstore"
	"github.com/xtrntr/cryptoexchange/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the exchange HTTP and websocket API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

// backend is the storage a server instance runs on
type backend struct {
	store  exchange.Store
	reader market.Reader
	users  auth.UserStore
	ping   func(context.Context) error
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage; state is lost on exit")
		s := memstore.New()
		return &backend{store: s, reader: s, users: s, close: func() {}}, nil
	}

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return &backend{
		store:  exchange.NewPostgresStore(database),
		reader: database,
		users:  database,
		ping:   database.Ping,
		close:  database.Close,
	}, nil
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	exOpts := []exchange.Option{
		exchange.WithLogger(logger.Named("exchange")),
		exchange.WithMetrics(m),
		exchange.WithCommonUnit(cfg.Exchange.CommonUnit),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TradesTopic, logger.Named("events"))
		if err != nil {
			return fmt.Errorf("failed to start trade producer: %w", err)
		}
		defer producer.Close()
		exOpts = append(exOpts, exchange.WithPublisher(producer))
	}
	ex := exchange.NewExchange(b.store, exOpts...)

	mktOpts := []market.Option{
		market.WithLogger(logger.Named("market")),
		market.WithCommonUnit(cfg.Exchange.CommonUnit),
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		rc := cache.NewRedisCache(client, cfg.Cache.TTL)
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unavailable; statistics are computed per request until it recovers", zap.Error(err))
		}
		mktOpts = append(mktOpts, market.WithCache(rc))
	}
	mkt := market.NewService(b.reader, mktOpts...)

	authService := auth.NewAuthService(b.users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	hub := api.NewHub(cfg.HTTP.AllowedOrigins, logger.Named("ws"))
	hub.OnConnectionChange(m.ClientConnected, m.ClientDisconnected)
	defer hub.Close()

	handler := api.NewHandler(ex, mkt, authService, hub, logger.Named("api"))
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Metrics:        m,
			Health:         b.ping,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down server")
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
