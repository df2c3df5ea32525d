package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xtrntr/cryptoexchange/internal/auth"
	"github.com/xtrntr/cryptoexchange/internal/config"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/logging"
	"go.uber.org/zap"
)

// Seed the database with coins, funded traders and a few days of trades
func main() {
	var (
		configPath string
		days       int
	)
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Populate the database with demo coins, users and trade history",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, days)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().IntVar(&days, "days", 3, "days of trade history to generate")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, days int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: "console"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	clock := &seedClock{now: time.Now().UTC()}
	s := &seeder{
		coins: database,
		users: database,
		auth:  auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		ex: exchange.NewExchange(exchange.NewPostgresStore(database),
			exchange.WithClock(clock.Now),
			exchange.WithCommonUnit(cfg.Exchange.CommonUnit),
			exchange.WithLogger(logger.Named("exchange"))),
		clock:  clock,
		logger: logger,
	}
	seeded, err := s.Seed(ctx, days)
	if err != nil {
		return err
	}
	if seeded == 0 {
		logger.Info("database already seeded")
		return nil
	}
	logger.Info("seeded database", zap.Int("trades", seeded))
	return nil
}
