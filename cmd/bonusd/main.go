package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rdmgsalle/bonus/internal/httpapi"
	"github.com/rdmgsalle/bonus/internal/store/gormstore"
	"github.com/rdmgsalle/bonus/internal/store/pgstore"
	"github.com/rdmgsalle/bonus/pkg/bonus"
	"github.com/rdmgsalle/bonus/pkg/fidelity"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagTimezone         = "timezone"
	flagAllowedOrigins   = "allowed-origins"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyTimezone    = "timezone"
	configKeyOrigins     = "allowed_origins"
	defaultDatabaseURL   = "sqlite:///tmp/bonus.db"
	defaultListenAddr    = ":8085"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	Timezone       string
	AllowedOrigins string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bonusd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "bonusd",
		Short:         "Bonus minute and fidelity reward server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagTimezone, fidelity.DefaultTimezone, "Venue timezone for ticket dates")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "LISTEN_ADDR"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyTimezone, "TIMEZONE"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyOrigins, "ALLOWED_ORIGINS"); err != nil {
		return err
	}

	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyTimezone, cmd.Flags().Lookup(flagTimezone)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyOrigins, cmd.Flags().Lookup(flagAllowedOrigins)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.Timezone = viper.GetString(configKeyTimezone)
	if cfg.Timezone == "" {
		cfg.Timezone = fidelity.DefaultTimezone
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(ctx, gormDB, driver); err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }

	// Postgres deployments take the minute ledger through the native pgx
	// store; sqlite stays on the shared gorm connection.
	var bonusStore bonus.Store = gormstore.New(gormDB)
	if driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()
		bonusStore = pgstore.New(pool)
	}

	bonusService, err := bonus.NewService(
		bonusStore,
		clock,
		bonus.WithOperationLogger(bonus.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("bonus service init: %w", err)
	}

	fidelityService, err := fidelity.NewService(
		gormstore.NewFidelityStore(gormDB),
		bonusService,
		clock,
		fidelity.WithTimezone(cfg.Timezone),
		fidelity.WithSecondarySink(gormstore.NewLegacyMirror(gormDB)),
		fidelity.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("fidelity service init: %w", err)
	}

	httpConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}
	if err := httpConfig.Validate(); err != nil {
		return err
	}
	return httpapi.Run(ctx, httpConfig, bonusService, fidelityService, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "bonus.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(ctx context.Context, db *gorm.DB, driver string) error {
	if driver == "sqlite" {
		if err := gormstore.Migrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	if err := gormstore.SeedDefaultConfig(ctx, db); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	return nil
}
