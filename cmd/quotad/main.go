package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/quota/internal/botapi"
	"github.com/MarkoPoloResearchLab/quota/internal/logging"
	"github.com/MarkoPoloResearchLab/quota/internal/session"
	"github.com/MarkoPoloResearchLab/quota/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quota/pkg/quota"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagAuthSigningKey     = "auth-signing-key"
	flagAuthIssuer         = "auth-issuer"
	flagFreeAllotment      = "free-allotment"
	flagResetCadence       = "reset-cadence"
	flagPromoCodeLength    = "promo-code-length"
	flagPromoValidityDays  = "promo-validity-days"
	flagDefaultPromoGrant  = "default-promo-requests"
	flagServiceCodeGrant   = "service-code-requests"
	flagPricing            = "pricing"
	flagFallbackUnitRatio  = "fallback-units-per-request"
	flagRedisAddr          = "redis-addr"
	flagPendingItemTTL     = "pending-item-ttl"
	flagPromoSweepInterval = "promo-sweep-interval"

	defaultDatabaseURL   = "sqlite:///tmp/quota.db"
	defaultHTTPAddr      = ":8080"
	defaultPricing       = "45=10,80=20"
	defaultSweepInterval = time.Hour
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AllowedOrigins     string
	AuthSigningKey     string
	AuthIssuer         string
	FreeAllotment      int64
	ResetCadence       string
	PromoCodeLength    int
	PromoValidityDays  int
	DefaultPromoGrant  int64
	ServiceCodeGrant   int64
	Pricing            string
	FallbackUnitRatio  int64
	RedisAddr          string
	PendingItemTTL     time.Duration
	PromoSweepInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quotad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "quotad",
		Short:         "Request quota and promo redemption server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().String(flagAuthSigningKey, "", "HMAC key for dispatcher bearer tokens")
	cmd.Flags().String(flagAuthIssuer, "quotad", "expected JWT issuer")
	cmd.Flags().Int64(flagFreeAllotment, 10, "free requests granted per reset period")
	cmd.Flags().String(flagResetCadence, "daily", "free pool reset cadence (daily or weekly)")
	cmd.Flags().Int(flagPromoCodeLength, 8, "generated promo code length")
	cmd.Flags().Int(flagPromoValidityDays, 30, "default promo validity in days")
	cmd.Flags().Int64(flagDefaultPromoGrant, 10, "requests granted by a promo when unspecified")
	cmd.Flags().Int64(flagServiceCodeGrant, 50, "requests granted by an admin service grant")
	cmd.Flags().String(flagPricing, defaultPricing, "payment pricing table, units=requests pairs")
	cmd.Flags().Int64(flagFallbackUnitRatio, 4, "units per request for unlisted payment amounts")
	cmd.Flags().String(flagRedisAddr, "", "redis address for pending items (empty for in-memory)")
	cmd.Flags().Duration(flagPendingItemTTL, 10*time.Minute, "pending item time to live")
	cmd.Flags().Duration(flagPromoSweepInterval, defaultSweepInterval, "expired promo sweep interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvPrefix("QUOTAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL,
		flagListenAddr,
		flagAllowedOrigins,
		flagAuthSigningKey,
		flagAuthIssuer,
		flagFreeAllotment,
		flagResetCadence,
		flagPromoCodeLength,
		flagPromoValidityDays,
		flagDefaultPromoGrant,
		flagServiceCodeGrant,
		flagPricing,
		flagFallbackUnitRatio,
		flagRedisAddr,
		flagPendingItemTTL,
		flagPromoSweepInterval,
	}
	for _, name := range flagNames {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.AllowedOrigins = viper.GetString(flagAllowedOrigins)
	cfg.AuthSigningKey = viper.GetString(flagAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(flagAuthIssuer)
	cfg.FreeAllotment = viper.GetInt64(flagFreeAllotment)
	cfg.ResetCadence = viper.GetString(flagResetCadence)
	cfg.PromoCodeLength = viper.GetInt(flagPromoCodeLength)
	cfg.PromoValidityDays = viper.GetInt(flagPromoValidityDays)
	cfg.DefaultPromoGrant = viper.GetInt64(flagDefaultPromoGrant)
	cfg.ServiceCodeGrant = viper.GetInt64(flagServiceCodeGrant)
	cfg.Pricing = viper.GetString(flagPricing)
	cfg.FallbackUnitRatio = viper.GetInt64(flagFallbackUnitRatio)
	cfg.RedisAddr = viper.GetString(flagRedisAddr)
	cfg.PendingItemTTL = viper.GetDuration(flagPendingItemTTL)
	cfg.PromoSweepInterval = viper.GetDuration(flagPromoSweepInterval)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.AuthSigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
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
	defer func() { _ = cleanup() }()

	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			return fmt.Errorf("schema migrate: %w", err)
		}
	}

	engineCfg, err := buildEngineConfig(cfg)
	if err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	operationLogger := quota.WithOperationLogger(logging.NewOperationLogger(logger))

	registry, err := quota.NewPromoRegistry(store, engineCfg, operationLogger)
	if err != nil {
		return fmt.Errorf("promo registry init: %w", err)
	}
	service, err := quota.NewService(store, engineCfg, operationLogger)
	if err != nil {
		return fmt.Errorf("quota service init: %w", err)
	}
	topup, err := quota.NewTopUpProcessor(store, engineCfg, registry, operationLogger)
	if err != nil {
		return fmt.Errorf("topup processor init: %w", err)
	}

	sessions, sessionCleanup := buildSessionStore(cfg)
	defer sessionCleanup()

	apiCfg := botapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: botapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		AuthSigningKey: cfg.AuthSigningKey,
		AuthIssuer:     cfg.AuthIssuer,
		PendingItemTTL: cfg.PendingItemTTL,
	}
	apiServer, err := botapi.NewServer(apiCfg, engineCfg, service, registry, topup, sessions, logger)
	if err != nil {
		return fmt.Errorf("api server init: %w", err)
	}

	sweeper := cron.New()
	sweepSpec := fmt.Sprintf("@every %s", cfg.PromoSweepInterval)
	if _, err := sweeper.AddFunc(sweepSpec, func() {
		count, sweepErr := registry.SweepExpired(context.Background())
		if sweepErr != nil {
			logger.Warn("promo sweep failed", zap.Error(sweepErr))
			return
		}
		if count > 0 {
			logger.Info("expired promo codes deactivated", zap.Int64("count", count))
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return shutdownErr
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func buildEngineConfig(cfg *runtimeConfig) (quota.Config, error) {
	pricing, err := quota.ParsePricingTable(cfg.Pricing)
	if err != nil {
		return quota.Config{}, fmt.Errorf("pricing table: %w", err)
	}
	return quota.Config{
		FreeAllotment:           cfg.FreeAllotment,
		ResetCadence:            quota.Cadence(cfg.ResetCadence),
		PromoCodeLength:         cfg.PromoCodeLength,
		PromoValidityDays:       cfg.PromoValidityDays,
		DefaultPromoRequests:    cfg.DefaultPromoGrant,
		ServiceCodeRequests:     cfg.ServiceCodeGrant,
		Pricing:                 pricing,
		FallbackUnitsPerRequest: cfg.FallbackUnitRatio,
	}, nil
}

func buildSessionStore(cfg *runtimeConfig) (session.Store, func()) {
	if cfg.RedisAddr == "" {
		return session.NewMemoryStore(cfg.PendingItemTTL), func() {}
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return session.NewRedisStore(client, cfg.PendingItemTTL), func() { _ = client.Close() }
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
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
			path = "quota.db"
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
