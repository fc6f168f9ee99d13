package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/internal/revenuecache"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/quest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/withdrawal"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	envPrefix = "COINLEDGER"

	flagDatabaseURL      = "database-url"
	flagHTTPListenAddr   = "http-listen-addr"
	flagGRPCListenAddr   = "grpc-listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagJWTCookieName    = "jwt-cookie-name"
	flagAdminRole        = "admin-role"
	flagQuestRole        = "quest-role"
	flagAuthorPercent    = "author-percent"
	flagQuestDailyCap    = "quest-daily-cap"
	flagMinWithdraw      = "min-withdraw"
	flagCoinsPerUnit     = "coins-per-unit"
	flagPayoutCurrency   = "payout-currency"
	flagKafkaBrokers     = "kafka-brokers"
	flagKafkaTopicPrefix = "kafka-topic-prefix"
	flagRedisURL         = "redis-url"
	flagRevenueCacheTTL  = "revenue-cache-ttl"
	flagRequestTimeout   = "request-timeout"
	flagUserID           = "user"

	defaultDatabaseURL    = "sqlite:///tmp/coinledger.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultCoinsPerUnit   = "1"
	defaultRequestTimeout = 5 * time.Second

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL      string
	HTTPListenAddr   string
	GRPCListenAddr   string
	AllowedOrigins   string
	JWTSigningKey    string
	JWTIssuer        string
	JWTCookieName    string
	AdminRole        string
	QuestRole        string
	AuthorPercent    int64
	QuestDailyCap    int64
	MinWithdraw      int64
	CoinsPerUnit     decimal.Decimal
	PayoutCurrency   string
	KafkaBrokers     string
	KafkaTopicPrefix string
	RedisURL         string
	RevenueCacheTTL  time.Duration
	RequestTimeout   time.Duration
}

func registerServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP API listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagJWTSigningKey, "", "session JWT signing key")
	flags.String(flagJWTIssuer, "", "session JWT issuer")
	flags.String(flagJWTCookieName, "", "session cookie name")
	flags.String(flagAdminRole, "", "session role granted admin access")
	flags.String(flagQuestRole, "", "session role of the service allowed to grant quest rewards")
	flags.Int64(flagAuthorPercent, ledger.DefaultAuthorPercent, "author share of a chapter purchase, in percent")
	flags.Int64(flagQuestDailyCap, quest.DefaultDailyCap.Int64(), "quest coins per user per UTC day")
	flags.Int64(flagMinWithdraw, withdrawal.DefaultMinWithdraw.Int64(), "smallest withdrawal in coins")
	flags.String(flagCoinsPerUnit, defaultCoinsPerUnit, "coins credited per currency unit")
	flags.String(flagPayoutCurrency, withdrawal.DefaultCurrency, "payout currency")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers for ledger events")
	flags.String(flagKafkaTopicPrefix, "", "Kafka topic prefix")
	flags.String(flagRedisURL, "", "Redis URL for the revenue report cache")
	flags.Duration(flagRevenueCacheTTL, revenuecache.DefaultTTL, "revenue report cache lifetime")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "per-request ledger timeout")
}

// loadConfig reads flags, overridden by COINLEDGER_* environment variables.
func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := settings.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}

	cfg.DatabaseURL = defaultIfEmpty(settings.GetString(flagDatabaseURL), defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(settings.GetString(flagHTTPListenAddr), defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(settings.GetString(flagGRPCListenAddr), defaultGRPCListenAddr)
	cfg.AllowedOrigins = settings.GetString(flagAllowedOrigins)
	cfg.JWTSigningKey = settings.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = settings.GetString(flagJWTIssuer)
	cfg.JWTCookieName = settings.GetString(flagJWTCookieName)
	cfg.AdminRole = settings.GetString(flagAdminRole)
	cfg.QuestRole = settings.GetString(flagQuestRole)
	cfg.AuthorPercent = settings.GetInt64(flagAuthorPercent)
	cfg.QuestDailyCap = settings.GetInt64(flagQuestDailyCap)
	cfg.MinWithdraw = settings.GetInt64(flagMinWithdraw)
	cfg.PayoutCurrency = settings.GetString(flagPayoutCurrency)
	cfg.KafkaBrokers = settings.GetString(flagKafkaBrokers)
	cfg.KafkaTopicPrefix = settings.GetString(flagKafkaTopicPrefix)
	cfg.RedisURL = settings.GetString(flagRedisURL)
	cfg.RevenueCacheTTL = settings.GetDuration(flagRevenueCacheTTL)
	cfg.RequestTimeout = settings.GetDuration(flagRequestTimeout)

	coinsPerUnit, err := decimal.NewFromString(defaultIfEmpty(settings.GetString(flagCoinsPerUnit), defaultCoinsPerUnit))
	if err != nil {
		return fmt.Errorf("%s: %w", flagCoinsPerUnit, err)
	}
	if !coinsPerUnit.IsPositive() {
		return fmt.Errorf("%s must be positive", flagCoinsPerUnit)
	}
	cfg.CoinsPerUnit = coinsPerUnit
	if cfg.AuthorPercent < 0 || cfg.AuthorPercent > 100 {
		return fmt.Errorf("%s must be between 0 and 100", flagAuthorPercent)
	}
	if cfg.QuestDailyCap < 0 || cfg.MinWithdraw < 0 {
		return fmt.Errorf("%s and %s must not be negative", flagQuestDailyCap, flagMinWithdraw)
	}
	if cmd.Name() == "serve" && strings.TrimSpace(cfg.JWTSigningKey) == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	return nil
}

func (cfg *runtimeConfig) httpConfig() httpapi.Config {
	return httpapi.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.JWTSigningKey,
		SessionIssuer:     cfg.JWTIssuer,
		SessionCookieName: cfg.JWTCookieName,
		AdminRole:         cfg.AdminRole,
		QuestRole:         cfg.QuestRole,
		RequestTimeout:    cfg.RequestTimeout,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	return httpapi.ParseAllowedOrigins(raw)
}

// ledgerDatabase holds the gorm handle plus, for postgres, a pgx pool for raw SQL.
type ledgerDatabase struct {
	gorm   *gorm.DB
	sql    *sql.DB
	pool   *pgxpool.Pool
	driver string
}

func (db *ledgerDatabase) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return db.sql.Close()
}

func openDatabase(ctx context.Context, dsn string) (*ledgerDatabase, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	var gormDB *gorm.DB
	switch driver {
	case driverPostgres:
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case driverSQLite:
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}
	opened := &ledgerDatabase{gorm: gormDB.WithContext(ctx), sql: sqlDB, driver: driver}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
		return opened, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	opened.pool = pool
	return opened, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
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
			path = "coinledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	if strings.Contains(dsn, "://") {
		return "", "", errors.New("database url must use postgres://, postgresql:// or sqlite://")
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
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

// prepareSchema auto-migrates sqlite and applies the SQL schema on postgres.
func prepareSchema(ctx context.Context, db *ledgerDatabase) error {
	if db.pool != nil {
		if err := pgstore.Migrate(ctx, db.pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	}
	if err := gormstore.AutoMigrate(db.gorm); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
