package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/coinledger/internal/notify"
	"github.com/MarkoPoloResearchLab/coinledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/coinledger/internal/revenuecache"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/quest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/revenue"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/settlement"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/withdrawal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin ledger for chapter purchases, tips, quests and payouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.AddCommand(newServeCommand(cfg), newReconcileCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the gRPC health port",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	registerServeFlags(cmd)
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	var rawUserID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute an account balance from the ledger log and report drift",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), cfg, userID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&rawUserID, flagUserID, "", "account to reconcile")
	_ = cmd.MarkFlagRequired(flagUserID)
	return cmd
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	database, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			logger.Warn("database close", zap.Error(closeErr))
		}
	}()
	if err := prepareSchema(ctx, database); err != nil {
		return err
	}

	recorder := metrics.New()
	publishers := notify.Fanout{notify.NewLogPublisher(logger), recorder}
	if brokers := splitList(cfg.KafkaBrokers); len(brokers) > 0 {
		kafkaPublisher, err := notify.NewKafkaPublisher(brokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return err
		}
		defer func() { _ = kafkaPublisher.Close() }()
		publishers = append(publishers, kafkaPublisher)
	}

	store := gormstore.New(database.gorm)
	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(oplog.Fanout{oplog.NewZapLogger(logger), recorder}),
		ledger.WithEventPublisher(publishers),
	)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	services, err := buildServices(cfg, engine, revenueSource(store, database.pool), clock)
	if err != nil {
		return err
	}
	services.Metrics = recorder
	if cfg.RedisURL != "" {
		redisClient, err := revenuecache.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
		cached, err := revenuecache.New(services.Revenue, redisClient, cfg.RevenueCacheTTL, logger)
		if err != nil {
			return err
		}
		services.Revenue = cached
	}

	health, err := grpcserver.NewHealthServer(database.sql, logger)
	if err != nil {
		return err
	}
	grpcServer := grpcserver.NewServer(health, logger)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpapi.Run(serveCtx, cfg.httpConfig(), services, logger)
	}()
	go func() {
		errCh <- grpcserver.Run(serveCtx, cfg.GRPCListenAddr, grpcServer, logger)
	}()

	var firstErr error
	for range 2 {
		if serveErr := <-errCh; serveErr != nil && firstErr == nil {
			firstErr = serveErr
		}
		cancel()
	}
	logger.Info("shutdown complete")
	return firstErr
}

func buildServices(cfg *runtimeConfig, engine *ledger.Service, source revenue.Source, clock func() int64) (httpapi.Services, error) {
	policy, err := ledger.NewSplitPolicy(cfg.AuthorPercent)
	if err != nil {
		return httpapi.Services{}, err
	}
	settler, err := settlement.NewService(engine, policy)
	if err != nil {
		return httpapi.Services{}, err
	}
	quests, err := quest.NewLimiter(engine, ledger.Coins(cfg.QuestDailyCap))
	if err != nil {
		return httpapi.Services{}, err
	}
	deposits, err := deposit.NewWorkflow(engine, cfg.CoinsPerUnit)
	if err != nil {
		return httpapi.Services{}, err
	}
	withdrawals, err := withdrawal.NewWorkflow(engine, withdrawal.Config{
		MinWithdraw:  ledger.Coins(cfg.MinWithdraw),
		CoinsPerUnit: cfg.CoinsPerUnit,
		Currency:     cfg.PayoutCurrency,
	})
	if err != nil {
		return httpapi.Services{}, err
	}
	reporter, err := revenue.NewService(source, clock)
	if err != nil {
		return httpapi.Services{}, err
	}
	return httpapi.Services{
		Engine:      engine,
		Settlement:  settler,
		Quests:      quests,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Revenue:     reporter,
	}, nil
}

// revenueSource prefers SQL aggregation when a postgres pool is available.
func revenueSource(store *gormstore.Store, pool *pgxpool.Pool) revenue.Source {
	if pool != nil {
		return pgstore.NewRevenueSource(pool)
	}
	return revenue.NewLogSource(store)
}

func runReconcile(ctx context.Context, cfg *runtimeConfig, userID ledger.UserID, out io.Writer) error {
	database, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = database.Close() }()
	engine, err := ledger.NewService(gormstore.New(database.gorm), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		return err
	}
	reconciliation, err := engine.Reconcile(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user=%s stored=%d log=%d version=%d drift=%d\n",
		reconciliation.UserID, reconciliation.StoredBalance, reconciliation.LogBalance, reconciliation.Version, reconciliation.Drift())
	if !reconciliation.Consistent() {
		return fmt.Errorf("account %s drifted by %d coins", userID, reconciliation.Drift())
	}
	return nil
}
