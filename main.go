package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"exchange-api-governor/config"
	"exchange-api-governor/internal/api"
	"exchange-api-governor/internal/balance"
	"exchange-api-governor/internal/breaker"
	"exchange-api-governor/internal/clock"
	"exchange-api-governor/internal/events"
	"exchange-api-governor/internal/exchange"
	"exchange-api-governor/internal/governor"
	"exchange-api-governor/internal/limits"
	"exchange-api-governor/internal/logging"
	"exchange-api-governor/internal/queue"
	"exchange-api-governor/internal/store"
	"exchange-api-governor/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real()
	bus := events.NewBus()

	// Credentials come from Vault, or from the environment when Vault is
	// disabled.
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize vault client")
	}
	creds, err := vaultClient.Credentials(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve exchange credentials")
	}

	costTable, err := limits.NewCostTable(costEntries(cfg.LimiterConfig.Endpoints))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid endpoint cost configuration")
	}

	ledger, err := limits.NewLedger(
		decimal.NewFromFloat(cfg.LimiterConfig.MaxPoints),
		decimal.NewFromFloat(cfg.LimiterConfig.DecayRatePerSec),
		clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid ledger configuration")
	}

	limiter := limits.NewLimiter(costTable, ledger, limits.LimiterConfig{
		PublicMaxPerWindow: cfg.LimiterConfig.PublicMaxPerWindow,
		PublicWindow:       time.Duration(cfg.LimiterConfig.PublicWindowSec) * time.Second,
	}, clk, logger)

	brk := breaker.New(breaker.Config{
		FailureThreshold:       cfg.BreakerConfig.FailureThreshold,
		SuccessThreshold:       cfg.BreakerConfig.SuccessThreshold,
		MaxHalfOpenProbes:      cfg.BreakerConfig.MaxHalfOpenProbes,
		InitialRecoveryTimeout: time.Duration(cfg.BreakerConfig.InitialRecoverySec) * time.Second,
		MaxRecoveryTimeout:     time.Duration(cfg.BreakerConfig.MaxRecoverySec) * time.Second,
	}, clk, logger)

	cache := balance.NewCache(cfg.BalanceConfig.CacheMaxAssets,
		time.Duration(cfg.BalanceConfig.CacheTTLSec)*time.Second, clk)

	memHistory := balance.NewMemoryHistory(cfg.BalanceConfig.HistoryDepth)
	var history balance.History = memHistory

	var pool *pgxpool.Pool
	if cfg.DatabaseConfig.Enabled {
		pool, err = pgxpool.New(ctx, cfg.DatabaseConfig.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create database pool")
		}
		defer pool.Close()

		pgHistory := balance.NewPGHistory(pool, logger)
		if err := pgHistory.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to run history migration")
		}
		history = &balance.TeeHistory{
			Primary: memHistory,
			Mirror: func(e balance.HistoryEntry) {
				mirrorCtx, mirrorCancel := context.WithTimeout(context.Background(), 3*time.Second)
				pgHistory.Append(mirrorCtx, e)
				mirrorCancel()
			},
		}
		logger.Info().Msg("balance history mirrored to database")
	}

	validator := balance.NewValidator(cache, history, balance.ValidatorConfig{
		StalenessBound:    time.Duration(cfg.BalanceConfig.StalenessBoundSec) * time.Second,
		RelativeTolerance: decimal.NewFromFloat(cfg.BalanceConfig.RelativeTolerance),
	}, clk, logger)

	caller := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:          cfg.ExchangeConfig.BaseURL,
		UsedPointsHeader: cfg.ExchangeConfig.UsedPointsHeader,
		CallTimeout:      cfg.ExchangeConfig.CallTimeout(),
	}, creds, nil, logger)

	q := queue.New(cfg.QueueConfig.Capacity, clk)

	gov := governor.New(governor.Config{
		AccountKey:      cfg.GovernorConfig.AccountKey,
		DefaultDeadline: time.Duration(cfg.GovernorConfig.DefaultDeadlineSec) * time.Second,
		RefreshEndpoint: cfg.GovernorConfig.RefreshEndpoint,
	}, limiter, brk, q, caller, validator, history, bus, clk, logger)

	sched := queue.NewScheduler(q, gov.Admit, gov.ExecQueued, queue.SchedulerConfig{
		MaxConcurrentCalls: cfg.QueueConfig.MaxConcurrentCalls,
		PollInterval:       time.Duration(cfg.QueueConfig.PollIntervalMs) * time.Millisecond,
		MinRetryWait:       time.Duration(cfg.QueueConfig.MinRetryWaitMs) * time.Millisecond,
		MaxRetryWait:       time.Duration(cfg.QueueConfig.MaxRetryWaitMs) * time.Millisecond,
	}, clk, logger)
	sched.SetRetryable(gov.Retryable)

	stateStore := store.New(store.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	}, logger)
	defer stateStore.Close()

	snapshotter := store.NewSnapshotter(stateStore, ledger, brk, q, bus,
		time.Duration(cfg.GovernorConfig.SnapshotIntervalSec)*time.Second, logger)
	snapshotter.Restore(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		snapshotter.Run(ctx)
	}()

	if cfg.ExchangeConfig.StreamURL != "" {
		stream := exchange.NewPushStream(cfg.ExchangeConfig.StreamURL, logger)
		stream.OnBalance(gov.IngestPush)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream.Run(ctx)
		}()
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:            cfg.ServerConfig.Host,
			Port:            cfg.ServerConfig.Port,
			ProductionMode:  cfg.ServerConfig.ProductionMode,
			AllowedOrigins:  cfg.ServerConfig.AllowedOrigins,
			OperatorName:    cfg.ServerConfig.OperatorName,
			PasswordBcrypt:  cfg.ServerConfig.PasswordBcrypt,
			JWTSecret:       cfg.ServerConfig.JWTSecret,
			TokenTTLMinutes: cfg.ServerConfig.TokenTTLMinutes,
		}, gov, bus, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("admin API server stopped")
			}
		}()
	}

	logger.Info().
		Str("breaker_state", string(gov.Status().BreakerState)).
		Msg("governor running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("admin API shutdown failed")
		}
		shutdownCancel()
	}

	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// costEntries converts the JSON cost configuration into the limiter's
// decimal-typed table entries.
func costEntries(entries []config.EndpointCostConfig) []limits.EndpointCost {
	out := make([]limits.EndpointCost, 0, len(entries))
	for _, e := range entries {
		cost := limits.EndpointCost{
			Name:   e.Name,
			Base:   decimal.NewFromFloat(e.Base),
			Public: e.Public,
		}
		for _, t := range e.AgeTiers {
			cost.AgeTiers = append(cost.AgeTiers, limits.AgeTier{
				MaxAge: time.Duration(t.MaxAgeMs) * time.Millisecond,
				Added:  decimal.NewFromFloat(t.Added),
			})
		}
		out = append(out, cost)
	}
	return out
}
