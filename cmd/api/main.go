package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"nanobanana/internal/adapter/repo"
	"nanobanana/internal/costs"
	"nanobanana/internal/domain"
	"nanobanana/internal/http/handlers"
	httpapi "nanobanana/internal/http/httpapi"
	"nanobanana/internal/infra"
	"nanobanana/internal/infra/geoip"
	"nanobanana/internal/kvstore"
	"nanobanana/internal/middleware"
	"nanobanana/internal/quota"
	"nanobanana/internal/replicate"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	store, err := kvstore.NewFileStore(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open data directory")
	}

	costCfg := costs.DefaultConfig()
	costCfg.DailyLimitUSD = cfg.CostDailyLimitUSD
	costCfg.MonthlyLimitUSD = cfg.CostMonthlyLimitUSD
	costCfg.AlertThreshold = cfg.CostAlertThreshold
	ledger := costs.NewLedger(costs.Options{
		Config: costCfg,
		Store:  store,
		Logger: &logger,
	})

	quotaCfg := quota.DefaultConfig()
	quotaCfg.FreeLimit = cfg.FreeGenerationsLimit
	quotaCfg.ReplenishEvery = cfg.FreeReplenishEvery
	quotaCfg.RateLimit = cfg.IPRateLimit
	quotaCfg.RateWindow = cfg.IPRateWindow
	quotaManager := quota.NewManager(quota.Options{
		Config: quotaCfg,
		Store:  store,
		Logger: &logger,
	})

	client, err := replicate.NewClient(replicate.Options{
		APIToken: cfg.ReplicateAPIToken,
		BaseURL:  cfg.ReplicateBaseURL,
		Model:    cfg.ReplicateModel,
		Logger:   &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build generation client")
	}
	poller := replicate.NewPoller(replicate.PollerOptions{
		API:         client,
		Ledger:      ledger,
		Store:       store,
		Logger:      &logger,
		MaxAttempts: cfg.PollMaxAttempts,
	})

	ctx := context.Background()

	var credits domain.CreditStore
	var generations domain.GenerationStore
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		credits = repo.NewCreditRepository(dbpool)
		generations = repo.NewGenerationRepository(dbpool)
		logger.Info().Msg("using postgres stores")
	} else {
		credits = repo.NewMemoryCreditStore()
		generations = repo.NewMemoryGenerationStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
	}

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, locale falls back to headers")
	} else if resolver != nil {
		lookup = resolver.CountryCode
	}

	app := &handlers.App{
		Poller:      poller,
		API:         client,
		Quota:       quotaManager,
		Ledger:      ledger,
		Credits:     credits,
		Generations: generations,
		Checker:     client.Health,
		Logger:      logger,
	}

	router := httpapi.NewRouter(app, cfg, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
