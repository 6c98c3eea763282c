package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrade-core/config"
	"autotrade-core/internal/api"
	"autotrade-core/internal/broker"
	"autotrade-core/internal/database"
	"autotrade-core/internal/decision"
	"autotrade-core/internal/events"
	"autotrade-core/internal/exchange"
	"autotrade-core/internal/feedback"
	"autotrade-core/internal/llm"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/marketcache"
	"autotrade-core/internal/marketdatasched"
	"autotrade-core/internal/outcome"
	"autotrade-core/internal/prompt"
	"autotrade-core/internal/runtimectl"
	"autotrade-core/internal/scheduler"
	"autotrade-core/internal/secrets"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     "stdout",
		Component:  "main",
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	bus := events.NewEventBus()
	logger.Info("event bus initialized")

	cache, err := marketcache.New(cfg.Redis, marketcache.TickStreamSettings{
		StreamPrefix:          "autotrade:ticks",
		Retention:             24 * time.Hour,
		MaxEntriesPerSymbol:   2000,
		BackpressureThreshold: 1500,
	})
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	logger.Info("market cache connected")

	var repo *database.Repository
	db, err := database.NewDB(context.Background(), database.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("database unavailable, continuing without persistence")
	} else {
		if err := db.RunMigrations(context.Background()); err != nil {
			log.Fatalf("failed to run database migrations: %v", err)
		}
		repo = database.NewRepository(db)
		logger.Info("database connected and migrated")
	}

	secretsClient, err := secrets.NewClient(cfg.Vault, secrets.OKXCredentials{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
		DemoMode:   cfg.Exchange.DemoMode,
	})
	if err != nil {
		log.Fatalf("failed to build secrets client: %v", err)
	}

	var runtimeStore runtimectl.ModeStore
	if repo != nil {
		runtimeStore = repo
	}
	runtimeCtl := runtimectl.New(runtimeStore, types.RuntimeMode(cfg.Exchange.Broker), bus, logger)
	logger.WithField("mode", string(runtimeCtl.Mode())).Info("runtime controller initialized")

	marketSource := buildMarketDataSource(context.Background(), cfg, secretsClient, logger)

	marketSched := marketdatasched.New(
		marketSource,
		cache,
		bus,
		cfg.Scheduler.MarketDataSymbols,
		time.Duration(cfg.Scheduler.MarketDataIntervalSecs)*time.Second,
		logger,
	)
	marketSched.Start(context.Background())
	logger.Info("market data scheduler started")

	registry := tools.New(marketSource, cache, cfg.Exchange.SymbolMap)

	var ruleSource decision.RuleSource
	var outcomeSource decision.OutcomeSource
	var ruleStore feedback.RuleStore
	var recorder outcome.Recorder
	if repo != nil {
		ruleSource = repo
		outcomeSource = repo
		ruleStore = repo
		recorder = repo
	}

	llmConfig := llm.DefaultConfig()
	llmConfig.Provider = llm.Provider(cfg.LLM.Provider)
	llmConfig.APIKey = apiKeyForProvider(cfg.LLM)
	llmConfig.Model = cfg.LLM.Model
	llmClient := llm.NewClient(llmConfig)
	agent := llm.NewAgent(llmClient, registry, logger)

	feedbackEngine := feedback.NewEngine(llm.NewTextCompleter(llmClient), ruleStore, 5, logger)
	outcomeTracker := outcome.NewTracker(feedbackEngine, recorder, logger)

	builder := prompt.NewBuilder()
	portfolio := types.NewPortfolio(cfg.Scheduler.StartingCash)

	var traceLog io.Writer
	if f, err := os.OpenFile("decision_trace.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		traceLog = f
		defer f.Close()
	} else {
		logger.WithError(err).Warn("failed to open decision trace log, tracing disabled")
	}

	pipeline := decision.New(
		&portfolioHolder{portfolio: portfolio},
		ruleSource,
		outcomeSource,
		registry,
		builder,
		agent,
		cfg.Scheduler.MarketDataSymbols,
		traceLog,
		logger,
	)

	brokerFactory := func(mode types.RuntimeMode) (broker.Port, error) {
		if mode == types.ModeSimulator {
			return broker.NewSimulatedBroker(portfolio, 5, 0.2, outcomeTracker, logger), nil
		}
		client := buildExchangeClient(context.Background(), cfg, secretsClient, mode, logger)
		quoteCurrency := "USDT"
		return broker.NewExchangeBroker(client, cfg.Exchange.SymbolMap, quoteCurrency, outcomeTracker, logger), nil
	}

	var snapshotPersister scheduler.SnapshotPersister
	if repo != nil {
		snapshotPersister = repo
	}

	decisionSched := scheduler.New(
		pipeline,
		brokerFactory,
		runtimeCtl,
		snapshotPersister,
		bus,
		time.Duration(cfg.Scheduler.DecisionIntervalMinutes)*time.Minute,
		logger,
	)
	decisionSched.Start(context.Background())
	logger.Info("decision scheduler started")

	initialPort, err := brokerFactory(runtimeCtl.Mode())
	if err != nil {
		log.Fatalf("failed to build initial broker: %v", err)
	}

	server := api.NewServer(api.Config{
		Port:             cfg.Server.Port,
		Host:             cfg.Server.Host,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		CronTriggerToken: cfg.Server.CronTriggerToken,
	}, api.Deps{
		PortfolioPort: initialPort,
		DecisionSched: decisionSched,
		MarketSched:   marketSched,
		RuntimeCtl:    runtimeCtl,
		Cache:         cache,
		Repo:          repo,
		Registry:      registry,
		Symbols:       cfg.Scheduler.MarketDataSymbols,
		Bus:           bus,
	}, logger)
	server.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error shutting down api server")
	}

	decisionSched.Stop()
	marketSched.Stop()

	if err := cache.Close(); err != nil {
		logger.WithError(err).Warn("error closing market cache")
	}
	if db != nil {
		db.Close()
	}

	logger.Info("shutdown complete")
}

// portfolioHolder adapts a concrete *types.Portfolio to
// decision.PortfolioSource without requiring the decision package to
// depend on broker.Port's mutation surface.
type portfolioHolder struct {
	portfolio *types.Portfolio
}

func (h *portfolioHolder) Portfolio() *types.Portfolio {
	return h.portfolio
}

func apiKeyForProvider(cfg config.LLMConfig) string {
	switch cfg.Provider {
	case "claude":
		return cfg.ClaudeAPIKey
	case "openai":
		return cfg.OpenAIAPIKey
	default:
		return cfg.DeepSeekAPIKey
	}
}

// buildMarketDataSource resolves the exchange client used for
// read-only market data (candles, funding rate, ticker) regardless of
// the configured trading broker: the demo client is used only when the
// operator has not provided OKX credentials at all, since market data
// reads don't require the exchange account to be live-tradeable.
func buildMarketDataSource(ctx context.Context, cfg *config.Config, secretsClient *secrets.Client, logger *logging.Logger) tools.DataSource {
	creds, err := secretsClient.OKXCredentials(ctx)
	if err != nil || creds.APIKey == "" {
		logger.Warn("no OKX credentials available, using demo market data client")
		return exchange.NewDemoClient(map[string]exchange.Balance{
			"USDT": {Currency: "USDT", Free: cfg.Scheduler.StartingCash, Total: cfg.Scheduler.StartingCash},
		})
	}
	return exchange.NewOKXClient(exchange.OKXConfig{
		APIKey:      creds.APIKey,
		SecretKey:   creds.SecretKey,
		Passphrase:  creds.Passphrase,
		BaseURL:     cfg.Exchange.BaseURL,
		DemoMode:    creds.DemoMode,
		SymbolMap:   cfg.Exchange.SymbolMap,
		MaxRetries:  cfg.Exchange.MaxRetries,
		BaseBackoff: cfg.Exchange.BaseBackoff,
		MaxBackoff:  cfg.Exchange.MaxBackoff,
		Timeout:     10 * time.Second,
	}, logger)
}

// buildExchangeClient resolves the trading client a paper/live broker
// executes orders through. Paper mode still hits OKX's demo-trading
// endpoint (DemoMode true); live mode hits the real account.
func buildExchangeClient(ctx context.Context, cfg *config.Config, secretsClient *secrets.Client, mode types.RuntimeMode, logger *logging.Logger) exchange.Client {
	creds, err := secretsClient.OKXCredentials(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to resolve OKX credentials, falling back to demo client")
		return exchange.NewDemoClient(map[string]exchange.Balance{
			"USDT": {Currency: "USDT", Free: cfg.Scheduler.StartingCash, Total: cfg.Scheduler.StartingCash},
		})
	}
	return exchange.NewOKXClient(exchange.OKXConfig{
		APIKey:      creds.APIKey,
		SecretKey:   creds.SecretKey,
		Passphrase:  creds.Passphrase,
		BaseURL:     cfg.Exchange.BaseURL,
		DemoMode:    mode == types.ModePaper,
		SymbolMap:   cfg.Exchange.SymbolMap,
		MaxRetries:  cfg.Exchange.MaxRetries,
		BaseBackoff: cfg.Exchange.BaseBackoff,
		MaxBackoff:  cfg.Exchange.MaxBackoff,
		Timeout:     10 * time.Second,
	}, logger)
}
