package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"autotrade-core/internal/errkind"
)

// Config is the fully resolved runtime configuration for the trading
// core, assembled once at startup from AUTOTRADE_* environment
// variables.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Exchange  ExchangeConfig
	Server    ServerConfig
	Scheduler SchedulerConfig
	Vault     VaultConfig
	Logging   LoggingConfig
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings for the market cache and
// tick streams.
type RedisConfig struct {
	URL      string
	PoolSize int
}

// LLMConfig holds decision-agent model settings. DeepSeek is the
// default provider; Claude/OpenAI credentials are optional alternates.
type LLMConfig struct {
	Provider       string
	DeepSeekAPIKey string
	ClaudeAPIKey   string
	OpenAIAPIKey   string
	Model          string
	MaxToolLoops   int
	Temperature    float64
}

// ExchangeConfig holds OKX demo/live credentials and broker selection.
type ExchangeConfig struct {
	Broker         string // "simulator", "paper", or "live"
	APIKey         string
	SecretKey      string
	Passphrase     string
	DemoMode       bool
	BaseURL        string
	SymbolMap      map[string]string
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// ServerConfig holds HTTP control-plane settings.
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CronTriggerToken string
}

// SchedulerConfig holds both scheduler intervals and the simulation
// persistence path.
type SchedulerConfig struct {
	DecisionIntervalMinutes int
	MarketDataIntervalSecs  int
	MarketDataSymbols       []string
	SimulationStatePath     string
	StartingCash            float64
}

// VaultConfig holds HashiCorp Vault settings for exchange secret
// retrieval. When Address is empty, the exchange client falls back to
// the plain env-var credentials in ExchangeConfig.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// LoggingConfig holds structured-logger settings.
type LoggingConfig struct {
	Level      string
	JSONFormat bool
}

// Load reads AUTOTRADE_* environment variables into a Config. In
// development, a .env file in the working directory is loaded first
// (missing file is not an error); real environment variables always
// take precedence over .env contents.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:             require("AUTOTRADE_DB_URL"),
			MaxConns:        int32(getEnvIntOrDefault("AUTOTRADE_DB_MAX_CONNS", 10)),
			ConnMaxIdleTime: getEnvDurationOrDefault("AUTOTRADE_DB_CONN_MAX_IDLE", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      require("AUTOTRADE_REDIS_URL"),
			PoolSize: getEnvIntOrDefault("AUTOTRADE_REDIS_POOL_SIZE", 10),
		},
		LLM: LLMConfig{
			Provider:       getEnvOrDefault("AUTOTRADE_LLM_PROVIDER", "deepseek"),
			DeepSeekAPIKey: require("AUTOTRADE_DEEPSEEK_API_KEY"),
			ClaudeAPIKey:   getEnvOrDefault("AUTOTRADE_CLAUDE_API_KEY", ""),
			OpenAIAPIKey:   getEnvOrDefault("AUTOTRADE_OPENAI_API_KEY", ""),
			Model:          getEnvOrDefault("AUTOTRADE_LLM_MODEL", "deepseek-chat"),
			MaxToolLoops:   getEnvIntOrDefault("AUTOTRADE_LLM_MAX_TOOL_LOOPS", 6),
			Temperature:    getEnvFloatOrDefault("AUTOTRADE_LLM_TEMPERATURE", 0.2),
		},
		Exchange: ExchangeConfig{
			Broker:      strings.ToLower(getEnvOrDefault("AUTOTRADE_TRADING_BROKER", "simulator")),
			APIKey:      getEnvOrDefault("AUTOTRADE_OKX_API_KEY", ""),
			SecretKey:   getEnvOrDefault("AUTOTRADE_OKX_SECRET_KEY", ""),
			Passphrase:  getEnvOrDefault("AUTOTRADE_OKX_PASSPHRASE", ""),
			DemoMode:    getEnvOrDefault("AUTOTRADE_OKX_DEMO_MODE", "true") == "true",
			BaseURL:     getEnvOrDefault("AUTOTRADE_OKX_BASE_URL", "https://www.okx.com"),
			SymbolMap:   parseSymbolMap(getEnvOrDefault("AUTOTRADE_OKX_SYMBOL_MAP", "")),
			MaxRetries:  getEnvIntOrDefault("AUTOTRADE_EXCHANGE_MAX_RETRIES", 3),
			BaseBackoff: getEnvDurationOrDefault("AUTOTRADE_EXCHANGE_BASE_BACKOFF", 500*time.Millisecond),
			MaxBackoff:  getEnvDurationOrDefault("AUTOTRADE_EXCHANGE_MAX_BACKOFF", 10*time.Second),
		},
		Server: ServerConfig{
			Port:             getEnvIntOrDefault("AUTOTRADE_SERVER_PORT", 8080),
			Host:             getEnvOrDefault("AUTOTRADE_SERVER_HOST", "0.0.0.0"),
			AllowedOrigins:   getEnvOrDefault("AUTOTRADE_SERVER_ALLOWED_ORIGINS", "*"),
			ReadTimeout:      getEnvDurationOrDefault("AUTOTRADE_SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:     getEnvDurationOrDefault("AUTOTRADE_SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:  getEnvDurationOrDefault("AUTOTRADE_SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CronTriggerToken: require("AUTOTRADE_CRON_TRIGGER_TOKEN"),
		},
		Scheduler: SchedulerConfig{
			DecisionIntervalMinutes: getEnvIntOrDefault("AUTOTRADE_DECISION_INTERVAL_MINUTES", 15),
			MarketDataIntervalSecs:  getEnvIntOrDefault("AUTOTRADE_MARKET_DATA_INTERVAL_SECONDS", 30),
			MarketDataSymbols:       parseSymbolList(require("AUTOTRADE_MARKET_DATA_SYMBOLS")),
			SimulationStatePath:     getEnvOrDefault("AUTOTRADE_SIMULATION_STATE_PATH", "simulation_state.json"),
			StartingCash:            getEnvFloatOrDefault("AUTOTRADE_STARTING_CASH", 10000),
		},
		Vault: VaultConfig{
			Enabled:    getEnvOrDefault("AUTOTRADE_VAULT_ADDR", "") != "",
			Address:    getEnvOrDefault("AUTOTRADE_VAULT_ADDR", ""),
			Token:      getEnvOrDefault("AUTOTRADE_VAULT_TOKEN", ""),
			MountPath:  getEnvOrDefault("AUTOTRADE_VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("AUTOTRADE_VAULT_SECRET_PATH", "autotrade/okx"),
		},
		Logging: LoggingConfig{
			Level:      getEnvOrDefault("AUTOTRADE_LOG_LEVEL", "INFO"),
			JSONFormat: getEnvOrDefault("AUTOTRADE_LOG_JSON", "true") == "true",
		},
	}

	if cfg.Exchange.Broker != "simulator" && cfg.Exchange.Broker != "paper" && cfg.Exchange.Broker != "live" {
		missing = append(missing, "AUTOTRADE_TRADING_BROKER (must be simulator, paper, or live)")
	}

	if len(missing) > 0 {
		return nil, errkind.New(errkind.ConfigError, "config.Load", "missing or invalid required variables: "+strings.Join(missing, ", "))
	}

	return cfg, nil
}

func parseSymbolList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSymbolMap parses "BTCUSDT:BTC-USDT-SWAP,ETHUSDT:ETH-USDT-SWAP"
// into a lookup map. An empty map signals the dash-splitting fallback
// should be used instead.
func parseSymbolMap(raw string) map[string]string {
	m := make(map[string]string)
	if raw == "" {
		return m
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			m[strings.ToUpper(kv[0])] = kv[1]
		}
	}
	return m
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
