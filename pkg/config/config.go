package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Ledger configuration
	Chain ChainConfig `mapstructure:"chain"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis"`

	// Saga tuning
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`

	// Registration policy
	Registration RegistrationConfig `mapstructure:"registration"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// RateLimit is requests per minute per caller; 0 disables limiting
	RateLimit int `mapstructure:"rate_limit"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is believed
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	// SignatureWindow bounds the clock skew of a signed request
	SignatureWindow time.Duration `mapstructure:"signature_window"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "memory"
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// ChainConfig holds ledger configuration
type ChainConfig struct {
	// Backend is "evm" for a JSON-RPC node or "devchain" for the embedded ledger
	Backend         string        `mapstructure:"backend"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	ChainID         int64         `mapstructure:"chain_id"`
	AdminKey        string        `mapstructure:"admin_key"`
	SignerKeys      []string      `mapstructure:"signer_keys"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	DataDir         string        `mapstructure:"data_dir"`

	// AdminAddress seeds the devchain genesis; defaults to the admin key's address
	AdminAddress string `mapstructure:"admin_address"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// CoordinatorConfig tunes the store half of each saga
type CoordinatorConfig struct {
	StoreRetryAttempts int           `mapstructure:"store_retry_attempts"`
	StoreRetryBackoff  time.Duration `mapstructure:"store_retry_backoff"`
}

// RegistrationConfig holds entity registration policy
type RegistrationConfig struct {
	RequireWalletProof bool `mapstructure:"require_wallet_proof"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds tracing configuration. Spans are written to stdout
// when enabled.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Environment  string  `mapstructure:"environment"`
}

// Load loads configuration from environment variables and config files.
// An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mediplus")
	}

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix("MEDIPLUS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3400)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 90)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.signature_window", 5*time.Minute)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mediplus")
	v.SetDefault("database.user", "mediplus")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", true)

	// Chain defaults
	v.SetDefault("chain.backend", "devchain")
	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.chain_id", 1337)
	v.SetDefault("chain.confirm_timeout", 60*time.Second)
	v.SetDefault("chain.data_dir", "./data/devchain")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.lock_ttl", 2*time.Minute)

	// Coordinator defaults
	v.SetDefault("coordinator.store_retry_attempts", 3)
	v.SetDefault("coordinator.store_retry_backoff", 200*time.Millisecond)

	v.SetDefault("registration.require_wallet_proof", false)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if adminKey := os.Getenv("ADMIN_PRIVATE_KEY"); adminKey != "" {
		config.Chain.AdminKey = adminKey
	}

	if rpcURL := os.Getenv("CHAIN_RPC_URL"); rpcURL != "" {
		config.Chain.RPCURL = rpcURL
	}

	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.SignatureWindow <= 0 {
		return fmt.Errorf("server signature_window must be positive")
	}
	for _, proxy := range config.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid trusted proxy: %q", proxy)
		}
	}

	switch config.Database.Driver {
	case "postgres":
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver: %q", config.Database.Driver)
	}

	switch config.Chain.Backend {
	case "evm":
		if config.Chain.RPCURL == "" {
			return fmt.Errorf("chain rpc_url is required for the evm backend")
		}
		if config.Chain.ContractAddress == "" {
			return fmt.Errorf("chain contract_address is required for the evm backend")
		}
	case "devchain":
		if config.Chain.AdminKey == "" && config.Chain.AdminAddress == "" {
			return fmt.Errorf("devchain requires admin_key or admin_address")
		}
	default:
		return fmt.Errorf("unknown chain backend: %q", config.Chain.Backend)
	}

	if config.Chain.ConfirmTimeout <= 0 {
		return fmt.Errorf("chain confirm_timeout must be positive")
	}

	if config.Coordinator.StoreRetryAttempts < 1 {
		return fmt.Errorf("coordinator store_retry_attempts must be at least 1")
	}

	if config.Tracing.SamplingRate < 0 || config.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate must be between 0 and 1")
	}

	return nil
}
