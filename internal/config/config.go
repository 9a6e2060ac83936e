package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	CRM        CRMConfig        `mapstructure:"crm"`
	TokenCache TokenCacheConfig `mapstructure:"token_cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Cron       CronConfig       `mapstructure:"cron"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// CRMConfig points at the vendor API. BaseURL is the default host; a
// connection with its own region URL overrides it per tenant.
type CRMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AuthorizePath  string        `mapstructure:"authorize_path"`
	DatabaseHeader string        `mapstructure:"database_header"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAuthRetries int           `mapstructure:"max_auth_retries"`
}

type TokenCacheConfig struct {
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
	DBBuffer         time.Duration `mapstructure:"db_buffer"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
}

type RateLimitConfig struct {
	Window     time.Duration `mapstructure:"window"`
	MaxCalls   int           `mapstructure:"max_calls"`
	MinSpacing time.Duration `mapstructure:"min_spacing"`
}

type SyncConfig struct {
	ProductFetchBatchSize int           `mapstructure:"product_fetch_batch_size"`
	ProductFetchBatchWait time.Duration `mapstructure:"product_fetch_batch_wait"`
}

type BatchConfig struct {
	InterTenantDelay time.Duration `mapstructure:"inter_tenant_delay"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BatchSync string `mapstructure:"batch_sync"`
}

type SecretsConfig struct {
	Key string `mapstructure:"key"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("crm.base_url", "https://api.crm.example.com")
	v.SetDefault("crm.authorize_path", "/authorize")
	v.SetDefault("crm.database_header", "X-CRM-Database")
	v.SetDefault("crm.timeout", "30s")
	v.SetDefault("crm.max_auth_retries", 2)
	v.SetDefault("token_cache.refresh_threshold", "50m")
	v.SetDefault("token_cache.db_buffer", "10m")
	v.SetDefault("token_cache.default_ttl", "1h")
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.max_calls", 100)
	v.SetDefault("rate_limit.min_spacing", "100ms")
	v.SetDefault("sync.product_fetch_batch_size", 5)
	v.SetDefault("sync.product_fetch_batch_wait", "500ms")
	v.SetDefault("batch.inter_tenant_delay", "2s")
	v.SetDefault("batch.sync_interval", "6h")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.batch_sync", "@every 15m")
	v.SetDefault("secrets.key", "")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
