package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"poolwatch/internal/logging"
)

// Well-known Solana stablecoin mints used as the default quote set.
const (
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Hub      HubConfig      `mapstructure:"hub"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// MonitorConfig governs the price watch loop.
type MonitorConfig struct {
	PoolAddress     string   `mapstructure:"pool_address"`
	CheckIntervalMs int64    `mapstructure:"check_interval_ms"`
	AlignToInterval bool     `mapstructure:"align_to_interval"`
	QuoteMints      []string `mapstructure:"quote_mints"`
	AdvisoryLockKey int64    `mapstructure:"advisory_lock_key"`
	NotifyOnArm     bool     `mapstructure:"notify_on_arm"`
}

// CheckInterval converts the millisecond setting into a duration.
func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalMs) * time.Millisecond
}

// SolanaConfig covers on-chain pool access.
type SolanaConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken           string        `mapstructure:"bot_token"`
	ChatID             string        `mapstructure:"chat_id"`
	APIBase            string        `mapstructure:"api_base"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PlaceholderMarkers []string      `mapstructure:"placeholder_markers"`
}

// RedisConfig locates the remote configuration document and its change channel.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	ConfigKey   string `mapstructure:"config_key"`
	Channel     string `mapstructure:"channel"`
	AuditStream string `mapstructure:"audit_stream"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the audit trail.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HubConfig tunes the realtime fan-out server.
type HubConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("POOLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "poolwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Keys without defaults are not bound to the environment by AutomaticEnv
	// during Unmarshal, so every key gets one.
	v.SetDefault("monitor.pool_address", "")
	v.SetDefault("monitor.check_interval_ms", int64(60000))
	v.SetDefault("monitor.align_to_interval", false)
	v.SetDefault("monitor.quote_mints", []string{USDCMint, USDTMint})
	v.SetDefault("monitor.advisory_lock_key", int64(0x706f6f6c))
	v.SetDefault("monitor.notify_on_arm", true)

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.request_timeout", "10s")

	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.telegram.placeholder_markers", []string{"demo", "placeholder", "your_bot_token"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.config_key", "poolwatch:config")
	v.SetDefault("redis.channel", "poolwatch:config:events")
	v.SetDefault("redis.audit_stream", "poolwatch:alerts")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("hub.listen_addr", ":8080")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.write_timeout", "10s")
	v.SetDefault("hub.ping_interval", "30s")
	v.SetDefault("hub.allowed_origins", []string{})

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.CheckIntervalMs < 0 {
		return fmt.Errorf("monitor.check_interval_ms cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be greater than zero")
	}
	return nil
}

// RequireMonitor checks the values the run command cannot start without.
// There is no safe degraded mode for not knowing what to watch.
func (c *Config) RequireMonitor() error {
	var missing []string
	if strings.TrimSpace(c.Monitor.PoolAddress) == "" {
		missing = append(missing, "monitor.pool_address")
	}
	if c.Monitor.CheckIntervalMs <= 0 {
		missing = append(missing, "monitor.check_interval_ms")
	}
	if strings.TrimSpace(c.Solana.RPCURL) == "" {
		missing = append(missing, "solana.rpc_url")
	}
	if strings.TrimSpace(c.Alerting.Telegram.BotToken) == "" {
		missing = append(missing, "alerting.telegram.bot_token")
	}
	if strings.TrimSpace(c.Alerting.Telegram.ChatID) == "" {
		missing = append(missing, "alerting.telegram.chat_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
