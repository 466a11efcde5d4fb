// Package config loads BaseSync's configuration from environment variables
// and an optional YAML file via viper, following the retrieval pack's
// alert-history service convention of one typed Config struct with nested
// sections and sane defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object loaded at process startup.
type Config struct {
	Env      string         `mapstructure:"env"`
	HTTPAddr string         `mapstructure:"http_addr"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	SourceA  OAuthAppConfig `mapstructure:"source_a"`
	SourceB  OAuthAppConfig `mapstructure:"source_b"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Plans    PlansConfig    `mapstructure:"plans"`
}

// DatabaseConfig configures the Postgres connection pool, mirroring the
// internal/db.Open parameters.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig configures the distributed-lease fast path used by the
// scheduler (internal/scheduler.LeaseManager).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures zerolog output and, whenever File is set, lumberjack
// file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// JWTConfig configures control-plane operator authentication, adapted from
// internal/auth.JWTCfg.
type JWTConfig struct {
	HS256Secret       string   `mapstructure:"hs256_secret"`
	DevMode           bool     `mapstructure:"dev_mode"`
	Issuer            string   `mapstructure:"issuer"`
	JWKSURL           string   `mapstructure:"jwks_url"`
	Audience          string   `mapstructure:"audience"`
	AcceptedAudiences []string `mapstructure:"accepted_audiences"`
}

// CryptoConfig holds the process-wide credential-encryption key.
type CryptoConfig struct {
	EncryptionKeyHex string `mapstructure:"encryption_key_hex"`
}

// OAuthAppConfig is the registered OAuth application BaseSync uses toward
// Source A or Source B (token storage/refresh only; the authorization-code
// dance itself is an external collaborator).
type OAuthAppConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
}

// SyncConfig holds engine-wide tunables configuration
// surface.
type SyncConfig struct {
	CronExpression   string        `mapstructure:"cron_expression"`
	MaxRetries       int           `mapstructure:"max_retries"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	RunDeadline      time.Duration `mapstructure:"run_deadline"`
	IDColumnIndex    int           `mapstructure:"id_column_index"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
	SchedulerWorkers int           `mapstructure:"scheduler_workers"`
	RunLockStaleAfter time.Duration `mapstructure:"run_lock_stale_after"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
}

// PlanLimits describes the per-plan tier limits
type PlanLimits struct {
	MonthlyRecordLimit int           // 0 means unlimited
	MaxSyncConfigs     int
	MinSyncInterval    time.Duration
}

// PlansConfig holds the three recognized plan tiers.
type PlansConfig struct {
	Starter  PlanLimits
	Pro      PlanLimits
	Business PlanLimits
}

func defaultPlans() PlansConfig {
	return PlansConfig{
		Starter:  PlanLimits{MonthlyRecordLimit: 1000, MaxSyncConfigs: 1, MinSyncInterval: 15 * time.Minute},
		Pro:      PlanLimits{MonthlyRecordLimit: 5000, MaxSyncConfigs: 3, MinSyncInterval: 5 * time.Minute},
		Business: PlanLimits{MonthlyRecordLimit: 0, MaxSyncConfigs: 10, MinSyncInterval: 5 * time.Minute},
	}
}

// Load reads configuration from environment variables (prefix BASESYNC_)
// and, if present, a YAML file at configPath, applying defaults for every
// field the design specifies a default for.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("basesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "production")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("sync.cron_expression", "*/5 * * * *")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.call_timeout", 30*time.Second)
	v.SetDefault("sync.run_deadline", 10*time.Minute)
	v.SetDefault("sync.id_column_index", 26)
	v.SetDefault("sync.batch_concurrency", 4)
	v.SetDefault("sync.scheduler_workers", 16)
	v.SetDefault("sync.run_lock_stale_after", 5*time.Minute)
	v.SetDefault("sync.lease_ttl", 90*time.Second)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Plans = defaultPlans()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the mandatory fields called out in the design.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.Crypto.EncryptionKeyHex) != 64 {
		return fmt.Errorf("crypto.encryption_key_hex must be 32 bytes hex-encoded (64 hex characters), got %d characters", len(c.Crypto.EncryptionKeyHex))
	}
	if (c.JWT.JWKSURL != "") != (c.JWT.Issuer != "") {
		return fmt.Errorf("jwt.jwks_url and jwt.issuer must both be set or both be empty")
	}
	if !c.JWT.DevMode && (c.JWT.HS256Secret == "" || c.JWT.HS256Secret == "dev-secret-change-in-production") {
		return fmt.Errorf("jwt.hs256_secret must be set to a strong value outside dev mode")
	}
	return nil
}

// Limits returns the PlanLimits for a named plan tier, defaulting to
// Starter for an unrecognized or empty tier.
func (p PlansConfig) Limits(plan string) PlanLimits {
	switch strings.ToLower(plan) {
	case "pro":
		return p.Pro
	case "business":
		return p.Business
	default:
		return p.Starter
	}
}
