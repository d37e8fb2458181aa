package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Ledger   LedgerConfig
	Admin    AdminConfig
	Kafka    KafkaConfig
	Log      LogConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig sizes the Postgres connection pool
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxTxRetries    int
}

// LedgerConfig holds the economy parameters
type LedgerConfig struct {
	InitialBalance   int64
	RewardFormula    string
	DailyMinAmount   int64
	DailyMaxAmount   int64
	DailyCooldown    time.Duration
	LeaderboardLimit int
}

type AdminConfig struct {
	Code string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Load reads configuration.
// Priority (highest to lowest):
// 1. Environment variables with LEDGER_ prefix (e.g., LEDGER_DATABASE_URL)
// 2. .env file in the working directory
// 3. config.toml
// 4. Built-in defaults
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/community-economy-ledger")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			MaxTxRetries:    v.GetInt("database.max_tx_retries"),
		},
		Ledger: LedgerConfig{
			InitialBalance:   v.GetInt64("ledger.initial_balance"),
			RewardFormula:    v.GetString("ledger.reward_formula"),
			DailyMinAmount:   v.GetInt64("ledger.daily_min_amount"),
			DailyMaxAmount:   v.GetInt64("ledger.daily_max_amount"),
			DailyCooldown:    v.GetDuration("ledger.daily_cooldown"),
			LeaderboardLimit: v.GetInt("ledger.leaderboard_limit"),
		},
		Admin: AdminConfig{
			Code: v.GetString("admin.code"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "community-economy-ledger")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.max_tx_retries", 3)

	v.SetDefault("ledger.initial_balance", 100)
	v.SetDefault("ledger.reward_formula", "%length% * 3")
	v.SetDefault("ledger.daily_min_amount", 100)
	v.SetDefault("ledger.daily_max_amount", 1000)
	v.SetDefault("ledger.daily_cooldown", 24*time.Hour)
	v.SetDefault("ledger.leaderboard_limit", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "balance_changed")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// splitList accepts both a TOML array and a comma separated env value such as
// LEDGER_KAFKA_BROKERS=a:9092,b:9092.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Database.MaxTxRetries < 0 {
		errs = append(errs, errors.New("database.max_tx_retries must not be negative"))
	}
	if c.Admin.Code == "" {
		errs = append(errs, errors.New("admin.code is required"))
	}
	if c.Ledger.InitialBalance < 0 {
		errs = append(errs, errors.New("ledger.initial_balance must not be negative"))
	}
	if c.Ledger.DailyMinAmount < 0 {
		errs = append(errs, errors.New("ledger.daily_min_amount must not be negative"))
	}
	if c.Ledger.DailyMinAmount > c.Ledger.DailyMaxAmount {
		errs = append(errs, fmt.Errorf("ledger.daily_min_amount (%d) exceeds ledger.daily_max_amount (%d)",
			c.Ledger.DailyMinAmount, c.Ledger.DailyMaxAmount))
	}
	if c.Ledger.DailyMinAmount >= 0 && c.Ledger.DailyMaxAmount-c.Ledger.DailyMinAmount >= math.MaxInt64 {
		errs = append(errs, errors.New("ledger.daily_max_amount - ledger.daily_min_amount must be below the int64 maximum"))
	}
	if c.Ledger.DailyCooldown <= 0 {
		errs = append(errs, errors.New("ledger.daily_cooldown must be positive"))
	}
	if c.Ledger.LeaderboardLimit <= 0 {
		errs = append(errs, errors.New("ledger.leaderboard_limit must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
