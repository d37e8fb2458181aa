package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "postgres://localhost/ledger?sslmode=disable")
		t.Setenv("LEDGER_ADMIN_CODE", "1234")

		cfg, err := load(viper.New())
		require.NoError(t, err)

		assert.Equal(t, "community-economy-ledger", cfg.App.Name)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.Equal(t, int64(100), cfg.Ledger.InitialBalance)
		assert.Equal(t, "%length% * 3", cfg.Ledger.RewardFormula)
		assert.Equal(t, int64(100), cfg.Ledger.DailyMinAmount)
		assert.Equal(t, int64(1000), cfg.Ledger.DailyMaxAmount)
		assert.Equal(t, 24*time.Hour, cfg.Ledger.DailyCooldown)
		assert.Equal(t, 10, cfg.Ledger.LeaderboardLimit)
		assert.False(t, cfg.Kafka.Enabled)
		assert.Equal(t, "balance_changed", cfg.Kafka.Topic)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "postgres://db/ledger")
		t.Setenv("LEDGER_ADMIN_CODE", "s3cret")
		t.Setenv("LEDGER_LEDGER_INITIAL_BALANCE", "250")
		t.Setenv("LEDGER_LEDGER_REWARD_FORMULA", "%length% / 2")
		t.Setenv("LEDGER_LEDGER_DAILY_COOLDOWN", "12h")
		t.Setenv("LEDGER_LOG_LEVEL", "debug")

		cfg, err := load(viper.New())
		require.NoError(t, err)

		assert.Equal(t, int64(250), cfg.Ledger.InitialBalance)
		assert.Equal(t, "%length% / 2", cfg.Ledger.RewardFormula)
		assert.Equal(t, 12*time.Hour, cfg.Ledger.DailyCooldown)
		assert.Equal(t, "s3cret", cfg.Admin.Code)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("requires database url and admin code", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "")
		t.Setenv("LEDGER_ADMIN_CODE", "")

		_, err := load(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url is required")
		assert.Contains(t, err.Error(), "admin.code is required")
	})

	t.Run("rejects inverted daily bounds", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "postgres://db/ledger")
		t.Setenv("LEDGER_ADMIN_CODE", "1234")
		t.Setenv("LEDGER_LEDGER_DAILY_MIN_AMOUNT", "500")
		t.Setenv("LEDGER_LEDGER_DAILY_MAX_AMOUNT", "50")

		_, err := load(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds ledger.daily_max_amount")
	})

	t.Run("rejects a daily range spanning all of int64", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "postgres://db/ledger")
		t.Setenv("LEDGER_ADMIN_CODE", "1234")
		t.Setenv("LEDGER_LEDGER_DAILY_MIN_AMOUNT", "0")
		t.Setenv("LEDGER_LEDGER_DAILY_MAX_AMOUNT", "9223372036854775807")

		_, err := load(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger.daily_max_amount - ledger.daily_min_amount")
	})

	t.Run("splits comma separated brokers", func(t *testing.T) {
		t.Setenv("LEDGER_DATABASE_URL", "postgres://db/ledger")
		t.Setenv("LEDGER_ADMIN_CODE", "1234")
		t.Setenv("LEDGER_KAFKA_ENABLED", "true")
		t.Setenv("LEDGER_KAFKA_BROKERS", "kafka-a:9092, kafka-b:9092,")

		cfg, err := load(viper.New())
		require.NoError(t, err)
		assert.True(t, cfg.Kafka.Enabled)
		assert.Equal(t, []string{"kafka-a:9092", "kafka-b:9092"}, cfg.Kafka.Brokers)
	})
}
