package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/config"
	"mailflow/internal/domain"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("addr", ":9000")
	v.Set("store", "postgres")
	v.Set("kafka_brokers", "k1:9092, k2:9092,")
	v.Set("min_workers", 1)
	v.Set("max_workers", 4)
	v.Set("job_timeout", "90s")
	v.Set("smtp_port", 2525)

	cfg := config.Load(v)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1, cfg.MinWorkers)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, 2525, cfg.SMTPPort)
}

func TestLoad_EmptyBrokers(t *testing.T) {
	cfg := config.Load(viper.New())
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Zero(t, cfg.MaxWorkers)
}

func TestValidate(t *testing.T) {
	ok := config.Config{JobTimeout: 5 * time.Minute, LeaseTimeout: 10 * time.Minute, ScheduleTick: 30 * time.Second}
	require.NoError(t, ok.Validate())

	var ve *domain.ValidationError
	for name, lease := range map[string]time.Duration{"equal": 5 * time.Minute, "shorter": time.Minute} {
		cfg := ok
		cfg.LeaseTimeout = lease
		err := cfg.Validate()
		require.ErrorAs(t, err, &ve, name)
		assert.Equal(t, "lease_timeout", ve.Field)
	}

	cfg := ok
	cfg.ScheduleTick = 0
	require.ErrorAs(t, cfg.Validate(), &ve)
	assert.Equal(t, "schedule_tick", ve.Field)
}
