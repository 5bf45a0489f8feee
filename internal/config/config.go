package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mailflow/internal/domain"
)

// Config holds typed configuration for the mailflow server.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	Store       string
	DBPath      string
	PostgresDSN string

	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string

	MinWorkers     int
	MaxWorkers     int
	ScaleThreshold int
	CheckInterval  time.Duration
	PollInterval   time.Duration
	JobTimeout     time.Duration
	LeaseTimeout   time.Duration
	ReapInterval   time.Duration
	ScheduleTick   time.Duration

	MaxAttempts   int
	BackoffDelay  time.Duration
	RetentionKeep int

	Transport     string
	SMTPHost      string
	SMTPPort      int
	SMTPFrom      string
	SMTPUsername  string
	SMTPPassword  string
	SMTPRateLimit int
	RelayURL      string
	TemplateDir   string

	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		Addr:      v.GetString("addr"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		Store:       v.GetString("store"),
		DBPath:      v.GetString("db_path"),
		PostgresDSN: v.GetString("postgres_dsn"),

		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		KafkaTopic:   v.GetString("kafka_topic"),

		MinWorkers:     v.GetInt("min_workers"),
		MaxWorkers:     v.GetInt("max_workers"),
		ScaleThreshold: v.GetInt("scale_threshold"),
		CheckInterval:  v.GetDuration("check_interval"),
		PollInterval:   v.GetDuration("poll_interval"),
		JobTimeout:     v.GetDuration("job_timeout"),
		LeaseTimeout:   v.GetDuration("lease_timeout"),
		ReapInterval:   v.GetDuration("reap_interval"),
		ScheduleTick:   v.GetDuration("schedule_tick"),

		MaxAttempts:   v.GetInt("max_attempts"),
		BackoffDelay:  v.GetDuration("backoff_delay"),
		RetentionKeep: v.GetInt("retention_keep"),

		Transport:     v.GetString("transport"),
		SMTPHost:      v.GetString("smtp_host"),
		SMTPPort:      v.GetInt("smtp_port"),
		SMTPFrom:      v.GetString("smtp_from"),
		SMTPUsername:  v.GetString("smtp_username"),
		SMTPPassword:  v.GetString("smtp_password"),
		SMTPRateLimit: v.GetInt("smtp_rate_limit"),
		RelayURL:      v.GetString("relay_url"),
		TemplateDir:   v.GetString("template_dir"),

		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}

// Validate rejects combinations the server cannot run safely with.
func (c Config) Validate() error {
	if c.JobTimeout > 0 && c.LeaseTimeout <= c.JobTimeout {
		return &domain.ValidationError{
			Field:  "lease_timeout",
			Reason: fmt.Sprintf("must exceed job_timeout (%s), otherwise running jobs are reclaimed", c.JobTimeout),
		}
	}
	if c.ScheduleTick <= 0 {
		return &domain.ValidationError{Field: "schedule_tick", Reason: "must be positive"}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
