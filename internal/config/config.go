package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env                 string
	Port                string
	LogLevel            string
	DatabaseURL         string // postgres URL, or "sqlite:<path>" for local runs
	RedisURL            string
	FrontendURLEndsWith string
	DevPassword         string
	HealthAdminKey      string

	MaxIDAttempts          int           // identifier arbiter probe bound
	MaxDesignationAttempts int           // designation candidate bound per node
	LockTimeout            time.Duration // upper bound of one structural mutation
	EventsQueueKey         string        // Redis list holding post-commit audit events
}

const (
	defaultMaxIDAttempts          = 1000
	defaultMaxDesignationAttempts = 500
	defaultLockTimeout            = 30 * time.Second
	defaultEventsQueueKey         = "estimate:events"
)

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MAX_ID_ATTEMPTS", defaultMaxIDAttempts)
	viper.SetDefault("MAX_DESIGNATION_ATTEMPTS", defaultMaxDesignationAttempts)
	viper.SetDefault("LOCK_TIMEOUT", defaultLockTimeout)
	viper.SetDefault("EVENTS_QUEUE_KEY", defaultEventsQueueKey)

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	dbURL := viper.GetString("DATABASE_URL_DEV")
	if env == "production" {
		dbURL = viper.GetString("DATABASE_URL_PROD")
	} else if env == "test" {
		dbURL = viper.GetString("DATABASE_URL_TEST")
	}
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	return &Config{
		Env:                    env,
		Port:                   viper.GetString("PORT"),
		LogLevel:               viper.GetString("LOG_LEVEL"),
		DatabaseURL:            dbURL,
		RedisURL:               viper.GetString("REDIS_URL"),
		FrontendURLEndsWith:    viper.GetString("FRONTEND_URL_ENDS_WITH"),
		DevPassword:            viper.GetString("DEV_PASSWORD"),
		HealthAdminKey:         viper.GetString("HEALTH_ADMIN_KEY"),
		MaxIDAttempts:          positiveOr(viper.GetInt("MAX_ID_ATTEMPTS"), defaultMaxIDAttempts),
		MaxDesignationAttempts: positiveOr(viper.GetInt("MAX_DESIGNATION_ATTEMPTS"), defaultMaxDesignationAttempts),
		LockTimeout:            viper.GetDuration("LOCK_TIMEOUT"),
		EventsQueueKey:         viper.GetString("EVENTS_QUEUE_KEY"),
	}, nil
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
