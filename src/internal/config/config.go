package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port              string
	DatabaseURL       string
	MigrationsDir     string
	Environment       string
	LogLevel          string
	ExpiryCron        string
	CloseExpiredForce bool
	RateLimitRPS      int
	RateLimitBurst    int
	DBConnectAttempts int
}

// Load reads configuration from the environment, after loading .env if one exists.
// Variables already set in the environment win over .env.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		Port:          getenv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		Environment:   strings.ToLower(getenv("ENVIRONMENT", "production")),
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		ExpiryCron:    getenv("EXPIRY_CRON", "0 1 * * *"),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	var err error
	if cfg.CloseExpiredForce, err = getBool("CLOSE_EXPIRED_FORCE", true); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = getInt("RATE_LIMIT_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 100); err != nil {
		return nil, err
	}
	if cfg.DBConnectAttempts, err = getInt("DB_CONNECT_ATTEMPTS", 15); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) IsDevelopment() bool { return c.Environment == "development" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
