package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	AutoHoldGrace     time.Duration
	AutoHoldInterval  time.Duration
	AutoHoldBatchSize int

	RateLimitPerMinute           int
	RateLimitBurst               int
	DepartmentRateLimitPerMinute int
	DepartmentRateLimitBurst     int

	RelayPort          string
	RelayPollInterval  time.Duration
	RelayPollBatchSize int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	relayPort := os.Getenv("RELAY_PORT")
	if relayPort == "" {
		relayPort = "8090"
	}

	return Config{
		Port:                         port,
		DatabaseURL:                  os.Getenv("DB_DSN"),
		AutoHoldGrace:                readDurationSeconds("AUTO_HOLD_GRACE_SECONDS", 300),
		AutoHoldInterval:             readDurationSeconds("AUTO_HOLD_SCAN_INTERVAL_SECONDS", 30),
		AutoHoldBatchSize:            readInt("AUTO_HOLD_BATCH_SIZE", 100),
		RateLimitPerMinute:           readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:               readInt("RATE_LIMIT_BURST", 30),
		DepartmentRateLimitPerMinute: readInt("DEPARTMENT_RATE_LIMIT_PER_MIN", 600),
		DepartmentRateLimitBurst:     readInt("DEPARTMENT_RATE_LIMIT_BURST", 120),
		RelayPort:                    relayPort,
		RelayPollInterval:            readDurationSeconds("RELAY_POLL_INTERVAL_SECONDS", 1),
		RelayPollBatchSize:           readInt("RELAY_POLL_BATCH_SIZE", 200),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
