package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseDriver string
	DatabaseURL    string
	RedisAddr      string
	SigningKeyPath string
	SigningKeyID   string
	OTLPEndpoint   string
	// LimitProfilesDir holds profile_<code>.yaml presets. Empty disables
	// profile application through the API.
	LimitProfilesDir string
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		switch driver {
		case "postgres":
			dbURL = "postgres://agentauth@localhost:5432/agentauth?sslmode=disable"
		default:
			dbURL = "agentauth.db"
		}
	}

	keyID := os.Getenv("SIGNING_KEY_ID")
	if keyID == "" {
		keyID = "agentauth-1"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseDriver:   driver,
		DatabaseURL:      dbURL,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		SigningKeyPath:   os.Getenv("SIGNING_KEY_PATH"),
		SigningKeyID:     keyID,
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LimitProfilesDir: os.Getenv("LIMIT_PROFILES_DIR"),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 100),
	}
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
