package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"safety-core/internal/safety"
)

// Config holds environment-driven settings for the safety engine.
type Config struct {
	Port string

	// Market data
	Symbols     []string
	UseMockFeed bool

	// Paper execution
	PaperInitialPrice float64
	PaperSlippageBps  float64 // slippage applied on fills (bps)
	PaperLatencyMinMs int     // simulated venue latency lower bound
	PaperLatencyMaxMs int     // simulated venue latency upper bound

	// Database
	DBPath string

	// Monitor
	AutoStartMonitor bool

	// Safety limits (defaults, optionally overridden by a YAML file)
	Limits     safety.Limits
	LimitsPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config, then
// applies YAML limit overrides when SAFETY_LIMITS_PATH points at a file.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/safety.db")
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:       getEnv("USE_MOCK_FEED", "true") == "true",
		PaperInitialPrice: getEnvFloat("PAPER_INITIAL_PRICE", 50000.0),
		PaperSlippageBps:  getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMinMs: getEnvInt("PAPER_LATENCY_MIN_MS", 0),
		PaperLatencyMaxMs: getEnvInt("PAPER_LATENCY_MAX_MS", 0),
		DBPath:            dbPath,
		AutoStartMonitor:  getEnv("AUTO_START_MONITOR", "true") == "true",
		Limits:            safety.DefaultLimits(),
		LimitsPath:        getEnv("SAFETY_LIMITS_PATH", ""),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
	}

	if cfg.LimitsPath != "" {
		if err := loadLimitsFile(cfg.LimitsPath, &cfg.Limits); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadLimitsFile overlays YAML values onto the defaults already in limits.
func loadLimitsFile(path string, limits *safety.Limits) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read safety limits %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, limits); err != nil {
		return fmt.Errorf("parse safety limits %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
