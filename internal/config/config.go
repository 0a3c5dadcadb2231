package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Settings holds every runtime option, loaded from environment
// variables with safe defaults for everything that is not a credential.
type Settings struct {
	Port        string
	DatabaseURL string

	// Explorer API
	EtherscanAPIKey     string
	EtherscanBaseURL    string
	EtherscanTimeout    time.Duration
	EtherscanRetryCount int
	EtherscanRetryDelay time.Duration
	CacheTTL            time.Duration

	// Engine budgets
	MaxDepth               int
	MaxAPICalls            int
	MaxTransactionsPerNode int
	MaxNodes               int
	WallDeadline           time.Duration

	// Filter thresholds
	MinTransactionValueETH float64

	// Reserved time-bucket prioritization. Parsed but not consumed by
	// the filter pipeline yet.
	HighPriorityHours   int
	MediumPriorityHours int
	LowPriorityDays     int

	// Controller
	MinJobInterval time.Duration
}

// Limits are the per-job engine budgets carved out of Settings.
type Limits struct {
	MaxDepth               int
	MaxAPICalls            int
	MaxTransactionsPerNode int
	MaxNodes               int
	WallDeadline           time.Duration
	MinTransactionValueETH float64
}

// Load reads settings from the environment. Credentials have no
// defaults; everything else falls back to the documented default.
func Load() Settings {
	return Settings{
		Port:        GetEnvOrDefault("PORT", "5340"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		EtherscanAPIKey:     os.Getenv("ETHERSCAN_API_KEY"),
		EtherscanBaseURL:    GetEnvOrDefault("ETHERSCAN_BASE_URL", "https://api.etherscan.io/api"),
		EtherscanTimeout:    envDuration("ETHERSCAN_TIMEOUT_SECONDS", 30*time.Second),
		EtherscanRetryCount: envInt("ETHERSCAN_RETRY_ATTEMPTS", 3),
		EtherscanRetryDelay: envDuration("ETHERSCAN_RETRY_DELAY_SECONDS", 1*time.Second),
		CacheTTL:            envDuration("CACHE_TTL_SECONDS", 600*time.Second),

		MaxDepth:               envInt("MAX_DEPTH", 8),
		MaxAPICalls:            envInt("MAX_API_CALLS", 25),
		MaxTransactionsPerNode: envInt("MAX_TRANSACTIONS_PER_NODE", 5),
		MaxNodes:               envInt("MAX_NODES", 500),
		WallDeadline:           envDuration("WALL_DEADLINE_SECONDS", 30*time.Second),

		MinTransactionValueETH: envFloat("MIN_TRANSACTION_VALUE", 0.05),

		HighPriorityHours:   envInt("HIGH_PRIORITY_HOURS", 6),
		MediumPriorityHours: envInt("MEDIUM_PRIORITY_HOURS", 72),
		LowPriorityDays:     envInt("LOW_PRIORITY_DAYS", 30),

		MinJobInterval: envDuration("MIN_JOB_INTERVAL_SECONDS", 1*time.Second),
	}
}

// Limits extracts the engine budgets.
func (s Settings) Limits() Limits {
	return Limits{
		MaxDepth:               s.MaxDepth,
		MaxAPICalls:            s.MaxAPICalls,
		MaxTransactionsPerNode: s.MaxTransactionsPerNode,
		MaxNodes:               s.MaxNodes,
		WallDeadline:           s.WallDeadline,
		MinTransactionValueETH: s.MinTransactionValueETH,
	}
}

// RequireEnv reads a required environment variable and exits if it is
// not set. This prevents the binary from starting with missing critical
// configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// GetEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func GetEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("Warning: invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("Warning: invalid number for %s, using default %g", key, fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
		log.Printf("Warning: invalid duration for %s, using default %s", key, fallback)
	}
	return fallback
}
