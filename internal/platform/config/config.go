package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. FromEnv keeps main lean; every
// knob has a development default so the service boots with no environment.
type Config struct {
	Addr          string
	JWTSigningKey string

	PostgresURL string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	Ledger LedgerConfig
	Sync   SyncConfig
	Score  ScoreConfig
}

// LedgerConfig holds per-network endpoints and the shared retry policy for
// adapter calls.
type LedgerConfig struct {
	EthereumRPCURL   string
	PolygonRPCURL    string
	FabricGatewayURL string

	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// SyncConfig controls the background reconciliation loop.
type SyncConfig struct {
	Interval    time.Duration
	Jitter      time.Duration
	Concurrency int
	// MaxRetries bounds poll attempts per record before it is marked failed.
	MaxRetries int
}

// ScoreConfig is the verification score weighting surface. The formula is
// fixed; only coefficients are tunable. Weights should sum to 1 so the score
// stays in [0,1].
type ScoreConfig struct {
	DepthWeight     float64
	CountWeight     float64
	TrustWeight     float64
	DepthSaturation time.Duration
	// NetworkTrust maps network name to a base trust factor in [0,1].
	NetworkTrust map[string]float64
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Addr:          getEnv("ATTESTOR_ADDR", ":8080"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_AUDIT_TOPIC", "attestor.anchor.events"),
		Ledger: LedgerConfig{
			EthereumRPCURL:   os.Getenv("ETHEREUM_RPC_URL"),
			PolygonRPCURL:    os.Getenv("POLYGON_RPC_URL"),
			FabricGatewayURL: os.Getenv("FABRIC_GATEWAY_URL"),
			CallTimeout:      getDuration("LEDGER_CALL_TIMEOUT", 10*time.Second),
			MaxAttempts:      getInt("LEDGER_MAX_ATTEMPTS", 3),
			BackoffBase:      getDuration("LEDGER_BACKOFF_BASE", 500*time.Millisecond),
		},
		Sync: SyncConfig{
			Interval:    getDuration("SYNC_INTERVAL", 30*time.Second),
			Jitter:      getDuration("SYNC_JITTER", 5*time.Second),
			Concurrency: getInt("SYNC_CONCURRENCY", 8),
			MaxRetries:  getInt("SYNC_MAX_RETRIES", 3),
		},
		Score: DefaultScoreConfig(),
	}
}

// DefaultScoreConfig returns the default verification score weighting.
// Permissioned ledgers carry the highest base trust.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		DepthWeight:     0.4,
		CountWeight:     0.4,
		TrustWeight:     0.2,
		DepthSaturation: 7 * 24 * time.Hour,
		NetworkTrust: map[string]float64{
			"ethereum":    0.9,
			"polygon":     0.8,
			"hyperledger": 1.0,
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
