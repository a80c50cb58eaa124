// Package config assembles runtime configuration from the OS environment.
// There is no config-file format: every setting is an environment
// variable, required for secrets/endpoints and defaulted for tunables,
// following the engine's historical requireEnv/getEnvOrDefault split.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of sections an operator can tune.
type Config struct {
	Explorer   ExplorerConfig
	Classifier ClassifierConfig
	Tracer     TracerConfig
	Monitor    MonitorConfig
	Cache      CacheConfig
	Store      StoreConfig
	Server     ServerConfig
	Engine     EngineConfig
}

// ExplorerConfig tunes the block-explorer HTTP client (C1).
type ExplorerConfig struct {
	BaseURL          string
	RequestTimeout   time.Duration
	MinInterval      time.Duration // minimum gap between requests
	MaxInFlight      int64
	MaxRetries       int
	RetryBaseBackoff time.Duration
}

// ClassifierConfig tunes the heuristic/ML detector (C4-C6).
type ClassifierConfig struct {
	MinInputsForCoinjoin  int
	MinOutputsForCoinjoin int
	HeuristicThreshold    float64
	MLWeightsPath         string // empty disables the ML detector
	MLThreshold           float64
	WasabiDenominations   []int64
	SamouraiDenominations []int64
}

// TracerConfig tunes the forward DFS tracer (C7).
type TracerConfig struct {
	MaxDepth             int
	MaxTotalNodes        int
	MaxBranchesPerNode   int
	MaxWallClock         time.Duration
	NonCoinjoinStreakCap int
	ChildWorkerPoolSize  int
	MaxOutputsPerTx      int
	MaxTxsPerAddress     int
}

// MonitorConfig tunes the mempool ingestion loop (C8).
type MonitorConfig struct {
	PollInterval     time.Duration
	SeenResetPeriod  time.Duration
	WorkerPoolSize   int
	QueueCapacity    int
	PerTickFetchCap  int
}

// CacheConfig tunes the TX/address-history cache (C2).
type CacheConfig struct {
	TxCapacity      int
	TxTTL           time.Duration
	AddressCapacity int
	AddressTTL      time.Duration
}

// StoreConfig configures the Postgres-backed graph writer (C3).
type StoreConfig struct {
	DatabaseURL string
}

// ServerConfig configures the thin REST/WebSocket surface.
type ServerConfig struct {
	Port            string
	AllowedOrigins  string
	AuthToken       string // empty disables auth (dev mode)
	EnableSynthetic bool
}

// EngineConfig tunes the on-demand investigation facade (C9).
type EngineConfig struct {
	MaxConcurrentInvestigations int
	RejectBusy                  bool // reject with Busy instead of waiting past the cap
}

// Load reads Config from the OS environment. Required variables missing
// at call time produce an error rather than exiting the process, so
// callers (tests, alternate entry points) can decide how to fail.
func Load() (Config, error) {
	var cfg Config
	var err error

	if cfg.Store.DatabaseURL, err = requireEnv("DATABASE_URL"); err != nil {
		return cfg, err
	}

	if cfg.Explorer.BaseURL, err = requireEnv("EXPLORER_BASE_URL"); err != nil {
		return cfg, err
	}
	if cfg.Explorer.RequestTimeout, err = durationEnv("EXPLORER_REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Explorer.MinInterval, err = durationEnv("EXPLORER_MIN_INTERVAL", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Explorer.MaxInFlight, err = int64Env("EXPLORER_MAX_INFLIGHT", 8); err != nil {
		return cfg, err
	}
	if cfg.Explorer.MaxRetries, err = intEnv("EXPLORER_MAX_RETRIES", 2); err != nil {
		return cfg, err
	}
	if cfg.Explorer.RetryBaseBackoff, err = durationEnv("EXPLORER_RETRY_BASE_BACKOFF", 200*time.Millisecond); err != nil {
		return cfg, err
	}

	if cfg.Classifier.MinInputsForCoinjoin, err = intEnv("CLASSIFIER_MIN_INPUTS", 5); err != nil {
		return cfg, err
	}
	if cfg.Classifier.MinOutputsForCoinjoin, err = intEnv("CLASSIFIER_MIN_OUTPUTS", 5); err != nil {
		return cfg, err
	}
	if cfg.Classifier.HeuristicThreshold, err = floatEnv("CLASSIFIER_HEURISTIC_THRESHOLD", 0.6); err != nil {
		return cfg, err
	}
	cfg.Classifier.MLWeightsPath = getEnvOrDefault("CLASSIFIER_ML_WEIGHTS_PATH", "")
	if cfg.Classifier.MLThreshold, err = floatEnv("CLASSIFIER_ML_THRESHOLD", 0.5); err != nil {
		return cfg, err
	}
	// Wasabi's canonical denomination is 0.1 BTC and its round multiples.
	cfg.Classifier.WasabiDenominations = []int64{10000000, 100000000, 1000000000, 10000000000}
	// Whirlpool pool denominations are deployment-specific (open question,
	// preserved as-is); these are the pools observed historically.
	cfg.Classifier.SamouraiDenominations = []int64{100000, 1000000, 5000000, 50000000}

	if cfg.Tracer.MaxDepth, err = intEnv("TRACER_MAX_DEPTH", 6); err != nil {
		return cfg, err
	}
	if cfg.Tracer.MaxTotalNodes, err = intEnv("TRACER_MAX_TOTAL_NODES", 5000); err != nil {
		return cfg, err
	}
	if cfg.Tracer.MaxBranchesPerNode, err = intEnv("TRACER_MAX_BRANCHES_PER_NODE", 16); err != nil {
		return cfg, err
	}
	if cfg.Tracer.MaxWallClock, err = durationEnv("TRACER_MAX_WALL_CLOCK", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Tracer.NonCoinjoinStreakCap, err = intEnv("TRACER_NON_COINJOIN_STREAK_CAP", 3); err != nil {
		return cfg, err
	}
	if cfg.Tracer.ChildWorkerPoolSize, err = intEnv("TRACER_CHILD_WORKER_POOL_SIZE", 4); err != nil {
		return cfg, err
	}
	if cfg.Tracer.MaxOutputsPerTx, err = intEnv("TRACER_MAX_OUTPUTS_PER_TX", 64); err != nil {
		return cfg, err
	}
	if cfg.Tracer.MaxTxsPerAddress, err = intEnv("TRACER_MAX_TXS_PER_ADDRESS", 32); err != nil {
		return cfg, err
	}

	if cfg.Monitor.PollInterval, err = durationEnv("MONITOR_POLL_INTERVAL", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Monitor.SeenResetPeriod, err = durationEnv("MONITOR_SEEN_RESET_PERIOD", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.Monitor.WorkerPoolSize, err = intEnv("MONITOR_WORKER_POOL_SIZE", 8); err != nil {
		return cfg, err
	}
	if cfg.Monitor.QueueCapacity, err = intEnv("MONITOR_QUEUE_CAPACITY", 256); err != nil {
		return cfg, err
	}
	if cfg.Monitor.PerTickFetchCap, err = intEnv("MONITOR_PER_TICK_FETCH_CAP", 20); err != nil {
		return cfg, err
	}

	if cfg.Cache.TxCapacity, err = intEnv("CACHE_TX_CAPACITY", 10000); err != nil {
		return cfg, err
	}
	if cfg.Cache.TxTTL, err = durationEnv("CACHE_TX_TTL", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.Cache.AddressCapacity, err = intEnv("CACHE_ADDRESS_CAPACITY", 2000); err != nil {
		return cfg, err
	}
	if cfg.Cache.AddressTTL, err = durationEnv("CACHE_ADDRESS_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}

	cfg.Server.Port = getEnvOrDefault("PORT", "5339")
	cfg.Server.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "*")
	cfg.Server.AuthToken = getEnvOrDefault("API_AUTH_TOKEN", "")
	if cfg.Server.EnableSynthetic, err = boolEnv("ENABLE_SYNTHETIC", false); err != nil {
		return cfg, err
	}

	if cfg.Engine.MaxConcurrentInvestigations, err = intEnv("ENGINE_MAX_CONCURRENT_INVESTIGATIONS", 4); err != nil {
		return cfg, err
	}
	if cfg.Engine.RejectBusy, err = boolEnv("ENGINE_REJECT_BUSY", false); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// requireEnv reads a required environment variable. It returns an error
// rather than exiting the process, so Load can be exercised from tests
// without exiting the test binary.
func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return val, nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int for %s=%q: %w", key, val, err)
	}
	return n, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int64 for %s=%q: %w", key, val, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid float for %s=%q: %w", key, val, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("config: invalid bool for %s=%q: %w", key, val, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s=%q: %w", key, val, err)
	}
	return d, nil
}
