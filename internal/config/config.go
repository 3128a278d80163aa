package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"

	defaultReconcileInterval = 6 * time.Hour
	defaultOrgDelay          = 2 * time.Second
	defaultPageDelay         = 250 * time.Millisecond
	defaultChunkSize         = 100
	defaultChunkDelay        = 100 * time.Millisecond
	defaultRetryAttempts     = 2
	defaultRetryDelay        = 5 * time.Second
	defaultGroupWorkers      = 4
	defaultStaleGrace        = 0 * time.Hour
	defaultOverbroadRatio    = 0.75
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	ReconcileInterval time.Duration
	OrgDelay          time.Duration
	PageDelay         time.Duration
	ChunkSize         int
	ChunkDelay        time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	GroupWorkers      int
	StaleGracePeriod  time.Duration
	OverbroadRatio    float64

	VaultAddr  string
	VaultToken string
	VaultMount string

	Risk RiskConfig
}

// RiskConfig holds the composite scorer knobs. Weights must sum to 100;
// multipliers must be positive.
type RiskConfig struct {
	WeightScope       int
	WeightUserCount   int
	WeightAdminGrants int
	WeightStaleRatio  int
	WeightUnsanction  int

	AIFactorNone    float64
	AIFactorPartial float64
	AIFactorNative  float64

	ScopeFactorLow    float64
	ScopeFactorMedium float64
	ScopeFactorHigh   float64
}

func defaultRiskConfig() RiskConfig {
	return RiskConfig{
		WeightScope:       30,
		WeightUserCount:   25,
		WeightAdminGrants: 20,
		WeightStaleRatio:  15,
		WeightUnsanction:  10,

		AIFactorNone:    1.0,
		AIFactorPartial: 1.2,
		AIFactorNative:  1.5,

		ScopeFactorLow:    1.0,
		ScopeFactorMedium: 1.15,
		ScopeFactorHigh:   1.3,
	}
}

func (r RiskConfig) Validate() error {
	sum := r.WeightScope + r.WeightUserCount + r.WeightAdminGrants + r.WeightStaleRatio + r.WeightUnsanction
	if sum != 100 {
		return fmt.Errorf("risk weights must sum to 100, got %d", sum)
	}
	for _, w := range []int{r.WeightScope, r.WeightUserCount, r.WeightAdminGrants, r.WeightStaleRatio, r.WeightUnsanction} {
		if w < 0 {
			return errors.New("risk weights must be non-negative")
		}
	}
	for _, f := range []float64{
		r.AIFactorNone, r.AIFactorPartial, r.AIFactorNative,
		r.ScopeFactorLow, r.ScopeFactorMedium, r.ScopeFactorHigh,
	} {
		if f <= 0 {
			return errors.New("risk multipliers must be positive")
		}
	}
	return nil
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr: getenvDefault("METRICS_ADDR", defaultMetricsAddr),

		ReconcileInterval: getenvDurationDefault("RECONCILE_INTERVAL", defaultReconcileInterval),
		OrgDelay:          getenvDurationDefault("ORG_DELAY", defaultOrgDelay),
		PageDelay:         getenvDurationDefault("PAGE_DELAY", defaultPageDelay),
		ChunkSize:         getenvIntDefault("CHUNK_SIZE", defaultChunkSize),
		ChunkDelay:        getenvDurationDefault("CHUNK_DELAY", defaultChunkDelay),
		RetryAttempts:     getenvIntDefault("RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryDelay:        getenvDurationDefault("RETRY_DELAY", defaultRetryDelay),
		GroupWorkers:      getenvIntDefault("GROUP_WORKERS", defaultGroupWorkers),
		StaleGracePeriod:  getenvDurationDefault("STALE_GRACE_PERIOD", defaultStaleGrace),
		OverbroadRatio:    getenvFloatDefault("OVERBROAD_RATIO", defaultOverbroadRatio),

		VaultAddr:  os.Getenv("VAULT_ADDR"),
		VaultToken: os.Getenv("VAULT_TOKEN"),
		VaultMount: getenvDefault("VAULT_MOUNT", "secret"),

		Risk: defaultRiskConfig(),
	}

	cfg.Risk.WeightScope = getenvIntDefault("RISK_WEIGHT_SCOPE", cfg.Risk.WeightScope)
	cfg.Risk.WeightUserCount = getenvIntDefault("RISK_WEIGHT_USER_COUNT", cfg.Risk.WeightUserCount)
	cfg.Risk.WeightAdminGrants = getenvIntDefault("RISK_WEIGHT_ADMIN_GRANTS", cfg.Risk.WeightAdminGrants)
	cfg.Risk.WeightStaleRatio = getenvIntDefault("RISK_WEIGHT_STALE_RATIO", cfg.Risk.WeightStaleRatio)
	cfg.Risk.WeightUnsanction = getenvIntDefault("RISK_WEIGHT_UNSANCTIONED", cfg.Risk.WeightUnsanction)

	cfg.Risk.AIFactorNone = getenvFloatDefault("RISK_AI_FACTOR_NONE", cfg.Risk.AIFactorNone)
	cfg.Risk.AIFactorPartial = getenvFloatDefault("RISK_AI_FACTOR_PARTIAL", cfg.Risk.AIFactorPartial)
	cfg.Risk.AIFactorNative = getenvFloatDefault("RISK_AI_FACTOR_NATIVE", cfg.Risk.AIFactorNative)

	cfg.Risk.ScopeFactorLow = getenvFloatDefault("RISK_SCOPE_FACTOR_LOW", cfg.Risk.ScopeFactorLow)
	cfg.Risk.ScopeFactorMedium = getenvFloatDefault("RISK_SCOPE_FACTOR_MEDIUM", cfg.Risk.ScopeFactorMedium)
	cfg.Risk.ScopeFactorHigh = getenvFloatDefault("RISK_SCOPE_FACTOR_HIGH", cfg.Risk.ScopeFactorHigh)

	if err := cfg.Risk.Validate(); err != nil {
		return cfg, err
	}

	if cfg.OverbroadRatio <= 0 || cfg.OverbroadRatio > 1 {
		return cfg, fmt.Errorf("OVERBROAD_RATIO must be in (0, 1], got %v", cfg.OverbroadRatio)
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
