package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds all service configuration loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	TMBaseURL      string
	TMAuthToken    string
	TMTimeout      time.Duration
	TMRateLimitRPS float64
	TMRateBurst    int
	TMMaxRetries   int

	ShopIDs       []int64
	ShopTimezone  string
	SyncEnabled   bool
	ROInterval    time.Duration
	EmployeeHour  int
	SyncWorkers   int
	LookbackDays  int
	SyncBoards    []string
	RunLockTTL    time.Duration
	ShopConfigTTL time.Duration

	DefaultTechRateCents int64
	VarianceThreshold    float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	l := loader{}
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "tmsync"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),
		SQLitePath:     getEnv("SQLITE_PATH", "data/tmsync.db"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       l.integer("REDIS_DB", 0),
		RedisTLS:      l.boolean("REDIS_TLS", false),

		TMBaseURL:      getEnv("TM_BASE_URL", "https://shop.tekmetric.com"),
		TMAuthToken:    getEnv("TM_AUTH_TOKEN", ""),
		TMTimeout:      l.duration("TM_TIMEOUT", 30*time.Second),
		TMRateLimitRPS: l.number("TM_RATE_LIMIT_RPS", 5),
		TMRateBurst:    l.integer("TM_RATE_BURST", 5),
		TMMaxRetries:   l.integer("TM_MAX_RETRIES", 3),

		ShopTimezone:  getEnv("SHOP_TIMEZONE", "America/New_York"),
		SyncEnabled:   l.boolean("SYNC_ENABLED", true),
		ROInterval:    time.Duration(l.integer("RO_SYNC_INTERVAL_MINUTES", 10)) * time.Minute,
		EmployeeHour:  l.integer("EMPLOYEE_SYNC_HOUR", 6),
		SyncWorkers:   l.integer("SYNC_WORKERS", 4),
		LookbackDays:  l.integer("SYNC_LOOKBACK_DAYS", 3),
		SyncBoards:    splitList(getEnv("SYNC_BOARDS", "ACTIVE,POSTED,COMPLETE")),
		RunLockTTL:    l.duration("RUN_LOCK_TTL", 15*time.Minute),
		ShopConfigTTL: l.duration("SHOP_CONFIG_TTL", 5*time.Minute),

		DefaultTechRateCents: int64(l.integer("DEFAULT_TECH_RATE_CENTS", 2500)),
		VarianceThreshold:    l.number("VARIANCE_THRESHOLD", 0.5),
	}

	shops := getEnv("TM_SHOP_IDS", os.Getenv("TM_SHOP_ID"))
	for _, raw := range splitList(shops) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("TM_SHOP_IDS: invalid shop id %q", raw))
			continue
		}
		cfg.ShopIDs = append(cfg.ShopIDs, id)
	}

	if len(l.errs) > 0 {
		return nil, l.errs[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.EmployeeHour < 0 || c.EmployeeHour > 23 {
		return fmt.Errorf("EMPLOYEE_SYNC_HOUR must be 0-23, got %d", c.EmployeeHour)
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.SyncWorkers)
	}
	if c.ROInterval <= 0 {
		return fmt.Errorf("RO_SYNC_INTERVAL_MINUTES must be positive")
	}
	if c.DefaultTechRateCents <= 0 {
		return fmt.Errorf("DEFAULT_TECH_RATE_CENTS must be positive")
	}
	if _, err := time.LoadLocation(c.ShopTimezone); err != nil {
		return fmt.Errorf("SHOP_TIMEZONE: %w", err)
	}
	return nil
}

// UsesPostgres reports whether DATABASE_URL selects the Postgres backend.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type loader struct {
	errs []error
}

func (l *loader) integer(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return v
}

func (l *loader) number(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return fallback
	}
	return v
}

func (l *loader) boolean(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return v
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return v
}
