package config

import (
	"fmt"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Environment string            `json:"environment"`
	HTTP        HTTPConfig        `json:"http"`
	Redis       RedisConfig       `json:"redis"`
	Postgres    PostgresConfig    `json:"postgres"`
	Scraper     ScraperConfig     `json:"scraper"`
	Resolver    ResolverConfig    `json:"resolver"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Search      SearchConfig      `json:"search"`
	Affiliate   AffiliateConfig   `json:"affiliate"`
	Log         LogConfig         `json:"log"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`

	// AllowedOrigins lists the admin frontends allowed by CORS.
	AllowedOrigins []string `json:"allowed_origins"`
}

// RedisConfig is only used when the lock driver or queue driver is "redis".
type RedisConfig struct {
	URL          string        `json:"url"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Stream       string        `json:"stream"`
	Group        string        `json:"group"`
	StreamMaxLen int64         `json:"stream_max_len"`
	LockTTL      time.Duration `json:"lock_ttl"`

	// Pending stream entries idle longer than ClaimMinIdle are reclaimed
	// every ClaimInterval; past MaxDeliveries they are acked as dead.
	ClaimMinIdle  time.Duration `json:"claim_min_idle"`
	ClaimInterval time.Duration `json:"claim_interval"`
	MaxDeliveries int64         `json:"max_deliveries"`
}

type PostgresConfig struct {
	DSN             string        `json:"-"`
	MaxConns        int32         `json:"max_conns"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time"`
}

type ScraperConfig struct {
	UserAgent      string        `json:"user_agent"`
	Timeout        time.Duration `json:"timeout"`
	MaxConcurrency int           `json:"max_concurrency"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	MaxBodySize    int           `json:"max_body_size"`
}

type ResolverConfig struct {
	MaxHops        int           `json:"max_hops"`
	HopTimeout     time.Duration `json:"hop_timeout"`
	TotalTimeout   time.Duration `json:"total_timeout"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	RatePerSecond  float64       `json:"rate_per_second"`
	Burst          int           `json:"burst"`
	UserAgent      string        `json:"user_agent"`
}

type PipelineConfig struct {
	Workers            int           `json:"workers"`
	QueueDriver        string        `json:"queue_driver"`
	QueueSize          int           `json:"queue_size"`
	StoreDriver        string        `json:"store_driver"`
	LockDriver         string        `json:"lock_driver"`
	ObservationTimeout time.Duration `json:"observation_timeout"`
	BatchLimit         int           `json:"batch_limit"`
	BatchConcurrency   int           `json:"batch_concurrency"`
	DefaultTTL         time.Duration `json:"default_ttl"`
	GradeA             int           `json:"grade_a"`
	GradeB             int           `json:"grade_b"`
	GradeC             int           `json:"grade_c"`
	Currency           string        `json:"currency"`
}

type MaintenanceConfig struct {
	Enabled     bool          `json:"enabled"`
	SweepSpec   string        `json:"sweep_spec"`
	PurgeSpec   string        `json:"purge_spec"`
	PurgeAfter  time.Duration `json:"purge_after"`
	SweepBudget time.Duration `json:"sweep_budget"`
}

// SearchConfig enables the Meilisearch listing index when URL is set.
type SearchConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"-"`
	Index   string        `json:"index"`
	Timeout time.Duration `json:"timeout"`
}

type AffiliateConfig struct {
	RegistryPath string `json:"registry_path"`
}

type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, reading configuration from environment")
	}

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:           getInt("PORT", 8080),
			ReadTimeout:    getDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:    getDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 30*time.Second),
			Stream:       getEnv("REDIS_OBSERVATION_STREAM", "dealflow:observations"),
			Group:        getEnv("REDIS_CONSUMER_GROUP", "dealflow-pipeline"),
			StreamMaxLen: int64(getInt("REDIS_STREAM_MAX_LEN", 100000)),
			LockTTL:      getDuration("REDIS_LOCK_TTL", 30*time.Second),

			ClaimMinIdle:  getDuration("REDIS_CLAIM_MIN_IDLE", time.Minute),
			ClaimInterval: getDuration("REDIS_CLAIM_INTERVAL", 30*time.Second),
			MaxDeliveries: int64(getInt("REDIS_MAX_DELIVERIES", 5)),
		},
		Postgres: PostgresConfig{
			DSN:             getEnv("DATABASE_URL", ""),
			MaxConns:        int32(getInt("DATABASE_MAX_CONNS", 10)),
			ConnectTimeout:  getDuration("DATABASE_CONNECT_TIMEOUT", 10*time.Second),
			MaxConnIdleTime: getDuration("DATABASE_MAX_CONN_IDLE_TIME", 5*time.Minute),
		},
		Scraper: ScraperConfig{
			UserAgent:      getEnv("SCRAPER_USER_AGENT", "Mozilla/5.0 (compatible; dealflow-pipeline/1.0)"),
			Timeout:        getDuration("SCRAPER_TIMEOUT", 15*time.Second),
			MaxConcurrency: getInt("SCRAPER_MAX_CONCURRENCY", 5),
			RetryAttempts:  getInt("SCRAPER_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: getDuration("SCRAPER_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:  getDuration("SCRAPER_RETRY_MAX_DELAY", 4*time.Second),
			MaxBodySize:    getInt("SCRAPER_MAX_BODY_SIZE", 5*1024*1024),
		},
		Resolver: ResolverConfig{
			MaxHops:        getInt("RESOLVER_MAX_HOPS", 5),
			HopTimeout:     getDuration("RESOLVER_HOP_TIMEOUT", 4*time.Second),
			TotalTimeout:   getDuration("RESOLVER_TOTAL_TIMEOUT", 10*time.Second),
			RetryAttempts:  getInt("RESOLVER_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: getDuration("RESOLVER_RETRY_BASE_DELAY", 250*time.Millisecond),
			RetryMaxDelay:  getDuration("RESOLVER_RETRY_MAX_DELAY", 2*time.Second),
			RatePerSecond:  getFloat64("RESOLVER_RATE_PER_SECOND", 20),
			Burst:          getInt("RESOLVER_BURST", 10),
			UserAgent:      getEnv("RESOLVER_USER_AGENT", "Mozilla/5.0 (compatible; dealflow-pipeline/1.0)"),
		},
		Pipeline: PipelineConfig{
			Workers:            getInt("PIPELINE_WORKERS", 4),
			QueueDriver:        getEnv("PIPELINE_QUEUE_DRIVER", "memory"),
			QueueSize:          getInt("PIPELINE_QUEUE_SIZE", 1024),
			StoreDriver:        getEnv("PIPELINE_STORE_DRIVER", "memory"),
			LockDriver:         getEnv("PIPELINE_LOCK_DRIVER", "memory"),
			ObservationTimeout: getDuration("PIPELINE_OBSERVATION_TIMEOUT", 45*time.Second),
			BatchLimit:         getInt("PIPELINE_BATCH_LIMIT", 50),
			BatchConcurrency:   getInt("PIPELINE_BATCH_CONCURRENCY", 4),
			DefaultTTL:         getDuration("PIPELINE_DEFAULT_TTL", 72*time.Hour),
			GradeA:             getInt("PIPELINE_GRADE_A", 85),
			GradeB:             getInt("PIPELINE_GRADE_B", 60),
			GradeC:             getInt("PIPELINE_GRADE_C", 40),
			Currency:           getEnv("PIPELINE_CURRENCY", "INR"),
		},
		Maintenance: MaintenanceConfig{
			Enabled:     getBool("MAINTENANCE_ENABLED", true),
			SweepSpec:   getEnv("MAINTENANCE_SWEEP_SPEC", "@every 5m"),
			PurgeSpec:   getEnv("MAINTENANCE_PURGE_SPEC", "@daily"),
			PurgeAfter:  getDuration("MAINTENANCE_PURGE_AFTER", 30*24*time.Hour),
			SweepBudget: getDuration("MAINTENANCE_SWEEP_BUDGET", 2*time.Minute),
		},
		Search: SearchConfig{
			URL:     getEnv("SEARCH_URL", ""),
			APIKey:  getEnv("SEARCH_API_KEY", ""),
			Index:   getEnv("SEARCH_INDEX", "listings"),
			Timeout: getDuration("SEARCH_TIMEOUT", 5*time.Second),
		},
		Affiliate: AffiliateConfig{
			RegistryPath: getEnv("AFFILIATE_REGISTRY_PATH", ""),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "./logs/app.log"),
			MaxSize:    getInt("LOG_MAX_SIZE", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 2),
			MaxAge:     getInt("LOG_MAX_AGE", 2),
			Compress:   getBool("LOG_COMPRESS", true),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func validateConfig(config *Config) error {
	if config.HTTP.Port == 0 {
		return fmt.Errorf("HTTP port is required")
	}
	if config.Resolver.MaxHops <= 0 {
		return fmt.Errorf("resolver hop limit must be positive")
	}
	if config.Resolver.HopTimeout <= 0 || config.Resolver.TotalTimeout <= 0 {
		return fmt.Errorf("resolver timeouts must be positive")
	}
	if config.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper timeout must be positive")
	}
	if config.Pipeline.ObservationTimeout <= 0 {
		return fmt.Errorf("observation timeout must be positive")
	}
	p := config.Pipeline
	if !(p.GradeA > p.GradeB && p.GradeB > p.GradeC && p.GradeC > 0 && p.GradeA <= 100) {
		return fmt.Errorf("grade thresholds must be strictly descending within (0, 100]: A=%d B=%d C=%d", p.GradeA, p.GradeB, p.GradeC)
	}

	switch p.StoreDriver {
	case "memory":
	case "postgres":
		if config.Postgres.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required when the store driver is 'postgres'")
		}
	default:
		return fmt.Errorf("unknown store driver %q", p.StoreDriver)
	}

	for name, driver := range map[string]string{"lock": p.LockDriver, "queue": p.QueueDriver} {
		if driver != "memory" && driver != "redis" {
			return fmt.Errorf("unknown %s driver %q", name, driver)
		}
	}

	if config.Maintenance.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(config.Maintenance.SweepSpec); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", config.Maintenance.SweepSpec, err)
		}
		if _, err := parser.Parse(config.Maintenance.PurgeSpec); err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", config.Maintenance.PurgeSpec, err)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getFloat64(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}
