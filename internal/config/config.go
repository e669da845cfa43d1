package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Browser   BrowserConfig
	Monitor   MonitorConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type QueueConfig struct {
	Backend       string
	ClaimTimeout  time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	MaxClaim      int
	SnapshotFile  string
	RecentLimit   int
}

type WorkerConfig struct {
	ID            string
	QueueURL      string
	PollInterval  time.Duration
	BatchSize     int
	BlockCooldown time.Duration
	MaxBackoff    time.Duration
	HTTPTimeout   time.Duration
	MetricsAddr   string
}

type SchedulerConfig struct {
	DelayMin     time.Duration
	DelayMax     time.Duration
	MaxBatch     int
	HourlyBudget int
	UserAgents   []string
	Proxies      []string
}

type BrowserConfig struct {
	Engines            []string
	NavigationTimeout  time.Duration
	Headless           bool
	CDPURL             string
	ProfileDir         string
	FingerprintHeadful bool
	Locale             string
	TimezoneID         string
	AcceptLanguage     string
	BlockMinLength     int
	SettleDelay        time.Duration
}

type MonitorConfig struct {
	BaseURL                string
	Domain                 string
	OwnSeller              string
	MaxDeliveryDays        int
	IncludeUnknownDelivery bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

type CacheConfig struct {
	MemcacheAddr string
	ResultTTL    time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

var knownEngines = map[string]bool{
	"attached":    true,
	"stealth":     true,
	"fingerprint": true,
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Backend:       getEnvOrDefault("QUEUE_BACKEND", "memory"),
			ClaimTimeout:  getDurationOrDefault("QUEUE_CLAIM_TIMEOUT", 10*time.Minute),
			SweepInterval: getDurationOrDefault("QUEUE_SWEEP_INTERVAL", time.Minute),
			MaxAttempts:   getIntOrDefault("QUEUE_MAX_ATTEMPTS", 3),
			MaxClaim:      getIntOrDefault("QUEUE_MAX_CLAIM", 50),
			SnapshotFile:  getEnvOrDefault("QUEUE_SNAPSHOT_FILE", ""),
			RecentLimit:   getIntOrDefault("QUEUE_RECENT_LIMIT", 100),
		},
		Worker: WorkerConfig{
			ID:            getEnvOrDefault("WORKER_ID", hostname),
			QueueURL:      getEnvOrDefault("WORKER_QUEUE_URL", "http://localhost:8080"),
			PollInterval:  getDurationOrDefault("WORKER_POLL_INTERVAL", 30*time.Second),
			BatchSize:     getIntOrDefault("WORKER_BATCH_SIZE", 5),
			BlockCooldown: getDurationOrDefault("WORKER_BLOCK_COOLDOWN", 30*time.Minute),
			MaxBackoff:    getDurationOrDefault("WORKER_MAX_BACKOFF", 5*time.Minute),
			HTTPTimeout:   getDurationOrDefault("WORKER_HTTP_TIMEOUT", 15*time.Second),
			MetricsAddr:   getEnvOrDefault("WORKER_METRICS_ADDR", ""),
		},
		Scheduler: SchedulerConfig{
			DelayMin:     getDurationOrDefault("SCHEDULER_DELAY_MIN", 5*time.Second),
			DelayMax:     getDurationOrDefault("SCHEDULER_DELAY_MAX", 15*time.Second),
			MaxBatch:     getIntOrDefault("SCHEDULER_MAX_BATCH", 5),
			HourlyBudget: getIntOrDefault("SCHEDULER_HOURLY_BUDGET", 0),
			UserAgents:   getStringSliceOrDefault("SCHEDULER_USER_AGENTS", DefaultUserAgents()),
			Proxies:      getStringSliceOrDefault("SCHEDULER_PROXIES", []string{}),
		},
		Browser: BrowserConfig{
			Engines:            getStringSliceOrDefault("BROWSER_ENGINES", []string{"attached", "stealth", "fingerprint"}),
			NavigationTimeout:  getDurationOrDefault("BROWSER_NAV_TIMEOUT", 30*time.Second),
			Headless:           getBoolOrDefault("BROWSER_HEADLESS", false),
			CDPURL:             getEnvOrDefault("BROWSER_CDP_URL", "http://localhost:9223"),
			ProfileDir:         getEnvOrDefault("BROWSER_PROFILE_DIR", "./allegro_scraper_profile"),
			FingerprintHeadful: getBoolOrDefault("BROWSER_FINGERPRINT_HEADFUL", true),
			Locale:             getEnvOrDefault("BROWSER_LOCALE", "pl-PL"),
			TimezoneID:         getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Warsaw"),
			AcceptLanguage:     getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "pl-PL,pl;q=0.9,en-US;q=0.8,en;q=0.7"),
			BlockMinLength:     getIntOrDefault("BROWSER_BLOCK_MIN_LENGTH", 10000),
			SettleDelay:        getDurationOrDefault("BROWSER_SETTLE_DELAY", 2*time.Second),
		},
		Monitor: MonitorConfig{
			BaseURL:                getEnvOrDefault("MONITOR_BASE_URL", "https://allegro.pl"),
			Domain:                 getEnvOrDefault("MONITOR_DOMAIN", "allegro.pl"),
			OwnSeller:              getEnvOrDefault("MONITOR_OWN_SELLER", ""),
			MaxDeliveryDays:        getIntOrDefault("MONITOR_MAX_DELIVERY_DAYS", 4),
			IncludeUnknownDelivery: getBoolOrDefault("MONITOR_INCLUDE_UNKNOWN_DELIVERY", true),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "price_monitor"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", ""),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:price_checks"),
		},
		Cache: CacheConfig{
			MemcacheAddr: getEnvOrDefault("CACHE_MEMCACHE_ADDR", ""),
			ResultTTL:    getDurationOrDefault("CACHE_RESULT_TTL", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scheduler.DelayMin < 0 {
		return fmt.Errorf("SCHEDULER_DELAY_MIN cannot be negative")
	}

	if c.Scheduler.DelayMin > c.Scheduler.DelayMax {
		return fmt.Errorf("SCHEDULER_DELAY_MIN cannot be greater than SCHEDULER_DELAY_MAX")
	}

	if c.Scheduler.MaxBatch < 1 {
		return fmt.Errorf("SCHEDULER_MAX_BATCH must be at least 1")
	}

	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be at least 1")
	}

	if c.Worker.BatchSize > c.Scheduler.MaxBatch {
		return fmt.Errorf("WORKER_BATCH_SIZE (%d) exceeds SCHEDULER_MAX_BATCH (%d)", c.Worker.BatchSize, c.Scheduler.MaxBatch)
	}

	if len(c.Browser.Engines) == 0 {
		return fmt.Errorf("BROWSER_ENGINES must name at least one engine")
	}

	for _, name := range c.Browser.Engines {
		if !knownEngines[name] {
			return fmt.Errorf("unknown browser engine %q", name)
		}
	}

	if c.Monitor.MaxDeliveryDays < 0 {
		return fmt.Errorf("MONITOR_MAX_DELIVERY_DAYS cannot be negative")
	}

	if c.Queue.ClaimTimeout <= 0 {
		return fmt.Errorf("QUEUE_CLAIM_TIMEOUT must be positive")
	}

	if c.Queue.Backend != "memory" && c.Queue.Backend != "postgres" {
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// Addr is the listen address of the queue server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

// DefaultUserAgents is the small fixed pool rotated between sessions.
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	}
}
