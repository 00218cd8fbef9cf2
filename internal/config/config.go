package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Scraper  ScraperConfig
	Browser  BrowserConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Vendor   VendorConfig
	Backfill BackfillConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Enabled         bool
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type ScraperConfig struct {
	BaseURL                string
	ItemTimeout            time.Duration
	RestartEvery           int
	MaxConsecutiveFailures int
	StallTimeout           time.Duration
	SessionTimeout         time.Duration
	PersistTimeout         time.Duration
	CookieCheckpointRate   float64
	RateLimitMin           time.Duration
	RateLimitMax           time.Duration
	PassInterval           time.Duration
}

type BrowserConfig struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	ContainerTimeout  time.Duration
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	CookiePath        string
	ProxyServer       string
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
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Stream   string
}

type VendorConfig struct {
	Endpoint      string
	MarketplaceID string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	HTTPTimeout   time.Duration
}

type BackfillConfig struct {
	HorizonYears      int
	MaxAttempts       int
	RetryBackoff      time.Duration
	QuotaBackoff      time.Duration
	InterRequestDelay time.Duration
	PollInterval      time.Duration
	PollAttempts      int
	ProbeDelay        time.Duration
	ProbeOffsets      []int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	probeOffsets, err := getIntSliceOrDefault("PROBE_OFFSETS_MONTHS", []int{1, 3, 6, 12, 18, 24, 30, 36})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Enabled:         getBoolOrDefault("SERVER_ENABLED", false),
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Scraper: ScraperConfig{
			BaseURL:                getEnvOrDefault("SCRAPER_BASE_URL", "https://www.amazon.com"),
			ItemTimeout:            getDurationOrDefault("SCRAPER_ITEM_TIMEOUT", 50*time.Second),
			RestartEvery:           getIntOrDefault("SCRAPER_RESTART_EVERY", 50),
			MaxConsecutiveFailures: getIntOrDefault("SCRAPER_MAX_CONSECUTIVE_FAILURES", 3),
			StallTimeout:           getDurationOrDefault("SCRAPER_STALL_TIMEOUT", 120*time.Second),
			SessionTimeout:         getDurationOrDefault("SCRAPER_SESSION_TIMEOUT", 60*time.Second),
			PersistTimeout:         getDurationOrDefault("SCRAPER_PERSIST_TIMEOUT", 15*time.Second),
			CookieCheckpointRate:   getFloatOrDefault("SCRAPER_COOKIE_CHECKPOINT_RATE", 0.2),
			RateLimitMin:           getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", 3*time.Second),
			RateLimitMax:           getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", 8*time.Second),
			PassInterval:           getDurationOrDefault("SCRAPER_PASS_INTERVAL", time.Hour),
		},
		Browser: BrowserConfig{
			Headless:          getBoolOrDefault("BROWSER_HEADLESS", true),
			UserAgent:         getEnvOrDefault("BROWSER_USER_AGENT", defaultUserAgent),
			NavigationTimeout: getDurationOrDefault("BROWSER_NAVIGATION_TIMEOUT", 30*time.Second),
			StepTimeout:       getDurationOrDefault("BROWSER_STEP_TIMEOUT", 5*time.Second),
			ContainerTimeout:  getDurationOrDefault("BROWSER_CONTAINER_TIMEOUT", 10*time.Second),
			ViewportWidth:     getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight:    getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage:    getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:        getEnvOrDefault("BROWSER_TIMEZONE", "America/New_York"),
			Locale:            getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			CookiePath:        getEnvOrDefault("BROWSER_COOKIE_PATH", "cookies.json"),
			ProxyServer:       getEnvOrDefault("BROWSER_PROXY_SERVER", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "vendor_feeds"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 5)),
		},
		Redis: RedisConfig{
			Enabled:  getBoolOrDefault("REDIS_ENABLED", false),
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:vendor_feeds"),
		},
		Vendor: VendorConfig{
			Endpoint:      getEnvOrDefault("SPAPI_ENDPOINT", "https://sellingpartnerapi-na.amazon.com"),
			MarketplaceID: getEnvOrDefault("SPAPI_MARKETPLACE_ID", "ATVPDKIKX0DER"),
			TokenURL:      getEnvOrDefault("LWA_TOKEN_URL", "https://api.amazon.com/auth/o2/token"),
			ClientID:      getEnvOrDefault("LWA_CLIENT_ID", ""),
			ClientSecret:  getEnvOrDefault("LWA_CLIENT_SECRET", ""),
			RefreshToken:  getEnvOrDefault("LWA_REFRESH_TOKEN", ""),
			HTTPTimeout:   getDurationOrDefault("SPAPI_HTTP_TIMEOUT", 60*time.Second),
		},
		Backfill: BackfillConfig{
			HorizonYears:      getIntOrDefault("BACKFILL_HORIZON_YEARS", 3),
			MaxAttempts:       getIntOrDefault("BACKFILL_MAX_ATTEMPTS", 3),
			RetryBackoff:      getDurationOrDefault("BACKFILL_RETRY_BACKOFF", 60*time.Second),
			QuotaBackoff:      getDurationOrDefault("BACKFILL_QUOTA_BACKOFF", 5*time.Minute),
			InterRequestDelay: getDurationOrDefault("BACKFILL_INTER_REQUEST_DELAY", 10*time.Second),
			PollInterval:      getDurationOrDefault("BACKFILL_POLL_INTERVAL", 30*time.Second),
			PollAttempts:      getIntOrDefault("BACKFILL_POLL_ATTEMPTS", 40),
			ProbeDelay:        getDurationOrDefault("PROBE_DELAY", 30*time.Second),
			ProbeOffsets:      probeOffsets,
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.ItemTimeout <= 0 {
		return fmt.Errorf("SCRAPER_ITEM_TIMEOUT must be positive")
	}

	if c.Scraper.StallTimeout <= 0 || c.Scraper.SessionTimeout <= 0 || c.Scraper.PersistTimeout <= 0 {
		return fmt.Errorf("scraper stall, session and persist timeouts must be positive")
	}

	if c.Scraper.RestartEvery < 1 {
		return fmt.Errorf("SCRAPER_RESTART_EVERY must be at least 1")
	}

	if c.Scraper.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("SCRAPER_MAX_CONSECUTIVE_FAILURES must be at least 1")
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	if c.Scraper.CookieCheckpointRate < 0 || c.Scraper.CookieCheckpointRate > 1 {
		return fmt.Errorf("SCRAPER_COOKIE_CHECKPOINT_RATE must be between 0 and 1")
	}

	if c.Backfill.MaxAttempts < 1 {
		return fmt.Errorf("BACKFILL_MAX_ATTEMPTS must be at least 1")
	}

	if c.Backfill.PollAttempts < 1 {
		return fmt.Errorf("BACKFILL_POLL_ATTEMPTS must be at least 1")
	}

	if c.Backfill.HorizonYears < 1 {
		return fmt.Errorf("BACKFILL_HORIZON_YEARS must be at least 1")
	}

	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host and name are required")
	}

	return nil
}

// ValidateVendor checks the settings the report pipeline cannot run without.
func (c *Config) ValidateVendor() error {
	if c.Vendor.ClientID == "" || c.Vendor.ClientSecret == "" {
		return fmt.Errorf("LWA_CLIENT_ID and LWA_CLIENT_SECRET are required")
	}
	if c.Vendor.MarketplaceID == "" {
		return fmt.Errorf("SPAPI_MARKETPLACE_ID is required")
	}
	return nil
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

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

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getIntSliceOrDefault(key string, defaultValue []int) ([]int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, p)
		}
		out = append(out, n)
	}
	return out, nil
}
