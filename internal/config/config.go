package config

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for the scraping pipeline.
type Config struct {
	// Database connection
	Database DatabaseConfig

	// Worker fleet sizing
	Workers WorkersConfig

	// Heartbeat liveness and recovery
	Heartbeat HeartbeatConfig

	// Catalog parsing
	Catalog CatalogConfig

	// Object (detail page) parsing
	Object ObjectConfig

	// Validation pipeline
	Validation ValidationConfig

	// AI validation endpoint
	AI AIConfig

	// Scraping-engine sidecar
	Browser BrowserConfig

	// Proxy pool
	Proxy ProxyConfig

	// Reparse mode (re-ingestion of previously parsed listings)
	Reparse ReparseConfig

	// Xvfb virtual displays for headless browser workers
	Display DisplayConfig

	// Monitoring HTTP server (health + metrics)
	Monitoring MonitoringConfig

	// ContainerID prefixes worker ids so they are globally unique
	// across a multi-container fleet.
	ContainerID string
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// WorkersConfig holds worker fleet sizing.
type WorkersConfig struct {
	TotalBrowserWorkers    int
	TotalValidationWorkers int

	// CatalogBufferSize is the catalog-vs-object scheduling threshold:
	// below it browser workers prefer catalog tasks, at or above it they
	// prefer object tasks.
	CatalogBufferSize int
}

// HeartbeatConfig holds heartbeat and stuck-task recovery configuration.
type HeartbeatConfig struct {
	// Timeout after which a processing task with a stale heartbeat is
	// considered abandoned.
	Timeout time.Duration

	// UpdateInterval is how often in-flight workers refresh heartbeat_at.
	UpdateInterval time.Duration

	// CheckInterval is how often the orchestrator sweeps for expired tasks.
	CheckInterval time.Duration
}

// CatalogConfig holds catalog parsing configuration.
type CatalogConfig struct {
	MaxPages    int
	IncludeHTML bool
	Fields      []string

	// Sort is the search result ordering requested from the catalog.
	Sort string

	// Condition narrows the search to new or used items.
	Condition string

	// ProxyRotationLimit bounds in-task proxy rotations before the task
	// is returned to the queue.
	ProxyRotationLimit int

	// WrongPageMaxCount bounds unrecognized-page retries before the task
	// is failed.
	WrongPageMaxCount int
}

// ObjectConfig holds detail page parsing configuration.
type ObjectConfig struct {
	SkipObjectParsing bool
	IncludeHTML       bool
	Fields            []string

	ServerErrorRetryAttempts int
	ServerErrorRetryDelay    time.Duration
}

// ValidationConfig holds validation pipeline configuration.
type ValidationConfig struct {
	MinPrice               float64
	MinValidatedItems      int
	MinSellerReviews       int
	EnablePriceValidation  bool
	EnableAIValidation     bool
	RequireArticulumInText bool
	Stopwords              []string
}

// AIConfig holds the LLM endpoint configuration.
type AIConfig struct {
	EndpointURL string
	APIKey      string
	Model       string
	Timeout     time.Duration

	// MaxListingsPerRequest bounds the payload of a single validation call.
	MaxListingsPerRequest int
}

// BrowserConfig holds the scraping-engine sidecar configuration.
type BrowserConfig struct {
	EngineURL string

	// CommandTimeout bounds one engine command. Catalog crawls spanning
	// many pages behind a slow proxy take minutes.
	CommandTimeout time.Duration
}

// ProxyConfig holds proxy pool configuration.
type ProxyConfig struct {
	// WaitTimeout is the per-attempt sleep while waiting for a free proxy.
	WaitTimeout time.Duration
}

// ReparseConfig holds re-ingestion configuration.
type ReparseConfig struct {
	Enabled          bool
	MinIntervalHours int
}

// DisplayConfig holds Xvfb configuration for Linux headless workers.
type DisplayConfig struct {
	Enabled      bool
	DisplayStart int
	Resolution   string
}

// MonitoringConfig holds the orchestrator monitoring server configuration.
type MonitoringConfig struct {
	Port int
}

// DefaultStopwords is the stop-word list for mechanical validation.
// Covers counterfeit markers and used-condition markers.
var DefaultStopwords = []string{
	// counterfeits
	"копия", "реплика", "подделка", "фейк", "fake",
	"replica", "copy", "имитация", "аналог",
	"не оригинал", "неоригинал", "китай", "china",
	"подобие", "как оригинал",
	"копи", "копию", "дубликат", "дубль",

	// used condition
	"б/у", "бу", "б у", "использованный", "использованная",
	"ношенный", "ношеный", "поношенный",
	"second hand", "second-hand", "secondhand", "used",
	"worn", "pre-owned", "preowned", "pre owned",
	"после носки", "поноска", "с дефектами", "дефект",
	"потертости", "потёртости", "царапины", "следы носки",
	"требует ремонта", "на запчасти", "не новый", "не новая",
}

// DefaultCatalogFields are the fields requested from the browser driver
// for catalog cards.
var DefaultCatalogFields = []string{
	"item_id", "title", "price", "snippet",
	"seller_name", "seller_id", "seller_rating", "seller_reviews",
}

// DefaultObjectFields are the fields requested from the browser driver
// for detail cards.
var DefaultObjectFields = []string{
	"title", "price", "seller", "item_id", "published_at",
	"description", "location", "characteristics", "views_total",
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "avitoscout"),
			User:            getEnv("DB_USER", "avitoscout"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},

		Workers: WorkersConfig{
			TotalBrowserWorkers:    getEnvInt("TOTAL_BROWSER_WORKERS", 10),
			TotalValidationWorkers: getEnvInt("TOTAL_VALIDATION_WORKERS", 2),
			CatalogBufferSize:      getEnvInt("CATALOG_BUFFER_SIZE", 5),
		},

		Heartbeat: HeartbeatConfig{
			Timeout:        getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 1800),
			UpdateInterval: getEnvSeconds("HEARTBEAT_UPDATE_INTERVAL", 30),
			CheckInterval:  getEnvSeconds("HEARTBEAT_CHECK_INTERVAL", 60),
		},

		Catalog: CatalogConfig{
			MaxPages:           getEnvInt("CATALOG_MAX_PAGES", 10),
			IncludeHTML:        getEnvBool("CATALOG_INCLUDE_HTML", false),
			Fields:             getEnvSlice("CATALOG_FIELDS", DefaultCatalogFields),
			Sort:               getEnv("CATALOG_SORT", "date"),
			Condition:          getEnv("CATALOG_CONDITION", "new-only"),
			ProxyRotationLimit: getEnvInt("PROXY_ROTATION_LIMIT", 10),
			WrongPageMaxCount:  getEnvInt("WRONG_PAGE_MAX_COUNT", 3),
		},

		Object: ObjectConfig{
			SkipObjectParsing:        getEnvBool("SKIP_OBJECT_PARSING", false),
			IncludeHTML:              getEnvBool("OBJECT_INCLUDE_HTML", false),
			Fields:                   getEnvSlice("OBJECT_FIELDS", DefaultObjectFields),
			ServerErrorRetryAttempts: getEnvInt("SERVER_ERROR_RETRY_ATTEMPTS", 3),
			ServerErrorRetryDelay:    getEnvDuration("SERVER_ERROR_RETRY_DELAY", 4*time.Second),
		},

		Validation: ValidationConfig{
			MinPrice:               getEnvFloat("MIN_PRICE", 1000.0),
			MinValidatedItems:      getEnvInt("MIN_VALIDATED_ITEMS", 3),
			MinSellerReviews:       getEnvInt("MIN_SELLER_REVIEWS", 0),
			EnablePriceValidation:  getEnvBool("ENABLE_PRICE_VALIDATION", true),
			EnableAIValidation:     getEnvBool("ENABLE_AI_VALIDATION", false),
			RequireArticulumInText: getEnvBool("REQUIRE_ARTICULUM_IN_TEXT", false),
			Stopwords:              getEnvSlice("VALIDATION_STOPWORDS", DefaultStopwords),
		},

		AI: AIConfig{
			EndpointURL:           getEnv("AI_ENDPOINT_URL", ""),
			APIKey:                getEnv("AI_API_KEY", ""),
			Model:                 getEnv("AI_MODEL", "gemini-2.5-flash"),
			Timeout:               getEnvDuration("AI_TIMEOUT", 120*time.Second),
			MaxListingsPerRequest: getEnvInt("AI_MAX_LISTINGS_PER_REQUEST", 30),
		},

		Browser: BrowserConfig{
			EngineURL:      getEnv("ENGINE_URL", "http://localhost:8793"),
			CommandTimeout: getEnvDuration("ENGINE_COMMAND_TIMEOUT", 10*time.Minute),
		},

		Proxy: ProxyConfig{
			WaitTimeout: getEnvSeconds("PROXY_WAIT_TIMEOUT", 10),
		},

		Reparse: ReparseConfig{
			Enabled:          getEnvBool("REPARSE_MODE", false),
			MinIntervalHours: getEnvInt("MIN_REPARSE_INTERVAL_HOURS", 24),
		},

		Display: DisplayConfig{
			Enabled:      getEnvBool("XVFB_ENABLED", true),
			DisplayStart: getEnvInt("XVFB_DISPLAY_START", 99),
			Resolution:   getEnv("XVFB_RESOLUTION", "1920x1080x24"),
		},

		Monitoring: MonitoringConfig{
			Port: getEnvInt("MONITORING_PORT", 9090),
		},

		ContainerID: getEnv("CONTAINER_ID", deriveContainerID()),
	}

	if cfg.Reparse.MinIntervalHours < 0 {
		return nil, fmt.Errorf("MIN_REPARSE_INTERVAL_HOURS must not be negative")
	}
	if cfg.Workers.TotalBrowserWorkers < 0 || cfg.Workers.TotalValidationWorkers < 0 {
		return nil, fmt.Errorf("worker counts must not be negative")
	}

	return cfg, nil
}

// deriveContainerID generates a short container id from the hostname hash,
// falling back to a random uuid when the hostname is unavailable.
func deriveContainerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return uuid.NewString()[:8]
	}
	sum := md5.Sum([]byte(hostname))
	return hex.EncodeToString(sum[:])[:8]
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSeconds reads a plain integer number of seconds, matching the
// HEARTBEAT_TIMEOUT_SECONDS style knobs.
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
