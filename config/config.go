package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application-level configuration
type Config struct {
	// HTTP trigger surface
	HTTPAddr  string `validate:"required"`
	ETLSecret string

	// Store
	StoreDriver  string `validate:"oneof=postgres memory"`
	DatabaseURL  string `validate:"required_if=StoreDriver postgres"`
	StoreTimeout time.Duration
	WriteRetries int `validate:"min=0,max=5"`

	// Upstream CMS sources
	CMSBaseURL            string `validate:"required,url"`
	CMSAPIKey             string
	ProviderInfoDatasetID string
	DeficienciesDatasetID string
	InspectionDatasetID   string
	InspectionIndexURL    string   `validate:"omitempty,url"`
	StaffingCatalogURL    string   `validate:"required,url"`
	StaffingTitlePattern  string   `validate:"required"`
	StaffingQuarters      int      `validate:"min=1,max=8"`
	StateWhitelist        []string `validate:"dive,len=2"`
	RegulatoryIDs         []string
	PageSize              int `validate:"min=1,max=5000"`
	IDBatchSize           int `validate:"min=1,max=1000"`

	// Fetch pacing
	PageDelay          time.Duration
	FetchRetries       int `validate:"min=0,max=10"`
	FetchBackoffBase   time.Duration
	FetchBackoffFactor float64 `validate:"gte=1"`
	HTTPTimeout        time.Duration
	DownloadTimeout    time.Duration

	// Run
	RunBudget          time.Duration
	MinCoverageDays    int    `validate:"min=0,max=91"`
	StaffingWindowDays int    `validate:"min=1,max=366"`
	StaffingAsOf       string `validate:"omitempty,datetime=2006-01-02"`

	// Supporting infrastructure
	RedisAddress    string
	LockTTL         time.Duration
	RunHistoryPath  string
	AuditDir        string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string `validate:"omitempty,url"`
	ArchivePrefix   string

	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogFormat string `validate:"oneof=json text"`
}

// Load reads configuration from a .env file (when present), environment variables,
// or falls back to defaults
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		ETLSecret: getEnv("ETL_SECRET", ""),

		StoreDriver:  getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:  getEnv("DATABASE_URL", "postgres://localhost:5432/communities?sslmode=disable"),
		StoreTimeout: getEnvMillis("STORE_TIMEOUT_MS", 10000),
		WriteRetries: getEnvInt("WRITE_RETRIES", 1),

		CMSBaseURL:            getEnv("CMS_BASE_URL", "https://data.cms.gov"),
		CMSAPIKey:             getEnv("CMS_API_KEY", ""),
		ProviderInfoDatasetID: getEnv("CMS_PROVIDER_INFO_DATASET", "4pq5-n9py"),
		DeficienciesDatasetID: getEnv("CMS_DEFICIENCIES_DATASET", "r5ix-sfxw"),
		InspectionDatasetID:   getEnv("CMS_INSPECTION_DATASET", ""),
		InspectionIndexURL:    getEnv("INSPECTION_INDEX_URL", ""),
		StaffingCatalogURL:    getEnv("STAFFING_CATALOG_URL", "https://data.cms.gov/data.json"),
		StaffingTitlePattern:  getEnv("STAFFING_TITLE_PATTERN", "Payroll Based Journal Daily Nurse Staffing"),
		StaffingQuarters:      getEnvInt("STAFFING_QUARTERS", 2),
		StateWhitelist:        getEnvList("STATE_WHITELIST", []string{"OH"}),
		RegulatoryIDs:         getEnvList("REGULATORY_IDS", nil),
		PageSize:              getEnvInt("PAGE_SIZE", 500),
		IDBatchSize:           getEnvInt("ID_BATCH_SIZE", 100),

		PageDelay:          getEnvMillis("RATE_LIMIT_DELAY_MS", 200),
		FetchRetries:       getEnvInt("MAX_RETRIES", 3),
		FetchBackoffBase:   getEnvMillis("RETRY_BASE_DELAY_MS", 500),
		FetchBackoffFactor: getEnvFloat("RETRY_BACKOFF_FACTOR", 2),
		HTTPTimeout:        getEnvMillis("HTTP_TIMEOUT_MS", 60000),
		DownloadTimeout:    getEnvMillis("DOWNLOAD_TIMEOUT_MS", 120000),

		RunBudget:          getEnvSeconds("RUN_BUDGET_SECONDS", 300),
		MinCoverageDays:    getEnvInt("STAFFING_MIN_COVERAGE_DAYS", 45),
		StaffingWindowDays: getEnvInt("STAFFING_WINDOW_DAYS", 90),
		StaffingAsOf:       getEnv("STAFFING_AS_OF", ""),

		RedisAddress:    getEnv("REDIS_ADDRESS", ""),
		LockTTL:         getEnvSeconds("RUN_LOCK_TTL_SECONDS", 330),
		RunHistoryPath:  getEnv("RUN_HISTORY_PATH", "data/runs.db"),
		AuditDir:        getEnv("AUDIT_DIR", "output/audit"),
		ArchiveBucket:   getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveRegion:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveEndpoint: getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchivePrefix:   getEnv("ARCHIVE_S3_PREFIX", "cms-raw/"),

		ArchiveAccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		ArchiveSecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate checks struct constraints and the duration settings validator tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	durations := map[string]time.Duration{
		"STORE_TIMEOUT_MS":    c.StoreTimeout,
		"HTTP_TIMEOUT_MS":     c.HTTPTimeout,
		"DOWNLOAD_TIMEOUT_MS": c.DownloadTimeout,
		"RUN_BUDGET_SECONDS":  c.RunBudget,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("invalid configuration: %s must be positive", name)
		}
	}
	if c.PageDelay < 0 || c.FetchBackoffBase < 0 {
		return fmt.Errorf("invalid configuration: delays must not be negative")
	}
	return nil
}

// StaffingAsOfDate parses StaffingAsOf; the zero time means "use the latest work date"
func (c *Config) StaffingAsOfDate() time.Time {
	if c.StaffingAsOf == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", c.StaffingAsOf)
	if err != nil {
		return time.Time{}
	}
	return t
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvSeconds(key string, defaultSec int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSec)) * time.Second
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
