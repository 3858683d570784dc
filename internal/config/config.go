package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/apiclient"
	"github.com/baerautotech/cerebral-access/internal/utils"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheFile   = "file"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// Purchase backends.
const (
	PurchaseNone   = "none"
	PurchaseHTTP   = "http"
	PurchaseStripe = "stripe"
)

const (
	productionAPIURL  = "https://cerebral.baerautotech.com/api"
	stagingAPIURL     = "https://staging.cerebral.baerautotech.com/api"
	developmentAPIURL = "http://localhost:8000/api"

	featureEnvPrefix = "CEREBRAL_FEATURE_"
)

// Config holds everything the engine needs to start.
type Config struct {
	Environment string
	APIBaseURL  string

	FlagsPath        string
	FlagsTTL         time.Duration
	FeatureOverrides map[string]bool

	CacheBackend  string
	CacheDir      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Token     string
	TokenFile string

	PurchaseBackend  string
	PurchaseBaseURL  string
	AppUserID        string
	StripeAPIKey     string
	StripeCustomerID string

	HTTPTimeout        time.Duration
	InsecureSkipVerify bool

	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// EnvFile is the .env file that was loaded, if any.
	EnvFile string
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Environment:      EnvDevelopment,
		APIBaseURL:       developmentAPIURL,
		FlagsPath:        "/flags",
		FlagsTTL:         5 * time.Minute,
		FeatureOverrides: map[string]bool{},
		CacheBackend:     CacheFile,
		CacheDir:         defaultCacheDir(),
		RedisAddr:        "localhost:6379",
		PurchaseBackend:  PurchaseNone,
		HTTPTimeout:      apiclient.DefaultTimeout,
		LogLevel:         "info",
		LogFormat:        "auto",
	}
}

// Load reads an optional .env file, then the environment, over Default.
// Variables already present in the environment win over the .env file.
func Load() (*Config, error) {
	cfg := Default()
	cfg.EnvFile = loadEnvFile()

	if env := firstEnv("CEREBRAL_ENVIRONMENT", "NODE_ENV"); env != "" {
		cfg.Environment = strings.ToLower(env)
	}
	cfg.APIBaseURL = apiURLFor(cfg.Environment)
	if v := utils.GetenvTrim("CEREBRAL_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}

	cfg.FlagsPath = utils.GetenvDefault("CEREBRAL_FLAGS_PATH", cfg.FlagsPath)
	if v := utils.GetenvTrim("CEREBRAL_FLAGS_TTL"); v != "" {
		d, err := utils.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CEREBRAL_FLAGS_TTL %q: %w", v, err)
		}
		cfg.FlagsTTL = d
	}
	cfg.FeatureOverrides = featureOverrides(os.Environ())

	cfg.CacheBackend = strings.ToLower(utils.GetenvDefault("CEREBRAL_CACHE_BACKEND", cfg.CacheBackend))
	cfg.CacheDir = utils.GetenvDefault("CEREBRAL_CACHE_DIR", cfg.CacheDir)
	cfg.RedisAddr = utils.GetenvDefault("CEREBRAL_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = os.Getenv("CEREBRAL_REDIS_PASSWORD")
	if v := utils.GetenvTrim("CEREBRAL_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CEREBRAL_REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = db
	}

	cfg.Token = utils.GetenvTrim("CEREBRAL_TOKEN")
	cfg.TokenFile = utils.GetenvTrim("CEREBRAL_TOKEN_FILE")

	cfg.PurchaseBackend = strings.ToLower(utils.GetenvDefault("CEREBRAL_PURCHASE_BACKEND", cfg.PurchaseBackend))
	cfg.PurchaseBaseURL = utils.GetenvDefault("CEREBRAL_PURCHASE_BASE_URL", cfg.APIBaseURL)
	cfg.AppUserID = utils.GetenvTrim("CEREBRAL_APP_USER_ID")
	cfg.StripeAPIKey = utils.GetenvTrim("STRIPE_API_KEY")
	cfg.StripeCustomerID = utils.GetenvTrim("CEREBRAL_STRIPE_CUSTOMER_ID")

	if v := utils.GetenvTrim("CEREBRAL_HTTP_TIMEOUT"); v != "" {
		d, err := utils.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CEREBRAL_HTTP_TIMEOUT %q: %w", v, err)
		}
		cfg.HTTPTimeout = d
	}
	cfg.InsecureSkipVerify = utils.ParseBool(os.Getenv("CEREBRAL_INSECURE_SKIP_VERIFY"))

	cfg.MetricsAddr = utils.GetenvTrim("CEREBRAL_METRICS_ADDR")
	cfg.LogLevel = strings.ToLower(utils.GetenvDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(utils.GetenvDefault("LOG_FORMAT", cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, err := apiclient.NormalizeBaseURL(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api base URL: %w", err))
	}
	if c.FlagsTTL <= 0 {
		errs = append(errs, fmt.Errorf("flags TTL must be positive, got %s", c.FlagsTTL))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP timeout must be positive, got %s", c.HTTPTimeout))
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheFile, CacheSQLite:
		if strings.TrimSpace(c.CacheDir) == "" {
			errs = append(errs, fmt.Errorf("cache backend %q requires a cache directory", c.CacheBackend))
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("cache backend redis requires CEREBRAL_REDIS_ADDR"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid redis db %d", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}

	switch c.PurchaseBackend {
	case PurchaseNone:
	case PurchaseHTTP:
		if _, err := apiclient.NormalizeBaseURL(c.PurchaseBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("purchase base URL: %w", err))
		}
		if c.AppUserID == "" {
			errs = append(errs, errors.New("purchase backend http requires CEREBRAL_APP_USER_ID"))
		}
	case PurchaseStripe:
		if c.StripeAPIKey == "" || c.StripeCustomerID == "" {
			errs = append(errs, errors.New("purchase backend stripe requires STRIPE_API_KEY and CEREBRAL_STRIPE_CUSTOMER_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown purchase backend %q", c.PurchaseBackend))
	}

	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// OverrideNames returns the overridden flag names, sorted.
func (c *Config) OverrideNames() []string {
	names := make([]string, 0, len(c.FeatureOverrides))
	for name := range c.FeatureOverrides {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadEnvFile() string {
	path := utils.GetenvTrim("CEREBRAL_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	if _, err := os.Stat(path); err != nil {
		if explicit {
			log.Warn().Err(err).Str("file", path).Msg("Configured .env file not found")
		}
		return ""
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to load .env file")
		return ""
	}
	log.Debug().Str("file", path).Msg("Loaded .env file")
	return path
}

func apiURLFor(env string) string {
	switch env {
	case EnvProduction:
		return productionAPIURL
	case EnvStaging:
		return stagingAPIURL
	default:
		return developmentAPIURL
	}
}

// featureOverrides reads CEREBRAL_FEATURE_<NAME>=<bool> entries, then
// forces every name in CEREBRAL_DISABLE_FEATURES off. Names are lowercased.
func featureOverrides(environ []string) map[string]bool {
	out := map[string]bool{}
	var disabled string
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key == "CEREBRAL_DISABLE_FEATURES" {
			disabled = value
			continue
		}
		if !strings.HasPrefix(key, featureEnvPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, featureEnvPrefix))
		if name == "" {
			continue
		}
		enabled, ok := utils.ParseBoolStrict(value)
		if !ok {
			log.Warn().Str("variable", key).Str("value", value).Msg("Ignoring non-boolean feature override")
			continue
		}
		out[name] = enabled
	}
	for _, name := range utils.SplitList(disabled) {
		out[strings.ToLower(name)] = false
	}
	return out
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := utils.GetenvTrim(k); v != "" {
			return v
		}
	}
	return ""
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "cerebral")
	}
	return filepath.Join(os.TempDir(), "cerebral")
}
