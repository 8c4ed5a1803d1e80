package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API, the worker and supporting services.
type Config struct {
	HTTPListenAddr string
	StoreDriver    string
	MySQLDSN       string

	MySQLMaxOpenConns int

	JWTSecret     string
	AdminUsername string
	AdminPassword string

	KIEAPIKey            string
	KIEBaseURL           string
	KIEModel             string
	RequestTimeout       time.Duration
	ProviderRPS          float64
	ProviderPollInterval time.Duration
	ProviderMaxPolls     int

	S3Endpoint        string
	S3Region          string
	S3AccessKey       string
	S3SecretKey       string
	S3Bucket          string
	S3PublicBaseURL   string
	S3UsePathStyle    bool
	S3OriginalsPrefix string
	S3ResultsPrefix   string

	GenerationCost           int
	WelcomeCredits           int
	TrialCredits             int
	TrialDays                int
	SubscriptionCredits      int
	RenewalCredits           int
	RatingBonusCredits       int
	VerificationBonusCredits int
	CreditPacks              map[string]int

	JobMaxAttempts     int
	JobRetryBackoff    time.Duration
	JobRetryMaxBackoff time.Duration
	JobStaleAfter      time.Duration
	WorkerEnabled      bool
	WorkerPollInterval time.Duration
	ReclaimSchedule    string
	TrialSweepSchedule string

	RevenueCatWebhookAuth string

	TelegramBotToken    string
	TelegramAlertChatID int64
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		HTTPListenAddr:           getEnv("HTTP_LISTEN_ADDR", ":8080"),
		StoreDriver:              strings.ToLower(getEnv("STORE_DRIVER", "mysql")),
		MySQLMaxOpenConns:        getInt("MYSQL_MAX_OPEN_CONNS", 10),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "change-me"),
		KIEBaseURL:               normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		KIEModel:                 getEnv("KIE_MODEL", "flux-2/pro-image-to-image"),
		RequestTimeout:           time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		ProviderRPS:              getFloat("PROVIDER_RPS", 2),
		ProviderPollInterval:     getDuration("PROVIDER_POLL_INTERVAL", 2*time.Second),
		ProviderMaxPolls:         getInt("PROVIDER_MAX_POLLS", 60),
		S3Endpoint:               getEnv("S3_ENDPOINT", ""),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3OriginalsPrefix:        getEnv("S3_ORIGINALS_PREFIX", "originals"),
		S3ResultsPrefix:          getEnv("S3_RESULTS_PREFIX", "generated"),
		GenerationCost:           getInt("GENERATION_COST", 200),
		WelcomeCredits:           getInt("WELCOME_CREDITS", 0),
		TrialCredits:             getInt("TRIAL_CREDITS", 1000),
		TrialDays:                getInt("TRIAL_DAYS", 3),
		SubscriptionCredits:      getInt("SUBSCRIPTION_CREDITS", 0),
		RenewalCredits:           getInt("RENEWAL_CREDITS", 0),
		RatingBonusCredits:       getInt("RATING_BONUS_CREDITS", 200),
		VerificationBonusCredits: getInt("VERIFICATION_BONUS_CREDITS", 200),
		JobMaxAttempts:           getInt("JOB_MAX_ATTEMPTS", 3),
		JobRetryBackoff:          getDuration("JOB_RETRY_BACKOFF", 5*time.Second),
		JobRetryMaxBackoff:       getDuration("JOB_RETRY_MAX_BACKOFF", 5*time.Minute),
		JobStaleAfter:            getDuration("JOB_STALE_AFTER", 10*time.Minute),
		WorkerEnabled:            getBool("WORKER_ENABLED", true),
		WorkerPollInterval:       getDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		ReclaimSchedule:          getEnv("RECLAIM_SCHEDULE", "@every 1m"),
		TrialSweepSchedule:       getEnv("TRIAL_SWEEP_SCHEDULE", "@every 10m"),
		TelegramAlertChatID:      getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.RevenueCatWebhookAuth = os.Getenv("REVENUECAT_WEBHOOK_AUTH")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	packs, err := parseCreditPacks(getEnv("CREDIT_PACKS", "credits_1000:1000,credits_5000:5000"))
	if err != nil {
		return Config{}, err
	}
	cfg.CreditPacks = packs

	var missing []string
	switch cfg.StoreDriver {
	case "mysql":
		if cfg.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.GenerationCost <= 0 {
		return Config{}, fmt.Errorf("GENERATION_COST must be positive")
	}
	if cfg.JobMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}
	if cfg.MySQLMaxOpenConns < 2 {
		cfg.MySQLMaxOpenConns = 2
	}

	return cfg, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

// parseCreditPacks reads "product_id:credits" pairs separated by commas.
func parseCreditPacks(raw string) (map[string]int, error) {
	packs := make(map[string]int)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, credits, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid CREDIT_PACKS entry %q", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(credits))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid credits in CREDIT_PACKS entry %q", item)
		}
		packs[strings.TrimSpace(id)] = n
	}
	return packs, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Plain environment is enough in containers.
	return nil
}
