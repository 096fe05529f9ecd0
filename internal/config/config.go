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

// Config aggregates runtime configuration for the API, the sweeper and supporting services.
type Config struct {
	LogLevel        string
	HTTPListenAddr  string
	MySQLDSN        string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration

	KIEAPIKey        string
	KIEBaseURL       string
	WavespeedAPIKey  string
	WavespeedBaseURL string
	// ProviderOverrides pins a generation kind to a provider name, e.g. "image-from-text=wavespeed".
	ProviderOverrides map[string]string

	SubmitMaxRetries int
	SubmitBackoff    time.Duration
	PollInterval     time.Duration
	PollMaxAttempts  int
	PendingTimeout   time.Duration
	ActiveWindow     time.Duration

	SweepSchedule string
	SweepBatch    int
	RedisAddr     string
	RedisPassword string
	SweepLockTTL  time.Duration

	BotToken               string
	PaymentProvider        string
	TelegramPaymentToken   string
	PaymentCurrency        string
	PaymentPriceMinorUnits int
	PaymentCreditsPerPack  int
	PromoBonusCredits      int
	YooKassaShopID         string
	YooKassaSecretKey      string
	YooKassaReturnURL      string
	YooKassaAPIURL         string

	AdminUsername string
	AdminPassword string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const (
		defaultKIEBaseURL       = "https://api.kie.ai"
		defaultWavespeedBaseURL = "https://api.wavespeed.ai"
	)

	cfg := Config{
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:         getEnv("HTTP_LISTEN_ADDR", ":8080"),
		RequestTimeout:         time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		DownloadTimeout:        time.Second * time.Duration(getInt("DOWNLOAD_TIMEOUT_SECONDS", 120)),
		KIEBaseURL:             normalizeBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		WavespeedBaseURL:       normalizeBaseURL(getEnv("WAVESPEED_BASE_URL", defaultWavespeedBaseURL), defaultWavespeedBaseURL),
		ProviderOverrides:      parseOverrides(getEnv("PROVIDER_OVERRIDES", "")),
		SubmitMaxRetries:       getInt("SUBMIT_MAX_RETRIES", 2),
		SubmitBackoff:          getDuration("SUBMIT_BACKOFF", 500*time.Millisecond),
		PollInterval:           getDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:        getInt("POLL_MAX_ATTEMPTS", 60),
		PendingTimeout:         getDuration("PENDING_TIMEOUT", 10*time.Minute),
		ActiveWindow:           getDuration("ACTIVE_WINDOW", 5*time.Minute),
		SweepSchedule:          getEnv("SWEEP_SCHEDULE", "@every 30s"),
		SweepBatch:             getInt("SWEEP_BATCH", 200),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		SweepLockTTL:           getDuration("SWEEP_LOCK_TTL", 5*time.Minute),
		PaymentProvider:        strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		TelegramPaymentToken:   os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN"),
		PaymentCurrency:        getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPriceMinorUnits: getInt("PAYMENT_PRICE_MINOR_UNITS", 29900),
		PaymentCreditsPerPack:  getInt("PAYMENT_CREDITS_PER_PACKAGE", 50),
		PromoBonusCredits:      getInt("PROMO_BONUS_CREDITS", 25),
		YooKassaShopID:         getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey:      getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaReturnURL:      getEnv("YOOKASSA_RETURN_URL", ""),
		YooKassaAPIURL:         getEnv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"),
		AdminUsername:          getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:          getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3Region:               os.Getenv("S3_REGION"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:        os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:         getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:               getEnv("S3_PREFIX", "generations"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.WavespeedAPIKey = os.Getenv("WAVESPEED_API_KEY")
	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.KIEAPIKey == "" && c.WavespeedAPIKey == "" {
		missing = append(missing, "KIE_API_KEY or WAVESPEED_API_KEY")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// normalizeBaseURL ensures an absolute https URL. Some provider docs use the marketing
// domain, which returns HTML instead of JSON, so bare kie.ai is forced to the API host.
func normalizeBaseURL(raw string, fallback string) string {
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

	return strings.TrimRight(parsed.String(), "/")
}

func parseOverrides(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kind, name, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || kind == "" || name == "" {
			continue
		}
		out[strings.TrimSpace(kind)] = strings.ToLower(strings.TrimSpace(name))
	}
	return out
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
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile overlays the first env file found. A missing file is fine in containers
// where everything comes from the environment.
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
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
