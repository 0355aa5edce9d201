package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	MySQLDSN string
	LogLevel string

	Location *time.Location

	FreeDailyMessages         int
	ReferralUnlockThreshold   int
	SuperVIPReferralThreshold int
	TrialDurationDays         int
	PremiumDurationMonths     int
	SuperVIPWarnDays          int
	SuperVIPDowngradeDays     int
	HourlyValue               float64
	MinutesSavedPerMessage    float64
	PremiumMonthlyPrice       float64
	DecaySweepCron            string

	SchedulerPollInterval time.Duration
	SchedulerBatchSize    int
	SchedulerLease        time.Duration
	SchedulerMaxAttempts  int
	SweepConcurrency      int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TelegramPaymentProviderToken string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentProvider              string
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	AssistantBaseURL string
	AssistantAPIKey  string
	AssistantModel   string
	AssistantTimeout time.Duration

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
	S3Prefix       string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:                  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		FreeDailyMessages:         getInt("FREE_DAILY_MESSAGES", 5),
		ReferralUnlockThreshold:   getInt("REFERRAL_UNLOCK_THRESHOLD", 2),
		SuperVIPReferralThreshold: getInt("SUPER_VIP_REFERRAL_THRESHOLD", 5),
		TrialDurationDays:         getInt("TRIAL_DURATION_DAYS", 7),
		PremiumDurationMonths:     getInt("PREMIUM_DURATION_MONTHS", 12),
		SuperVIPWarnDays:          getInt("SUPER_VIP_WARN_DAYS", 7),
		SuperVIPDowngradeDays:     getInt("SUPER_VIP_DOWNGRADE_DAYS", 14),
		HourlyValue:               getFloat("HOURLY_VALUE", 500),
		MinutesSavedPerMessage:    getFloat("MINUTES_SAVED_PER_MESSAGE", 2),
		PremiumMonthlyPrice:       getFloat("PREMIUM_MONTHLY_PRICE", 299),
		DecaySweepCron:            getEnv("DECAY_SWEEP_CRON", "0 10 * * *"),
		SchedulerPollInterval:     getDuration("SCHEDULER_POLL_INTERVAL", 15*time.Second),
		SchedulerBatchSize:        getInt("SCHEDULER_BATCH_SIZE", 50),
		SchedulerLease:            getDuration("SCHEDULER_LEASE", 2*time.Minute),
		SchedulerMaxAttempts:      getInt("SCHEDULER_MAX_ATTEMPTS", 5),
		SweepConcurrency:          getInt("SWEEP_CONCURRENCY", 8),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   getInt("REDIS_DB", 0),
		PaymentCurrency:           getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPriceMinorUnits:    getInt("PAYMENT_PRICE_MINOR_UNITS", 299000),
		PaymentProvider:           strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		YooKassaShopID:            getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey:         getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaReturnURL:         getEnv("YOOKASSA_RETURN_URL", ""),
		AdminListenAddr:           getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:             getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:             getEnv("ADMIN_PASSWORD", "change-me"),
		AssistantBaseURL:          os.Getenv("ASSISTANT_BASE_URL"),
		AssistantAPIKey:           os.Getenv("ASSISTANT_API_KEY"),
		AssistantModel:            getEnv("ASSISTANT_MODEL", "gpt-4o-mini"),
		AssistantTimeout:          getDuration("ASSISTANT_TIMEOUT", 60*time.Second),
		S3Endpoint:                getEnv("S3_ENDPOINT", ""),
		S3Region:                  os.Getenv("S3_REGION"),
		S3AccessKey:               os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:               os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                  os.Getenv("S3_BUCKET"),
		S3UsePathStyle:            getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                  getEnv("S3_PREFIX", "campaigns"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")

	loc, err := time.LoadLocation(getEnv("REFERENCE_TIMEZONE", "Europe/Moscow"))
	if err != nil {
		return Config{}, fmt.Errorf("load reference timezone: %w", err)
	}
	cfg.Location = loc

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.PaymentProvider == "telegram" && cfg.TelegramPaymentProviderToken == "" {
		missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	}
	if cfg.PaymentProvider == "yookassa" {
		if cfg.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if cfg.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ArchiveEnabled reports whether enough S3 settings are present to archive campaigns.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c Config) validate() error {
	switch {
	case c.FreeDailyMessages < 1:
		return fmt.Errorf("FREE_DAILY_MESSAGES must be positive")
	case c.ReferralUnlockThreshold < 1:
		return fmt.Errorf("REFERRAL_UNLOCK_THRESHOLD must be positive")
	case c.SuperVIPReferralThreshold < c.ReferralUnlockThreshold:
		return fmt.Errorf("SUPER_VIP_REFERRAL_THRESHOLD must not be below REFERRAL_UNLOCK_THRESHOLD")
	case c.TrialDurationDays < 1:
		return fmt.Errorf("TRIAL_DURATION_DAYS must be positive")
	case c.PremiumDurationMonths < 1:
		return fmt.Errorf("PREMIUM_DURATION_MONTHS must be positive")
	case c.SuperVIPWarnDays < 1 || c.SuperVIPDowngradeDays <= c.SuperVIPWarnDays:
		return fmt.Errorf("SUPER_VIP_DOWNGRADE_DAYS must exceed SUPER_VIP_WARN_DAYS")
	case c.SweepConcurrency < 1:
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive")
	}
	return nil
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
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile loads the first .env candidate found. A missing file is fine:
// production deployments pass everything through the environment.
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
	return nil
}
