package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env                   string        `envconfig:"APP_ENV" default:"development"`
	Port                  string        `envconfig:"PORT" default:"8080"`
	AllowedOrigin         string        `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	LogLevel              string        `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL           string        `envconfig:"DATABASE_URL"`
	RedisAddr             string        `envconfig:"REDIS_ADDR"`
	RedisPassword         string        `envconfig:"REDIS_PASSWORD"`
	RedisDB               int           `envconfig:"REDIS_DB" default:"0"`
	StoreID               string        `envconfig:"DEFAULT_STORE_ID" default:"main-store"`
	AuthSecret            string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int           `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	QRTTL                 time.Duration `envconfig:"QR_TTL" default:"5m"`
	QRPollInterval        time.Duration `envconfig:"QR_POLL_INTERVAL" default:"3s"`
	QRBankBIN             string        `envconfig:"QR_BANK_BIN"`
	QRAccountNo           string        `envconfig:"QR_ACCOUNT_NO"`
	QRAccountName         string        `envconfig:"QR_ACCOUNT_NAME"`
	CurrencyPlaces        int32         `envconfig:"CURRENCY_PLACES" default:"0"`
	LoyaltyPointValue     string        `envconfig:"LOYALTY_POINT_VALUE" default:"100"`
	LoyaltyEarnUnit       string        `envconfig:"LOYALTY_EARN_UNIT" default:"10000"`
	PhoneCountryCode      string        `envconfig:"PHONE_COUNTRY_CODE" default:"62"`
	GeminiAPIKey          string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel           string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
}

// Load reads the environment. Security-sensitive values have no defaults;
// callers validate them before serving.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.QRTTL <= 0 {
		cfg.QRTTL = 5 * time.Minute
	}
	if cfg.QRPollInterval <= 0 {
		cfg.QRPollInterval = 3 * time.Second
	}
	if _, err := decimal.NewFromString(cfg.LoyaltyPointValue); err != nil {
		return Config{}, fmt.Errorf("LOYALTY_POINT_VALUE: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.LoyaltyEarnUnit); err != nil {
		return Config{}, fmt.Errorf("LOYALTY_EARN_UNIT: %w", err)
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) PointValue() decimal.Decimal {
	return decimal.RequireFromString(c.LoyaltyPointValue)
}

func (c Config) EarnUnit() decimal.Decimal {
	return decimal.RequireFromString(c.LoyaltyEarnUnit)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}
