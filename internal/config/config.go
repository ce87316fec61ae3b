package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port                   string
	AppEnv                 string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AMQPURL                string
	EventsQueuePrefix      string
	StoreID                string
	TaxRateRaw             string
	CatalogCacheTTLSeconds int
	CartTTLMinutes         int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LoginRatePerMinute     int
	ScanFramesPerSecond    int
	ShutdownTimeoutSeconds int
	ConfigFileFound        bool
}

// Load reads .env when present, then the process environment. A private
// viper instance keeps repeated loads in tests independent.
func Load() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	found := v.ReadInConfig() == nil

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("EVENTS_QUEUE_PREFIX", "labelpos")
	v.SetDefault("DEFAULT_STORE_ID", "main-store")
	v.SetDefault("TAX_RATE", "0.19")
	v.SetDefault("CATALOG_CACHE_TTL_SECONDS", 30)
	v.SetDefault("CART_TTL_MINUTES", 720)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 5)
	v.SetDefault("SCAN_FRAMES_PER_SECOND", 30)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 8)

	return Config{
		Port:                   strings.TrimSpace(v.GetString("PORT")),
		AppEnv:                 strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		AllowedOrigin:          v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:            strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:              strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisDB:                v.GetInt("REDIS_DB"),
		AMQPURL:                strings.TrimSpace(v.GetString("AMQP_URL")),
		EventsQueuePrefix:      v.GetString("EVENTS_QUEUE_PREFIX"),
		StoreID:                v.GetString("DEFAULT_STORE_ID"),
		TaxRateRaw:             strings.TrimSpace(v.GetString("TAX_RATE")),
		CatalogCacheTTLSeconds: positive(v.GetInt("CATALOG_CACHE_TTL_SECONDS"), 30),
		CartTTLMinutes:         positive(v.GetInt("CART_TTL_MINUTES"), 720),
		AuthSecret:             strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		LoginRatePerMinute:     positive(v.GetInt("LOGIN_RATE_PER_MINUTE"), 5),
		ScanFramesPerSecond:    positive(v.GetInt("SCAN_FRAMES_PER_SECOND"), 30),
		ShutdownTimeoutSeconds: positive(v.GetInt("SHUTDOWN_TIMEOUT_SECONDS"), 8),
		ConfigFileFound:        found,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// TaxRate parses TAX_RATE as a fraction, e.g. 0.19 for 19%.
func (c Config) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.TaxRateRaw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE %q: %w", c.TaxRateRaw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.New("TAX_RATE must be a fraction in [0, 1)")
	}
	return rate, nil
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
