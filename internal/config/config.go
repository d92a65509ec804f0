/**
 * @description
 * This package handles the configuration management for the exchange-service. It uses
 * Viper to read settings from environment variables and an optional .env file, then
 * coerces and validates the values the service cannot start without.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 * - github.com/shopspring/decimal: Monetary unit values.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the exchange-service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SeedCatalog bool   `mapstructure:"SEED_CATALOG"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBLockTimeoutMs  int    `mapstructure:"DB_LOCK_TIMEOUT_MS"`
	ExchangeRetries  int    `mapstructure:"EXCHANGE_MAX_RETRIES"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	RedisRatePrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	StatusPollsLimit int    `mapstructure:"PAYMENT_STATUS_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	EventsExchange    string `mapstructure:"EVENTS_EXCHANGE"`
	NotificationQueue string `mapstructure:"NOTIFICATION_QUEUE"`

	MercadoPagoBaseURL     string `mapstructure:"MERCADOPAGO_API_BASE_URL"`
	MercadoPagoAccessToken string `mapstructure:"MERCADOPAGO_ACCESS_TOKEN"`
	PaymentWebhookSecret   string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentNotificationURL string `mapstructure:"PAYMENT_NOTIFICATION_URL"`
	PaymentExpiryMinutes   int    `mapstructure:"PAYMENT_EXPIRY_MINUTES"`
	PaymentExpirySchedule  string `mapstructure:"PAYMENT_EXPIRY_SCHEDULE"`
	MinCreditsPurchase     int64  `mapstructure:"MIN_CREDITS_PURCHASE"`
	HonorLateApproval      bool   `mapstructure:"HONOR_LATE_APPROVAL"`
	CreditUnitPriceRaw     string `mapstructure:"CREDIT_UNIT_PRICE"`
	PointUnitValueRaw      string `mapstructure:"POINT_UNIT_VALUE"`

	StripeBaseURL         string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeSecretKey       string `mapstructure:"STRIPE_SECRET_KEY"`
	CheckoutSuccessURL    string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL     string `mapstructure:"CHECKOUT_CANCEL_URL"`
	CheckoutCurrency      string `mapstructure:"CHECKOUT_CURRENCY"`
	CheckoutExpiryMinutes int    `mapstructure:"CHECKOUT_EXPIRY_MINUTES"`

	JWTJWKSURL  string `mapstructure:"JWT_JWKS_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	CORSAllowedOriginsRaw string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// Parsed from the raw values above.
	CreditUnitPrice    decimal.Decimal `mapstructure:"-"`
	PointUnitValue     decimal.Decimal `mapstructure:"-"`
	CORSAllowedOrigins []string        `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                          "8080",
	"STORE_DRIVER":                         StoreDriverPostgres,
	"SEED_CATALOG":                         false,
	"DB_MAX_CONNS":                         20,
	"DB_LOCK_TIMEOUT_MS":                   3000,
	"EXCHANGE_MAX_RETRIES":                 3,
	"REDIS_RATE_LIMIT_PREFIX":              "tokenex:rate_limit",
	"PAYMENT_STATUS_RATE_LIMIT_PER_MINUTE": 30,
	"EVENTS_EXCHANGE":                      "tokenex.events",
	"NOTIFICATION_QUEUE":                   "exchange_service.notifications",
	"MERCADOPAGO_API_BASE_URL":             "https://api.mercadopago.com",
	"PAYMENT_EXPIRY_MINUTES":               15,
	"PAYMENT_EXPIRY_SCHEDULE":              "@every 1m",
	"MIN_CREDITS_PURCHASE":                 10,
	"HONOR_LATE_APPROVAL":                  true,
	"CREDIT_UNIT_PRICE":                    "1.00",
	"POINT_UNIT_VALUE":                     "0.50",
	"STRIPE_API_BASE_URL":                  "https://api.stripe.com",
	"CHECKOUT_CURRENCY":                    "brl",
	"CHECKOUT_EXPIRY_MINUTES":              30,
	"CORS_ALLOWED_ORIGINS":                 "",
}

var boundKeys = []string{
	"SERVER_PORT", "STORE_DRIVER", "SEED_CATALOG",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_LOCK_TIMEOUT_MS", "EXCHANGE_MAX_RETRIES",
	"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "PAYMENT_STATUS_RATE_LIMIT_PER_MINUTE",
	"RABBITMQ_URL", "EVENTS_EXCHANGE", "NOTIFICATION_QUEUE",
	"MERCADOPAGO_API_BASE_URL", "MERCADOPAGO_ACCESS_TOKEN", "PAYMENT_WEBHOOK_SECRET",
	"PAYMENT_NOTIFICATION_URL", "PAYMENT_EXPIRY_MINUTES", "PAYMENT_EXPIRY_SCHEDULE",
	"MIN_CREDITS_PURCHASE", "HONOR_LATE_APPROVAL", "CREDIT_UNIT_PRICE", "POINT_UNIT_VALUE",
	"STRIPE_API_BASE_URL", "STRIPE_SECRET_KEY", "CHECKOUT_SUCCESS_URL", "CHECKOUT_CANCEL_URL",
	"CHECKOUT_CURRENCY", "CHECKOUT_EXPIRY_MINUTES",
	"JWT_JWKS_URL", "JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE",
	"CORS_ALLOWED_ORIGINS",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("MERCADOPAGO_ACCESS_TOKEN", "MERCADOPAGO_ACCESS_TOKEN", "MP_ACCESS_TOKEN")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRatePrefix = strings.TrimSpace(config.RedisRatePrefix)
	if config.RedisRatePrefix == "" {
		config.RedisRatePrefix = "tokenex:rate_limit"
	}

	config.CreditUnitPrice = parseUnitValue("CREDIT_UNIT_PRICE", config.CreditUnitPriceRaw, "1.00")
	config.PointUnitValue = parseUnitValue("POINT_UNIT_VALUE", config.PointUnitValueRaw, "0.50")
	config.CORSAllowedOrigins = splitList(config.CORSAllowedOriginsRaw)

	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 20
	}
	if config.DBLockTimeoutMs <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive lock timeout; using default\" value=%d", config.DBLockTimeoutMs)
		config.DBLockTimeoutMs = 3000
	}
	if config.ExchangeRetries < 0 {
		config.ExchangeRetries = 0
	}
	if config.PaymentExpiryMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive payment expiry; using default\" value=%d", config.PaymentExpiryMinutes)
		config.PaymentExpiryMinutes = 15
	}
	if config.MinCreditsPurchase <= 0 {
		config.MinCreditsPurchase = 1
	}
	config.PaymentWebhookSecret = strings.TrimSpace(config.PaymentWebhookSecret)
	if config.PaymentWebhookSecret == "" && config.StoreDriver == StoreDriverMemory {
		log.Println("level=warn component=config msg=\"PAYMENT_WEBHOOK_SECRET not set; webhook signatures will not be verified\"")
	}
	config.StripeSecretKey = strings.TrimSpace(config.StripeSecretKey)
	config.CheckoutCurrency = strings.ToLower(strings.TrimSpace(config.CheckoutCurrency))
	if config.CheckoutCurrency == "" {
		config.CheckoutCurrency = "brl"
	}
	switch {
	case config.CheckoutExpiryMinutes < 30:
		config.CheckoutExpiryMinutes = 30
	case config.CheckoutExpiryMinutes > 1440:
		config.CheckoutExpiryMinutes = 1440
	}

	err = config.validate()
	return
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
		if c.PaymentWebhookSecret == "" {
			return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if strings.TrimSpace(c.JWTJWKSURL) == "" && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("one of JWT_JWKS_URL or JWT_SECRET must be set")
	}
	if c.StripeSecretKey != "" && (strings.TrimSpace(c.CheckoutSuccessURL) == "" || strings.TrimSpace(c.CheckoutCancelURL) == "") {
		return fmt.Errorf("CHECKOUT_SUCCESS_URL and CHECKOUT_CANCEL_URL are required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

func parseUnitValue(key, raw, fallback string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		v, err := decimal.NewFromString(raw)
		if err == nil && v.GreaterThan(decimal.Zero) {
			return v
		}
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", key, raw, err)
	}
	return decimal.RequireFromString(fallback)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
