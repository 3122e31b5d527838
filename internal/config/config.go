// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Notification transports.
const (
	TransportSQS      = "sqs"
	TransportRabbitMQ = "rabbitmq"
)

const (
	defaultPort             = "8080"
	defaultCurrency         = "EUR"
	defaultIdempotencyTTL   = 48 * time.Hour
	defaultRabbitQueue      = "order-notifications"
	defaultMetricsNamespace = "CardMarket/Lifecycle"
)

// Config is the resolved runtime configuration. AWS region and endpoint are read by the SDK loader.
type Config struct {
	OrdersTable      string
	OffersTable      string
	IdempotencyTable string
	IdempotencyTTL   time.Duration

	NotifyTransport string
	NotifyQueueURL  string
	RabbitMQURL     string
	RabbitMQQueue   string
	EmailFrom       string

	StripeAPIKey        string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	Currency            string

	JWTSecret string

	LogLevel         string
	MetricsNamespace string
	RunLocal         bool
	Port             string
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv. Only malformed values fail here; required fields are
// checked by ValidateAPI and ValidateWorker.
func LoadFrom(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		OrdersTable:         get("ORDERS_TABLE", ""),
		OffersTable:         get("OFFERS_TABLE", ""),
		IdempotencyTable:    get("IDEMPOTENCY_TABLE", ""),
		IdempotencyTTL:      defaultIdempotencyTTL,
		NotifyTransport:     strings.ToLower(get("NOTIFY_TRANSPORT", TransportSQS)),
		NotifyQueueURL:      get("NOTIFY_QUEUE_URL", ""),
		RabbitMQURL:         get("RABBITMQ_URL", ""),
		RabbitMQQueue:       get("RABBITMQ_QUEUE", defaultRabbitQueue),
		EmailFrom:           get("EMAIL_FROM", ""),
		StripeAPIKey:        get("STRIPE_API_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:  get("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:   get("CHECKOUT_CANCEL_URL", ""),
		Currency:            strings.ToUpper(get("CURRENCY", defaultCurrency)),
		JWTSecret:           get("JWT_SECRET", ""),
		LogLevel:            get("LOG_LEVEL", "info"),
		MetricsNamespace:    get("METRICS_NAMESPACE", defaultMetricsNamespace),
		Port:                get("PORT", defaultPort),
	}

	var invalid []string
	if raw := get("IDEMPOTENCY_TTL", ""); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			invalid = append(invalid, "IDEMPOTENCY_TTL")
		} else {
			cfg.IdempotencyTTL = ttl
		}
	}
	if raw := get("RUN_LOCAL", ""); raw != "" {
		runLocal, err := strconv.ParseBool(raw)
		if err != nil {
			invalid = append(invalid, "RUN_LOCAL")
		}
		cfg.RunLocal = runLocal
	}
	if cfg.NotifyTransport != TransportSQS && cfg.NotifyTransport != TransportRabbitMQ {
		invalid = append(invalid, "NOTIFY_TRANSPORT")
	}
	if len(cfg.Currency) != 3 {
		invalid = append(invalid, "CURRENCY")
	}
	if len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}
	return cfg, nil
}

// ValidateAPI checks the settings the HTTP API cannot start without.
func (c Config) ValidateAPI() error {
	missing := c.missingCommon()
	for key, v := range map[string]string{
		"ORDERS_TABLE":          c.OrdersTable,
		"OFFERS_TABLE":          c.OffersTable,
		"IDEMPOTENCY_TABLE":     c.IdempotencyTable,
		"STRIPE_API_KEY":        c.StripeAPIKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
		"CHECKOUT_SUCCESS_URL":  c.CheckoutSuccessURL,
		"CHECKOUT_CANCEL_URL":   c.CheckoutCancelURL,
		"JWT_SECRET":            c.JWTSecret,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	return validationResult(missing)
}

// ValidateWorker checks the settings the notification worker cannot start without.
func (c Config) ValidateWorker() error {
	missing := c.missingCommon()
	if c.EmailFrom == "" {
		missing = append(missing, "EMAIL_FROM")
	}
	if c.IdempotencyTable == "" {
		missing = append(missing, "IDEMPOTENCY_TABLE")
	}
	return validationResult(missing)
}

func (c Config) missingCommon() []string {
	var missing []string
	switch c.NotifyTransport {
	case TransportRabbitMQ:
		if c.RabbitMQURL == "" {
			missing = append(missing, "RABBITMQ_URL")
		}
	default:
		if c.NotifyQueueURL == "" {
			missing = append(missing, "NOTIFY_QUEUE_URL")
		}
	}
	return missing
}

func validationResult(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)
	return &ValidationError{fields: fields}
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}
