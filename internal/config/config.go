// Package config loads service configuration from the environment. Values
// are read once at startup and passed into constructors.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const prefix = "STEPWISE"

// Config is the complete runtime configuration.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`

	// StoreDriver selects the backend: memory, postgres or sqlite.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	PGDSN       string `envconfig:"PG_DSN"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"stepwise.db"`

	PaywallEnabled bool `envconfig:"PAYWALL_ENABLED" default:"true"`
	// Workshops created before this instant never require credits.
	GrandfatherCutoff time.Time `envconfig:"GRANDFATHER_CUTOFF"`
	UnlockCost        int64     `envconfig:"UNLOCK_COST" default:"1"`
	StepsPerWorkshop  int       `envconfig:"STEPS_PER_WORKSHOP" default:"5"`

	SaveMaxRetries int `envconfig:"SAVE_MAX_RETRIES" default:"3"`

	AuthSecret string        `envconfig:"AUTH_SECRET"`
	TokenTTL   time.Duration `envconfig:"TOKEN_TTL" default:"15m"`
	DevTokens  bool          `envconfig:"DEV_TOKENS" default:"false"`

	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
	WebhookIssuer string `envconfig:"WEBHOOK_ISSUER" default:"payments"`
	PaymentsURL   string `envconfig:"PAYMENTS_URL"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"stepwise.events"`

	RateBurst  int `envconfig:"RATE_BURST" default:"20"`
	RatePerSec int `envconfig:"RATE_PER_SEC" default:"10"`
}

// Load reads STEPWISE_* variables and validates the result.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(prefix, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.StoreDriver) {
	case "memory", "sqlite":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("STEPWISE_PG_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("STEPWISE_AUTH_SECRET is required"))
	}
	if c.UnlockCost <= 0 {
		errs = append(errs, errors.New("STEPWISE_UNLOCK_COST must be > 0"))
	}
	if c.StepsPerWorkshop <= 0 {
		errs = append(errs, errors.New("STEPWISE_STEPS_PER_WORKSHOP must be > 0"))
	}
	if c.SaveMaxRetries <= 0 {
		errs = append(errs, errors.New("STEPWISE_SAVE_MAX_RETRIES must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
