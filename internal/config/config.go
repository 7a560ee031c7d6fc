// Package config reads service configuration from the environment, seeded
// from a .env file when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendBolt     = "bolt"
)

type Config struct {
	Port     string
	RunLocal bool

	StoreBackend string
	DatabaseURL  string
	BoltPath     string

	LocksTable       string
	IdempotencyTable string
	ThrottleTable    string
	OrdersTable      string

	LeaseDuration     time.Duration
	ResumeWindow      time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SweepBatch        int

	ClientLimit  int
	ClientWindow time.Duration
	CartLimit    int
	CartWindow   time.Duration

	OrdersQueueURL string
	EventsQueueURL string
	KafkaBrokers   string // comma separated
	KafkaTopic     string

	PricingURL   string
	PaymentURL   string
	PhaseTimeout time.Duration

	InternalAPIKey   string
	JWTSecret        string
	MetricsNamespace string
	AWSRegion        string
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse(os.Getenv)
}

// Parse builds a Config from lookup. Every malformed value is reported, not
// just the first.
func Parse(lookup func(string) string) (Config, error) {
	p := parser{lookup: lookup}
	cfg := Config{
		Port:     p.str("PORT", "8080"),
		RunLocal: p.boolean("RUN_LOCAL"),

		StoreBackend: strings.ToLower(p.str("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:  p.str("DATABASE_URL", ""),
		BoltPath:     p.str("BOLT_PATH", "checkout.db"),

		LocksTable:       p.str("LOCKS_TABLE", ""),
		IdempotencyTable: p.str("IDEMPOTENCY_TABLE", ""),
		ThrottleTable:    p.str("THROTTLE_TABLE", ""),
		OrdersTable:      p.str("ORDERS_TABLE", ""),

		LeaseDuration:     p.duration("LEASE_DURATION", 15*time.Minute),
		ResumeWindow:      p.duration("RESUME_WINDOW", 30*time.Minute),
		HeartbeatInterval: p.duration("HEARTBEAT_INTERVAL", time.Minute),
		SweepInterval:     p.duration("SWEEP_INTERVAL", 30*time.Second),
		SweepBatch:        p.integer("SWEEP_BATCH", 100),

		ClientLimit:  p.integer("THROTTLE_CLIENT_LIMIT", 10),
		ClientWindow: p.duration("THROTTLE_CLIENT_WINDOW", time.Minute),
		CartLimit:    p.integer("THROTTLE_CART_LIMIT", 5),
		CartWindow:   p.duration("THROTTLE_CART_WINDOW", time.Minute),

		OrdersQueueURL: p.str("ORDERS_QUEUE_URL", ""),
		EventsQueueURL: p.str("EVENTS_QUEUE_URL", ""),
		KafkaBrokers:   p.str("KAFKA_BROKERS", ""),
		KafkaTopic:     p.str("KAFKA_TOPIC", "checkout.events"),

		PricingURL:   strings.TrimRight(p.str("PRICING_URL", ""), "/"),
		PaymentURL:   strings.TrimRight(p.str("PAYMENT_URL", ""), "/"),
		PhaseTimeout: p.duration("PHASE_TIMEOUT", 10*time.Second),

		InternalAPIKey:   p.str("INTERNAL_API_KEY", ""),
		JWTSecret:        p.str("JWT_SECRET", ""),
		MetricsNamespace: p.str("METRICS_NAMESPACE", "checkout"),
		AWSRegion:        p.str("AWS_REGION", "us-east-1"),
	}

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			p.fail("DATABASE_URL is required for the postgres backend")
		}
	case BackendDynamoDB:
		if cfg.LocksTable == "" || cfg.IdempotencyTable == "" || cfg.ThrottleTable == "" {
			p.fail("LOCKS_TABLE, IDEMPOTENCY_TABLE and THROTTLE_TABLE are required for the dynamodb backend")
		}
	case BackendBolt:
	default:
		p.fail(fmt.Sprintf("STORE_BACKEND %q is not one of postgres, dynamodb, bolt", cfg.StoreBackend))
	}
	if cfg.LeaseDuration <= 0 {
		p.fail("LEASE_DURATION must be positive")
	}
	if cfg.HeartbeatInterval >= cfg.LeaseDuration {
		p.fail("HEARTBEAT_INTERVAL must be shorter than LEASE_DURATION")
	}
	if cfg.ResumeWindow < 0 {
		p.fail("RESUME_WINDOW must not be negative")
	}
	if cfg.SweepInterval <= 0 {
		p.fail("SWEEP_INTERVAL must be positive")
	}
	if cfg.SweepBatch <= 0 {
		p.fail("SWEEP_BATCH must be positive")
	}
	if cfg.ClientLimit <= 0 || cfg.CartLimit <= 0 {
		p.fail("throttle limits must be positive")
	}
	if cfg.ClientWindow <= 0 || cfg.CartWindow <= 0 {
		p.fail("throttle windows must be positive")
	}
	// a Lambda is frozen once it has responded, so the pipeline cannot run
	// in the API process there
	if !cfg.RunLocal && cfg.OrdersQueueURL == "" {
		p.fail("ORDERS_QUEUE_URL is required unless RUN_LOCAL is set")
	}

	return cfg, errors.Join(p.errs...)
}

type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) fail(msg string) {
	p.errs = append(p.errs, errors.New(msg))
}

func (p *parser) str(key, def string) string {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return def
	}
	return v
}

func (p *parser) boolean(key string) bool {
	v := strings.ToLower(p.str(key, "false"))
	return v == "1" || v == "true" || v == "yes"
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
