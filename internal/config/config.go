package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Slot lock backends selectable through SLOT_LOCK_BACKEND.
const (
	LockBackendMySQL = "mysql"
	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Durations are parsed with time.ParseDuration.
type Config struct {
	Env                 string        // application environment (e.g. "dev", "prod")
	Port                string        // HTTP port to listen on
	DBUser              string        // database username
	DBPass              string        // database password (optional)
	DBHost              string        // database host address
	DBPort              string        // database port number
	DBName              string        // database name
	JWTSecret           string        // secret used to verify (and in dev, sign) JWTs
	StripeSecretKey     string        // payment gateway API key
	StripeWebhookSecret string        // secret used to verify gateway webhook signatures
	GatewayTimeout      time.Duration // per-call timeout for gateway requests
	SlotLockBackend     string        // mysql, redis or local
	SlotLockWait        time.Duration // bounded wait for a slot lock
	AdmissionRetries    int           // attempts at acquiring a busy slot lock
	RabbitURL           string        // AMQP URL for domain events; empty disables publishing
	EventsQueue         string        // queue the consumer reads from
}

// Load reads configuration values from environment variables and returns a
// Config.  Every required variable that is missing or malformed is listed
// in the returned error.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Env:                 l.must("APP_ENV"),
		Port:                l.must("APP_PORT"),
		DBUser:              l.must("DB_USER"),
		DBPass:              os.Getenv("DB_PASS"), // empty allowed
		DBHost:              l.must("DB_HOST"),
		DBPort:              l.must("DB_PORT"),
		DBName:              l.must("DB_NAME"),
		JWTSecret:           l.must("JWT_SECRET"),
		StripeSecretKey:     l.must("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: l.must("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:      l.duration("GATEWAY_TIMEOUT", 10*time.Second),
		SlotLockBackend:     strings.ToLower(envStr("SLOT_LOCK_BACKEND", LockBackendMySQL)),
		SlotLockWait:        l.duration("SLOT_LOCK_WAIT", 2*time.Second),
		AdmissionRetries:    envInt("ADMISSION_RETRIES", 3),
		RabbitURL:           os.Getenv("RABBITMQ_URL"),
		EventsQueue:         envStr("EVENTS_QUEUE", "reservation_events"),
	}
	switch cfg.SlotLockBackend {
	case LockBackendMySQL, LockBackendRedis, LockBackendLocal:
	default:
		l.bad = append(l.bad, fmt.Sprintf("SLOT_LOCK_BACKEND=%q", cfg.SlotLockBackend))
	}
	if cfg.AdmissionRetries < 1 {
		cfg.AdmissionRetries = 1
	}
	if err := l.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DatabaseOnly reads just the database settings.  The migrate command uses
// it so schema changes do not require gateway credentials.
func DatabaseOnly() (Config, error) {
	l := &loader{}
	cfg := Config{
		DBUser: l.must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: l.must("DB_HOST"),
		DBPort: l.must("DB_PORT"),
		DBName: l.must("DB_NAME"),
	}
	if err := l.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AccessTokenTTL is the lifetime of tokens minted by the token command,
// read from ACCESS_TOKEN_TTL_MIN.
func AccessTokenTTL() time.Duration {
	return time.Duration(max(envInt("ACCESS_TOKEN_TTL_MIN", 60), 1)) * time.Minute
}

// IsProd reports whether the application runs in production.
func (c Config) IsProd() bool { return c.Env == "prod" || c.Env == "production" }

// loader collects missing and malformed variables so they can be reported
// together.
type loader struct {
	missing []string
	bad     []string
}

// must retrieves the value of a required environment variable and records
// it as missing when unset or empty.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.missing = append(l.missing, key)
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.bad = append(l.bad, fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return d
}

func (l *loader) err() error {
	var parts []string
	if len(l.missing) > 0 {
		parts = append(parts, "missing required env vars: "+strings.Join(l.missing, ", "))
	}
	if len(l.bad) > 0 {
		parts = append(parts, "invalid env vars: "+strings.Join(l.bad, ", "))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(parts, "; "))
}
