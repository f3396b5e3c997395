package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for outbound webhook deliveries
	WorkerChannel   string // NSQ channel name for delivery workers
}

// Webhooks holds the downstream consumer URLs the bridge notifies. Deposit
// events and address-generation events each have their own configured target.
type Webhooks struct {
	DepositURL      string // target for deposit.* notifications
	AddressURL      string // target for wallet.address.generated notifications
	SignatureHeader string // HTTP header carrying the HMAC signature
	TimestampHeader string // HTTP header carrying the signing timestamp
	SigningSecret   string // shared secret for outbound request signing
}

type Worker struct {
	MaxAttempts     int             // delivery attempt ceiling
	BackoffSchedule []time.Duration // attempt-indexed retry delays
	AttemptTimeout  time.Duration   // per-HTTP-call timeout
	SweepInterval   time.Duration   // durable due-record scan cadence
	HTTPPort        string          // worker metrics/health port
}

type Auth struct {
	PublicKeyPEM string // RSA public key for operator API tokens; empty disables auth
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN           int           // number of requests to fail initially
	EndpointSecret       string        // secret for webhook signature verification
	SigningLeewaySeconds int           // allowed timestamp skew in seconds
	Port                 string        // server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	DB           DB
	NSQ          NSQ
	Webhooks     Webhooks
	Worker       Worker
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// defaultBackoff is the upstream-mirroring retry table: immediate, 1 minute,
// 30 minutes, 1 hour, 24 hours. Five scheduled attempts total.
func defaultBackoff() []time.Duration {
	return []time.Duration{0, time.Minute, 30 * time.Minute, time.Hour, 24 * time.Hour}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoff()
	}

	return durations
}

func FromEnv() Config {
	backoff := parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", ""))
	return Config{
		AppName:  getenv("APP_NAME", "walletbridge"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "walletbridge"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Webhooks: Webhooks{
			DepositURL:      getenv("DEPOSIT_WEBHOOK_URL", ""),
			AddressURL:      getenv("WALLET_WEBHOOK_URL", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-WalletBridge-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-WalletBridge-Timestamp"),
			SigningSecret:   getenv("WEBHOOK_SIGNING_SECRET", ""),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", len(backoff)),
			BackoffSchedule: backoff,
			AttemptTimeout:  getenvDuration("ATTEMPT_TIMEOUT", 5*time.Second),
			SweepInterval:   getenvDuration("SWEEP_INTERVAL", 30*time.Second),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("AUTH_ISSUER", "walletbridge"),
			Audience:     getenv("AUTH_AUDIENCE", "walletbridge-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
