package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration. Every field has a default and
// a CREDTRUST_* environment override.
type Server struct {
	Addr     string
	LogLevel string
	// APIKeys maps API keys to caller roles (issuer, verifier, admin).
	APIKeys map[string]string

	Storage      StorageConfig
	Redis        RedisConfig
	Database     DatabaseConfig
	Kafka        KafkaConfig
	Keys         KeysConfig
	Issuer       IssuerConfig
	Presentation PresentationConfig
	Proof        ProofConfig
	Verification VerificationConfig
	Fraud        FraudConfig
	RateLimit    RateLimitConfig
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	// Backend is memory, redis or postgres.
	Backend string
	// Checkpoint names the durable backend (redis or postgres) that the memory
	// backend journals into. Empty disables checkpointing.
	Checkpoint string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type KafkaConfig struct {
	Brokers         string
	AuditTopic      string
	Acks            string
	Retries         int
	DeliveryTimeout time.Duration
}

// KeysConfig holds the at-rest encryption secrets for issuer private keys.
type KeysConfig struct {
	EncryptionSecret string
	PreviousSecrets  []string
}

type IssuerConfig struct {
	BaseURL           string
	DefaultIssuerDID  string
	OfferTTL          time.Duration
	AccessTokenTTL    time.Duration
	AccessTokenSecret string
	CredentialTTL     time.Duration
	// TemplatesPath points at a JSON array of credential templates. Empty
	// uses the built-in templates.
	TemplatesPath string
}

type PresentationConfig struct {
	RequestTTL time.Duration
	ClientID   string
}

type ProofConfig struct {
	ReplayTTL      time.Duration
	EnabledFormats []string
}

type VerificationConfig struct {
	TrustedIssuers      []string
	RevokedIssuers      []string
	RegistryURL         string
	RegistryTimeout     time.Duration
	LedgerURL           string
	LedgerTimeout       time.Duration
	CacheTTL            time.Duration
	FailThreshold       int
	SuspiciousThreshold int
	// PenaltyOverrides replaces entries of the default penalty table, keyed
	// "<check>.<outcome>" (for example "anchor.warning").
	PenaltyOverrides map[string]int
}

type FraudConfig struct {
	ProviderURL       string
	RuleWeight        float64
	AnomalyWeight     float64
	MaxAttempts       int
	AttemptTimeout    time.Duration
	FraudulentIssuers []string
}

// RateLimitConfig sets per-window request budgets. Public routes are keyed
// by client IP, privileged routes by role and client IP.
type RateLimitConfig struct {
	Disabled           bool
	Window             time.Duration
	PublicRequests     int
	PrivilegedRequests int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:     envString("CREDTRUST_ADDR", ":8080"),
		LogLevel: envString("CREDTRUST_LOG_LEVEL", "info"),
		APIKeys:  envPairs("CREDTRUST_API_KEYS"),
		Storage: StorageConfig{
			Backend:    envString("CREDTRUST_STORAGE_BACKEND", "memory"),
			Checkpoint: envString("CREDTRUST_STORAGE_CHECKPOINT", ""),
		},
		Redis: RedisConfig{
			URL:          envString("CREDTRUST_REDIS_URL", ""),
			PoolSize:     envInt("CREDTRUST_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CREDTRUST_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("CREDTRUST_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CREDTRUST_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CREDTRUST_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             envString("CREDTRUST_DATABASE_URL", ""),
			MaxOpenConns:    envInt("CREDTRUST_DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("CREDTRUST_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("CREDTRUST_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:         envString("CREDTRUST_KAFKA_BROKERS", ""),
			AuditTopic:      envString("CREDTRUST_KAFKA_AUDIT_TOPIC", "credtrust.audit"),
			Acks:            envString("CREDTRUST_KAFKA_ACKS", "all"),
			Retries:         envInt("CREDTRUST_KAFKA_RETRIES", 3),
			DeliveryTimeout: envDuration("CREDTRUST_KAFKA_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Keys: KeysConfig{
			// Use a default for development - should be overridden in production
			EncryptionSecret: envString("CREDTRUST_KEY_ENCRYPTION_SECRET", "dev-key-encryption-secret-change-me"),
			PreviousSecrets:  envList("CREDTRUST_KEY_ENCRYPTION_PREVIOUS"),
		},
		Issuer: IssuerConfig{
			BaseURL:           envString("CREDTRUST_ISSUER_BASE_URL", "http://localhost:8080"),
			DefaultIssuerDID:  envString("CREDTRUST_ISSUER_DID", "did:web:localhost%3A8080"),
			OfferTTL:          envDuration("CREDTRUST_OFFER_TTL", 10*time.Minute),
			AccessTokenTTL:    envDuration("CREDTRUST_ACCESS_TOKEN_TTL", 5*time.Minute),
			AccessTokenSecret: envString("CREDTRUST_ACCESS_TOKEN_SECRET", "dev-access-token-secret-change-me"),
			CredentialTTL:     envDuration("CREDTRUST_CREDENTIAL_TTL", 365*24*time.Hour),
			TemplatesPath:     envString("CREDTRUST_TEMPLATES_PATH", ""),
		},
		Presentation: PresentationConfig{
			RequestTTL: envDuration("CREDTRUST_PRESENTATION_TTL", 5*time.Minute),
			ClientID:   envString("CREDTRUST_PRESENTATION_CLIENT_ID", "credtrust-verifier"),
		},
		Proof: ProofConfig{
			ReplayTTL:      envDuration("CREDTRUST_PROOF_REPLAY_TTL", 10*time.Minute),
			EnabledFormats: envListDefault("CREDTRUST_PROOF_FORMATS", []string{"merkle-membership", "zk-hook"}),
		},
		Verification: VerificationConfig{
			TrustedIssuers:      envList("CREDTRUST_TRUSTED_ISSUERS"),
			RevokedIssuers:      envList("CREDTRUST_REVOKED_ISSUERS"),
			RegistryURL:         envString("CREDTRUST_ISSUER_REGISTRY_URL", ""),
			RegistryTimeout:     envDuration("CREDTRUST_ISSUER_REGISTRY_TIMEOUT", 2*time.Second),
			LedgerURL:           envString("CREDTRUST_LEDGER_URL", ""),
			LedgerTimeout:       envDuration("CREDTRUST_LEDGER_TIMEOUT", 2*time.Second),
			CacheTTL:            envDuration("CREDTRUST_VERIFY_CACHE_TTL", 5*time.Minute),
			FailThreshold:       envInt("CREDTRUST_VERIFY_FAIL_THRESHOLD", 70),
			SuspiciousThreshold: envInt("CREDTRUST_VERIFY_SUSPICIOUS_THRESHOLD", 40),
			PenaltyOverrides:    envIntPairs("CREDTRUST_VERIFY_PENALTIES"),
		},
		Fraud: FraudConfig{
			ProviderURL:       envString("CREDTRUST_FRAUD_PROVIDER_URL", ""),
			RuleWeight:        envFloat("CREDTRUST_FRAUD_RULE_WEIGHT", 0.68),
			AnomalyWeight:     envFloat("CREDTRUST_FRAUD_ANOMALY_WEIGHT", 0.32),
			MaxAttempts:       envInt("CREDTRUST_FRAUD_MAX_ATTEMPTS", 3),
			AttemptTimeout:    envDuration("CREDTRUST_FRAUD_ATTEMPT_TIMEOUT", 1500*time.Millisecond),
			FraudulentIssuers: envList("CREDTRUST_FRAUD_ISSUERS"),
		},
		RateLimit: RateLimitConfig{
			Disabled:           envBool("CREDTRUST_RATELIMIT_DISABLED", false),
			Window:             envDuration("CREDTRUST_RATELIMIT_WINDOW", time.Minute),
			PublicRequests:     envInt("CREDTRUST_RATELIMIT_PUBLIC", 120),
			PrivilegedRequests: envInt("CREDTRUST_RATELIMIT_PRIVILEGED", 600),
		},
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	return envListDefault(key, nil)
}

func envListDefault(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envPairs parses "k1:v1,k2:v2".
func envPairs(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range envList(key) {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func envIntPairs(key string) map[string]int {
	out := map[string]int{}
	for k, v := range envPairs(key) {
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		}
	}
	return out
}
