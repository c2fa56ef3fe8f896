// Package config reads gateway settings from the environment and the trust file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

func EnvDurationMS(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(EnvInt(k, def))
}

// Settings is the process configuration for cmd/gateway.
type Settings struct {
	Addr                string
	Environment         string
	StrictProdSecurity  string
	PolicyFile          string
	RobotURL            string
	ForwardTimeout      time.Duration
	FreshnessWindow     time.Duration
	NonceBackend        string
	NonceSweepInterval  time.Duration
	AuditSink           string
	AuditLogPath        string
	AuditFsync          bool
	AuditRedact         bool
	AuditHashSalt       string
	KafkaBrokers        []string
	KafkaAuditTopic     string
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AdminAuthMode       string
	AdminJWTSecret      string
	AdminJWTIssuer      string
	AdminJWTAudience    string
	StreamOrigins       string
	MaxRequestBodyBytes int64
	LogLevel            string
	LogFormat           string
	VaultAddr           string
	VaultToken          string
	VaultNamespace      string
	VaultTransitMount   string
	VaultKeyPrefix      string
	VaultTimeout        time.Duration
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	ShutdownTimeout     time.Duration
}

func Load() Settings {
	s := Settings{
		Addr:                Env("ADDR", ":8002"),
		Environment:         Env("ENVIRONMENT", Env("APP_ENV", "")),
		StrictProdSecurity:  Env("STRICT_PROD_SECURITY", "true"),
		PolicyFile:          Env("SCG_POLICY_FILE", "policy.yaml"),
		RobotURL:            Env("ROBOT_URL", "http://127.0.0.1:8001"),
		ForwardTimeout:      EnvDurationMS("FORWARD_TIMEOUT_MS", 3000),
		FreshnessWindow:     EnvDurationSec("FRESHNESS_WINDOW_SEC", 0),
		NonceBackend:        strings.ToLower(strings.TrimSpace(Env("NONCE_BACKEND", "memory"))),
		NonceSweepInterval:  EnvDurationSec("NONCE_SWEEP_INTERVAL_SEC", 30),
		AuditSink:           strings.ToLower(strings.TrimSpace(Env("AUDIT_SINK", "file"))),
		AuditLogPath:        Env("AUDIT_LOG_PATH", "audit.log"),
		AuditFsync:          EnvBool("AUDIT_FSYNC", false),
		AuditRedact:         EnvBool("AUDIT_REDACT", false),
		AuditHashSalt:       Env("AUDIT_HASH_SALT", ""),
		KafkaBrokers:        splitList(Env("KAFKA_BROKERS", "")),
		KafkaAuditTopic:     Env("KAFKA_AUDIT_TOPIC", "scg.audit"),
		RateLimitEnabled:    EnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute:  EnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitWindow:     EnvDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		AdminAuthMode:       strings.ToLower(strings.TrimSpace(Env("ADMIN_AUTH_MODE", "hs256"))),
		AdminJWTSecret:      Env("ADMIN_JWT_SECRET", ""),
		AdminJWTIssuer:      Env("ADMIN_JWT_ISSUER", ""),
		AdminJWTAudience:    Env("ADMIN_JWT_AUDIENCE", ""),
		StreamOrigins:       Env("STREAM_ALLOWED_ORIGINS", ""),
		MaxRequestBodyBytes: int64(EnvInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
		LogLevel:            Env("LOG_LEVEL", "info"),
		LogFormat:           Env("LOG_FORMAT", "json"),
		VaultAddr:           Env("VAULT_ADDR", ""),
		VaultToken:          Env("VAULT_TOKEN", ""),
		VaultNamespace:      Env("VAULT_NAMESPACE", ""),
		VaultTransitMount:   Env("VAULT_TRANSIT_MOUNT", "transit"),
		VaultKeyPrefix:      Env("VAULT_KEY_PREFIX", ""),
		VaultTimeout:        EnvDurationMS("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500),
		ReadHeaderTimeout:   EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:         EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		ShutdownTimeout:     EnvDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10),
	}
	if s.ForwardTimeout <= 0 {
		s.ForwardTimeout = 3 * time.Second
	}
	if s.NonceSweepInterval <= 0 {
		s.NonceSweepInterval = 30 * time.Second
	}
	if s.RateLimitWindow <= 0 {
		s.RateLimitWindow = time.Minute
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 64 << 10
	}
	return s
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
