// Package hardening refuses gateway settings that are unsafe outside development.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	AuditSink             string
	DatabaseRequireTLS    string
	NonceBackend          string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	AdminAuthMode         string
	// StreamOrigins is the comma-separated origin allowlist for /v1/stream.
	StreamOrigins          string
	Identities             int
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.Identities <= 0 {
		return fmt.Errorf("%s: trust store has no identities", service)
	}
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(o.AuditSink), "postgres") && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.EqualFold(strings.TrimSpace(o.NonceBackend), "redis") && strings.TrimSpace(o.RedisAddr) == "" {
		return fmt.Errorf("%s: NONCE_BACKEND=redis requires REDIS_ADDR", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if mode := strings.ToLower(strings.TrimSpace(o.AdminAuthMode)); mode == "" || mode == "off" {
		return fmt.Errorf("%s: strict production hardening forbids ADMIN_AUTH_MODE=off", service)
	}
	if err := validateStreamOrigins(o.StreamOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// An empty allowlist is accepted: the websocket library then only admits
// same-host origins.
func validateStreamOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		if o == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard STREAM_ALLOWED_ORIGINS", service)
		}
		if strings.HasPrefix(o, "localhost") || strings.HasPrefix(o, "127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost stream origin %q", service, strings.TrimSpace(origin))
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
