package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings read from REDIS_* variables.
type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	RequireTLS       bool
	ServerName       string
	CACertFile       string
	CertFile         string
	KeyFile          string
	PingTimeout      time.Duration
}

func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Addr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:         os.Getenv("REDIS_PASSWORD"),
		TLS:              envBool("REDIS_TLS"),
		TLSInsecure:      envBool("REDIS_TLS_INSECURE"),
		AllowInsecureTLS: envBool("REDIS_ALLOW_INSECURE_TLS"),
		RequireTLS:       envBool("REDIS_REQUIRE_TLS"),
		ServerName:       strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		CACertFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		CertFile:         strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		KeyFile:          strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
		PingTimeout:      2 * time.Second,
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("REDIS_DB"))); err == nil {
		cfg.DB = n
	}
	return cfg
}

// NewRedis connects using REDIS_* and verifies the server with PING.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	return NewRedisFromConfig(ctx, RedisConfigFromEnv())
}

func NewRedisFromConfig(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (cfg RedisConfig) tlsConfig() (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.ServerName}
	if cfg.TLSInsecure {
		if !cfg.AllowInsecureTLS {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		out.InsecureSkipVerify = true
	}
	if cfg.CACertFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(cfg.CACertFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
