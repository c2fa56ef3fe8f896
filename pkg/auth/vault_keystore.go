package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scg/pkg/httpx"
)

// VaultTransitKeyStore resolves RSA public keys from Vault Transit
// (GET /v1/<mount>/keys/<name>). It is only consulted at startup.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, name string) (*KeyRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("vault key name required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	transit := strings.Trim(s.Transit, "/")
	if transit == "" {
		transit = "transit"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	keyName := s.KeyPrefix + name
	endpoint := addr + "/v1/" + transit + "/keys/" + url.PathEscape(keyName)
	headers := map[string]string{"X-Vault-Token": s.Token}
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		headers["X-Vault-Namespace"] = ns
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, body, err := httpx.RequestJSON(reqCtx, s.Client, http.MethodGet, endpoint, nil, headers, s.MaxRetries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("vault transit lookup %q: %w", keyName, err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("key %q not found in vault transit", keyName)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault transit key lookup failed status=%d", status)
	}
	pub, err := parseVaultTransitPublicKey(body)
	if err != nil {
		return nil, err
	}
	return &KeyRecord{
		Identity:  name,
		Source:    "vault-transit:" + keyName,
		PublicKey: pub,
	}, nil
}

func parseVaultTransitPublicKey(body []byte) (*rsa.PublicKey, error) {
	var payload struct {
		Data struct {
			Type          string `json:"type"`
			LatestVersion int    `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if t := payload.Data.Type; t != "" && !strings.HasPrefix(t, "rsa-") {
		return nil, fmt.Errorf("vault key type %q is not RSA", t)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pemText := strings.TrimSpace(item.PublicKey)
	if pemText == "" {
		return nil, errors.New("vault response has empty public key")
	}
	return ParseRSAPublicKeyPEM([]byte(pemText))
}
