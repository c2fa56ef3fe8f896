package config

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scg/pkg/auth"
	"scg/pkg/policy"
)

// TrustFile is the YAML document naming trusted identities, their keys and
// the commands each may issue.
type TrustFile struct {
	FreshnessWindow time.Duration            `yaml:"freshness_window"`
	Identities      map[string]IdentityEntry `yaml:"identities"`

	dir string
}

type IdentityEntry struct {
	PublicKeyFile string   `yaml:"public_key_file"`
	PublicKey     string   `yaml:"public_key"`
	VaultKey      string   `yaml:"vault_key"`
	Commands      []string `yaml:"commands"`
}

// Trust is the frozen result of loading a TrustFile.
type Trust struct {
	Keys            *auth.KeyRegistry
	Policy          *policy.Policy
	FreshnessWindow time.Duration
	Sources         map[string]string
}

func LoadTrustFile(path string) (*TrustFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust file: %w", err)
	}
	tf, err := ParseTrustFile(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tf.dir = filepath.Dir(path)
	return tf, nil
}

func ParseTrustFile(raw []byte) (*TrustFile, error) {
	var tf TrustFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse trust file: %w", err)
	}
	if len(tf.Identities) == 0 {
		return nil, errors.New("trust file declares no identities")
	}
	if tf.FreshnessWindow < 0 {
		return nil, errors.New("freshness_window must not be negative")
	}
	return &tf, nil
}

// Resolve loads every identity key and builds the policy. vault may be nil
// when no identity uses vault_key.
func (tf *TrustFile) Resolve(ctx context.Context, vault auth.KeyStore) (*Trust, error) {
	names := make([]string, 0, len(tf.Identities))
	for name := range tf.Identities {
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make(map[string]*rsa.PublicKey, len(names))
	grants := make(map[string][]string, len(names))
	sources := make(map[string]string, len(names))
	for _, name := range names {
		entry := tf.Identities[name]
		identity := strings.TrimSpace(name)
		pub, source, err := tf.resolveKey(ctx, identity, entry, vault)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", identity, err)
		}
		keys[identity] = pub
		sources[identity] = source
		grants[identity] = entry.Commands
	}
	pol, err := policy.New(grants)
	if err != nil {
		return nil, err
	}
	return &Trust{
		Keys:            auth.NewKeyRegistry(keys),
		Policy:          pol,
		FreshnessWindow: tf.FreshnessWindow,
		Sources:         sources,
	}, nil
}

func (tf *TrustFile) resolveKey(ctx context.Context, identity string, entry IdentityEntry, vault auth.KeyStore) (*rsa.PublicKey, string, error) {
	set := 0
	for _, v := range []string{entry.PublicKeyFile, entry.PublicKey, entry.VaultKey} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return nil, "", errors.New("exactly one of public_key_file, public_key, vault_key is required")
	}
	switch {
	case strings.TrimSpace(entry.PublicKeyFile) != "":
		path := strings.TrimSpace(entry.PublicKeyFile)
		if !filepath.IsAbs(path) && tf.dir != "" {
			path = filepath.Join(tf.dir, path)
		}
		pub, err := auth.LoadRSAPublicKeyFile(path)
		if err != nil {
			return nil, "", err
		}
		return pub, "file:" + path, nil
	case strings.TrimSpace(entry.PublicKey) != "":
		pub, err := auth.ParseRSAPublicKeyPEM([]byte(entry.PublicKey))
		if err != nil {
			return nil, "", err
		}
		return pub, "inline", nil
	default:
		if vault == nil {
			return nil, "", errors.New("vault_key set but VAULT_ADDR is not configured")
		}
		rec, err := vault.GetKey(ctx, strings.TrimSpace(entry.VaultKey))
		if err != nil {
			return nil, "", err
		}
		if rec == nil || rec.PublicKey == nil {
			return nil, "", fmt.Errorf("vault returned no key for %s", identity)
		}
		return rec.PublicKey, rec.Source, nil
	}
}
