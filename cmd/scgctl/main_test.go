package main

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"scg/pkg/auth"
	"scg/pkg/models"
)

func genKeys(t *testing.T) (priv, pub string) {
	t.Helper()
	dir := t.TempDir()
	priv = filepath.Join(dir, "client.key")
	pub = filepath.Join(dir, "client_pub.pem")
	var out bytes.Buffer
	if err := run([]string{"gen-key", "--out-private", priv, "--out-public", pub}, &out); err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	return priv, pub
}

func TestRunCommandRouting(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("expected error when command is missing")
	}
	if !strings.Contains(out.String(), "scgctl commands") {
		t.Fatalf("expected usage output, got %q", out.String())
	}
	out.Reset()
	if err := run([]string{"unknown"}, &out); err == nil || !strings.Contains(out.String(), "scgctl commands") {
		t.Fatalf("expected usage and error for unknown command, got %v %q", err, out.String())
	}
}

func TestGenKeyWritesLoadablePair(t *testing.T) {
	t.Parallel()

	priv, pub := genKeys(t)
	rawPriv, err := os.ReadFile(priv)
	if err != nil {
		t.Fatal(err)
	}
	key, err := auth.ParseRSAPrivateKeyPEM(rawPriv)
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	pubKey, err := auth.LoadRSAPublicKeyFile(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !pubKey.Equal(&key.PublicKey) || key.N.BitLen() != 2048 {
		t.Fatal("public key does not match private key")
	}
	if err := run([]string{"gen-key", "--bits", "1024"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected refusal of small keys")
	}
}

func TestSignProducesVerifiableEnvelope(t *testing.T) {
	t.Parallel()

	priv, pub := genKeys(t)
	pubKey, err := auth.LoadRSAPublicKeyFile(pub)
	if err != nil {
		t.Fatal(err)
	}
	reg := auth.NewKeyRegistry(map[string]*rsa.PublicKey{"OperatorClient": pubKey})

	signed := func(extra ...string) models.CommandEnvelope {
		t.Helper()
		args := append([]string{"sign", "--key", priv, "--command", "MOVE", "--params", `{"axis":1,"angle":25}`, "--nonce", "n-1"}, extra...)
		var out bytes.Buffer
		if err := run(args, &out); err != nil {
			t.Fatalf("sign %v: %v", extra, err)
		}
		var env models.CommandEnvelope
		if err := json.Unmarshal(out.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env
	}
	verify := func(env models.CommandEnvelope) error {
		canon, err := models.Canonicalize(env.Payload)
		if err != nil {
			return err
		}
		return reg.Verify(env.Identity, canon, env.Signature)
	}

	env := signed()
	if env.Identity != "OperatorClient" {
		t.Fatalf("unexpected identity %q", env.Identity)
	}
	if err := verify(env); err != nil {
		t.Fatalf("signed envelope must verify: %v", err)
	}
	p, err := env.DecodePayload()
	if err != nil || p.Nonce != "n-1" || p.Command != "MOVE" {
		t.Fatalf("unexpected payload %+v err=%v", p, err)
	}
	if err := verify(signed("--tamper", "STOP")); err == nil {
		t.Fatal("tampered envelope must not verify")
	}
	if err := verify(signed("--corrupt-signature")); err == nil {
		t.Fatal("corrupted signature must not verify")
	}
}

func TestSignErrors(t *testing.T) {
	t.Parallel()

	priv, _ := genKeys(t)
	cases := map[string][]string{
		"no command":   {"sign", "--key", priv},
		"array params": {"sign", "--key", priv, "--command", "MOVE", "--params", "[1]"},
		"missing key":  {"sign", "--key", filepath.Join(t.TempDir(), "nope"), "--command", "MOVE"},
		"bad flag":     {"sign", "--bogus"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if err := run(args, &bytes.Buffer{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSendReuseNonce(t *testing.T) {
	priv, _ := genKeys(t)
	var (
		mu    sync.Mutex
		seen  = map[string]bool{}
		calls int
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/command" {
			http.NotFound(w, r)
			return
		}
		var env models.CommandEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		p, _ := env.DecodePayload()
		mu.Lock()
		defer mu.Unlock()
		calls++
		w.Header().Set("Content-Type", "application/json")
		if seen[p.Nonce] {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"status":"rejected","reason":"Replay Detected"}`))
			return
		}
		seen[p.Nonce] = true
		_, _ = w.Write([]byte(`{"status":"executed","robot_response":{"executed":true}}`))
	}))
	defer gw.Close()

	var out bytes.Buffer
	err := run([]string{"send", "--gateway", gw.URL, "--key", priv, "--command", "MOVE", "--reuse-nonce"}, &out)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two deliveries, got %d", calls)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), "HTTP 409") || !strings.Contains(out.String(), "Replay Detected") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	if err := run([]string{"send", "--gateway", "http://127.0.0.1:1", "--key", priv, "--command", "MOVE"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unreachable gateway")
	}
}

func TestMainExitsOnError(t *testing.T) {
	oldExit, oldArgs := osExit, os.Args
	t.Cleanup(func() { osExit, os.Args = oldExit, oldArgs })

	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"scgctl", "nope"}
	main()
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
