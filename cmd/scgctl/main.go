package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"scg/pkg/auth"
	"scg/pkg/models"
	"scg/pkg/signer"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign":
		return sign(args[1:], out)
	case "send":
		return send(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "scgctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private client.key --out-public client_pub.pem")
	fmt.Fprintln(out, "  sign --identity OperatorClient --key client.key --command MOVE --params '{\"axis\":1}'")
	fmt.Fprintln(out, "  send --gateway http://127.0.0.1:8002 [sign flags] [--reuse-nonce] [--tamper STOP] [--corrupt-signature] [--skew -200s]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "client.key", "private key output")
	outPub := fs.String("out-public", "client_pub.pem", "public key output")
	bits := fs.Int("bits", 2048, "RSA modulus size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bits < 2048 {
		return fmt.Errorf("refusing RSA key smaller than 2048 bits: %d", *bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privPEM, err := auth.EncodeRSAPrivateKeyPEM(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	pubPEM, err := auth.EncodeRSAPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	if err := os.WriteFile(*outPriv, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

type signFlags struct {
	identity, key, command, params, nonce, tamper string
	skew                                          time.Duration
	corrupt                                       bool
}

func (f *signFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.identity, "identity", "OperatorClient", "signing identity")
	fs.StringVar(&f.key, "key", "client.key", "RSA private key PEM")
	fs.StringVar(&f.command, "command", "", "command name")
	fs.StringVar(&f.params, "params", "{}", "command params as a JSON object")
	fs.StringVar(&f.nonce, "nonce", "", "nonce (default: random uuid)")
	fs.StringVar(&f.tamper, "tamper", "", "replace the command after signing")
	fs.DurationVar(&f.skew, "skew", 0, "shift the signed timestamp")
	fs.BoolVar(&f.corrupt, "corrupt-signature", false, "flip a byte of the signature")
}

func (f *signFlags) envelope() (models.CommandEnvelope, error) {
	if f.command == "" {
		return models.CommandEnvelope{}, errors.New("command required")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(f.params), &params); err != nil || params == nil {
		return models.CommandEnvelope{}, fmt.Errorf("params must be a JSON object: %q", f.params)
	}
	s, err := signer.LoadSigner(f.identity, f.key)
	if err != nil {
		return models.CommandEnvelope{}, err
	}
	env, err := s.Sign(signer.Request{Command: f.command, Params: params, Nonce: f.nonce, Skew: f.skew})
	if err != nil {
		return models.CommandEnvelope{}, err
	}
	if f.tamper != "" {
		if env, err = signer.TamperCommand(env, f.tamper); err != nil {
			return models.CommandEnvelope{}, err
		}
	}
	if f.corrupt {
		if env, err = signer.CorruptSignature(env); err != nil {
			return models.CommandEnvelope{}, err
		}
	}
	return env, nil
}

func sign(args []string, out io.Writer) error {
	fs := newFlagSet("sign")
	var f signFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := f.envelope()
	if err != nil {
		return err
	}
	return printJSON(out, env)
}

func send(args []string, out io.Writer) error {
	fs := newFlagSet("send")
	var f signFlags
	f.register(fs)
	gateway := fs.String("gateway", "http://127.0.0.1:8002", "gateway base URL")
	reuse := fs.Bool("reuse-nonce", false, "send the same envelope a second time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := f.envelope()
	if err != nil {
		return err
	}
	attempts := 1
	if *reuse {
		attempts = 2
	}
	for i := 0; i < attempts; i++ {
		status, resp, err := signer.Send(context.Background(), httpClient, *gateway, env)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "HTTP %d\n", status)
		if err := printJSON(out, resp); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
