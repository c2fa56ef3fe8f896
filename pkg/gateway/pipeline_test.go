package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scg/pkg/audit"
	"scg/pkg/auth"
	"scg/pkg/metrics"
	"scg/pkg/models"
	"scg/pkg/policy"
	"scg/pkg/replay"
	"scg/pkg/signer"
	"scg/pkg/stream"
)

var testNow = time.Unix(1700000000, 250000000)

type fakeExecutor struct {
	calls atomic.Int32
	err   error
	mu    sync.Mutex
	last  json.RawMessage
}

func (f *fakeExecutor) Execute(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = append(json.RawMessage(nil), payload...)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"executed":true,"received_command":"MOVE"}`), nil
}

type fakeSink struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (f *fakeSink) Append(_ context.Context, e audit.Entry) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

type failingLedger struct{}

func (failingLedger) CheckAndInsert(context.Context, string, time.Time) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", replay.ErrLedgerUnavailable)
}

type fixture struct {
	pipeline *Pipeline
	signer   signer.Signer
	exec     *fakeExecutor
	sink     *fakeSink
	ledger   *replay.MemoryLedger
	hub      *stream.Hub
	logs     *bytes.Buffer
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := sharedKey(t)
	pol, err := policy.New(map[string][]string{"OperatorClient": {"MOVE", "STOP", "SET_SPEED"}})
	if err != nil {
		t.Fatal(err)
	}
	clock := func() time.Time { return testNow }
	var seq atomic.Int64
	f := &fixture{
		exec:   &fakeExecutor{},
		sink:   &fakeSink{},
		ledger: replay.NewMemoryLedgerWithClock(clock),
		hub:    stream.NewHub(),
		logs:   &bytes.Buffer{},
	}
	var nonceSeq atomic.Int64
	f.signer = signer.Signer{
		Identity: "OperatorClient",
		Key:      key,
		Now:      clock,
		NewNonce: func() string { return fmt.Sprintf("nonce-%d", nonceSeq.Add(1)) },
	}
	f.pipeline = &Pipeline{
		Keys:      auth.NewKeyRegistry(map[string]*rsa.PublicKey{"OperatorClient": &key.PublicKey}),
		Policy:    pol,
		Freshness: replay.FreshnessGuard{Window: replay.DefaultWindow},
		Ledger:    f.ledger,
		Executor:  f.exec,
		Audit:     f.sink,
		Hub:       f.hub,
		Metrics:   metrics.NewRegistry(),
		Log:       slog.New(slog.NewJSONHandler(&syncWriter{w: f.logs}, nil)),
		Now:       clock,
		NewID:     func() string { return fmt.Sprintf("req-%d", seq.Add(1)) },
	}
	return f
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

func (f *fixture) body(t *testing.T, req signer.Request) []byte {
	t.Helper()
	env, err := f.signer.Sign(req)
	if err != nil {
		t.Fatal(err)
	}
	return encode(t, env)
}

func encode(t *testing.T, env models.CommandEnvelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func expectRejected(t *testing.T, out Outcome, reason Reason) {
	t.Helper()
	if out.Executed() || out.Reason() != reason || out.Stage != StageRejected {
		t.Fatalf("expected %s rejection, got stage=%s reason=%s err=%v", reason, out.Stage, out.Reason(), out.Rejection)
	}
	resp := out.Response()
	if resp.Status != models.StatusRejected || resp.Reason != reason.Message() {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAcceptance(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(4)
	env, err := f.signer.Sign(signer.Request{Command: "MOVE", Params: map[string]any{"axis": 1, "angle": 25}})
	if err != nil {
		t.Fatal(err)
	}
	out := f.pipeline.Process(context.Background(), encode(t, env))
	if !out.Executed() || out.Stage != StageResponded || out.HTTPStatus() != 200 {
		t.Fatalf("expected execution, got %+v", out.Rejection)
	}
	resp := out.Response()
	if resp.Status != models.StatusExecuted || resp.Reason != "" || resp.RequestID != "req-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	var robot map[string]any
	if err := json.Unmarshal(resp.RobotResponse, &robot); err != nil || robot["executed"] != true {
		t.Fatalf("expected robot_response object, got %s", resp.RobotResponse)
	}
	if f.exec.calls.Load() != 1 || !bytes.Equal(f.exec.last, env.Payload) {
		t.Fatalf("expected payload forwarded once unchanged, calls=%d payload=%s", f.exec.calls.Load(), f.exec.last)
	}
	if len(f.sink.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(f.sink.entries))
	}
	entry := f.sink.entries[0]
	if entry.RequestID != "req-1" || entry.Identity != "OperatorClient" || !bytes.Equal(entry.Payload, env.Payload) || len(entry.Result) == 0 {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if !entry.Timestamp.Equal(testNow) {
		t.Fatalf("unexpected audit time %v", entry.Timestamp)
	}
	canon, err := models.Canonicalize(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if want := models.Digest(canon); out.PayloadDigest != want || !bytes.Contains(f.logs.Bytes(), []byte(`"payload_digest":"`+want+`"`)) {
		t.Fatalf("expected payload digest %s in outcome and log, got %q", want, out.PayloadDigest)
	}
	evt := <-sub
	var d stream.Decision
	if err := json.Unmarshal(evt.Data, &d); err != nil || evt.Type != stream.EventDecision {
		t.Fatalf("bad event %+v err=%v", evt, err)
	}
	if d.Status != models.StatusExecuted || d.Command != "MOVE" || d.Stage != "Responded" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t)
	body := f.body(t, signer.Request{Command: "MOVE", Params: map[string]any{"axis": 1}})
	if out := f.pipeline.Process(context.Background(), body); !out.Executed() {
		t.Fatalf("first request must execute, got %v", out.Rejection)
	}
	out := f.pipeline.Process(context.Background(), body)
	expectRejected(t, out, ReasonReplayDetected)
	if out.HTTPStatus() != 409 || out.Rejection.Stage != StageFresh {
		t.Fatalf("unexpected replay outcome status=%d stage=%s", out.HTTPStatus(), out.Rejection.Stage)
	}
	if f.exec.calls.Load() != 1 || len(f.sink.entries) != 1 {
		t.Fatalf("replay must not reach robot or audit: calls=%d entries=%d", f.exec.calls.Load(), len(f.sink.entries))
	}
}

func TestTamperRejected(t *testing.T) {
	f := newFixture(t)
	env, err := f.signer.Sign(signer.Request{Command: "MOVE"})
	if err != nil {
		t.Fatal(err)
	}
	corrupt, _ := signer.CorruptSignature(env)
	swapped, _ := signer.TamperCommand(env, "STOP")
	for name, e := range map[string]models.CommandEnvelope{"signature byte flip": corrupt, "command swap": swapped} {
		t.Run(name, func(t *testing.T) {
			out := f.pipeline.Process(context.Background(), encode(t, e))
			expectRejected(t, out, ReasonAuthenticationFailure)
			if out.HTTPStatus() != 401 || out.Rejection.Stage != StageParsed {
				t.Fatalf("unexpected status=%d stage=%s", out.HTTPStatus(), out.Rejection.Stage)
			}
		})
	}
	if f.ledger.Len() != 0 || f.exec.calls.Load() != 0 {
		t.Fatalf("unauthenticated traffic must not touch the ledger or robot: len=%d calls=%d", f.ledger.Len(), f.exec.calls.Load())
	}
	if out := f.pipeline.Process(context.Background(), encode(t, env)); !out.Executed() {
		t.Fatalf("original envelope must still execute, got %v", out.Rejection)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	cases := []struct {
		skew time.Duration
		ok   bool
	}{
		{-60 * time.Second, true},
		{60 * time.Second, true},
		{-61 * time.Second, false},
		{61 * time.Second, false},
		{-200 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.skew.String(), func(t *testing.T) {
			f := newFixture(t)
			out := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "STOP", Skew: tc.skew}))
			if tc.ok {
				if !out.Executed() {
					t.Fatalf("expected pass at skew %v, got %v", tc.skew, out.Rejection)
				}
				return
			}
			expectRejected(t, out, ReasonStaleRequest)
			if out.HTTPStatus() != 401 || f.ledger.Len() != 0 {
				t.Fatalf("stale request must be 401 and leave the ledger untouched: status=%d len=%d", out.HTTPStatus(), f.ledger.Len())
			}
		})
	}
}

// signedRaw signs the canonical form of payload as OperatorClient, for
// timestamps the signer helper cannot express as a skew.
func signedRaw(t *testing.T, payload string) []byte {
	t.Helper()
	canon, err := models.Canonicalize(json.RawMessage(payload))
	if err != nil {
		t.Fatal(err)
	}
	sig, err := auth.SignPKCS1v15(sharedKey(t), canon)
	if err != nil {
		t.Fatal(err)
	}
	return encode(t, models.CommandEnvelope{Identity: "OperatorClient", Payload: json.RawMessage(payload), Signature: encodeSig(sig)})
}

func TestFreshnessRejectsOutOfRangeTimestamps(t *testing.T) {
	for _, ts := range []string{"1.1e10", "1e12", "9.2e18", "1.7976931348623157e308", "-9.2e18"} {
		t.Run(ts, func(t *testing.T) {
			f := newFixture(t)
			body := signedRaw(t, `{"command":"MOVE","nonce":"far-`+ts+`","params":{},"timestamp":`+ts+`}`)
			out := f.pipeline.Process(context.Background(), body)
			expectRejected(t, out, ReasonStaleRequest)
			if f.exec.calls.Load() != 0 || f.ledger.Len() != 0 {
				t.Fatalf("out-of-range timestamp must not forward or record a nonce: calls=%d len=%d", f.exec.calls.Load(), f.ledger.Len())
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	out := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "SHUTDOWN"}))
	expectRejected(t, out, ReasonAuthorizationDenied)
	if out.HTTPStatus() != 403 || out.Rejection.Stage != StageNonReplayed || !errors.Is(out.Rejection, policy.ErrNotPermitted) {
		t.Fatalf("unexpected denial: status=%d stage=%s err=%v", out.HTTPStatus(), out.Rejection.Stage, out.Rejection.Err)
	}
	if f.exec.calls.Load() != 0 || f.ledger.Len() != 1 {
		t.Fatalf("denied command must not be forwarded but consumes its nonce: calls=%d len=%d", f.exec.calls.Load(), f.ledger.Len())
	}

	unknown := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "FLY"}))
	expectRejected(t, unknown, ReasonAuthorizationDenied)
	if !errors.Is(unknown.Rejection, policy.ErrUnknownCommand) {
		t.Fatalf("expected unknown command error, got %v", unknown.Rejection.Err)
	}
	lower := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "move"}))
	expectRejected(t, lower, ReasonAuthorizationDenied)
}

func TestConcurrentReplay(t *testing.T) {
	f := newFixture(t)
	body := f.body(t, signer.Request{Command: "MOVE"})
	const n = 64
	var (
		wg       sync.WaitGroup
		executed atomic.Int32
		replayed atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out := f.pipeline.Process(context.Background(), body)
			switch {
			case out.Executed():
				executed.Add(1)
			case out.Reason() == ReasonReplayDetected:
				replayed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if executed.Load() != 1 || replayed.Load() != n-1 || f.exec.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution: executed=%d replayed=%d calls=%d", executed.Load(), replayed.Load(), f.exec.calls.Load())
	}
}

func TestDownstreamFailureKeepsNonce(t *testing.T) {
	f := newFixture(t)
	f.exec.err = errors.New("connection refused")
	body := f.body(t, signer.Request{Command: "MOVE"})
	out := f.pipeline.Process(context.Background(), body)
	expectRejected(t, out, ReasonDownstreamUnavailable)
	if out.HTTPStatus() != 502 || out.Rejection.Stage != StageAuthorized || len(f.sink.entries) != 0 {
		t.Fatalf("unexpected downstream outcome status=%d stage=%s entries=%d", out.HTTPStatus(), out.Rejection.Stage, len(f.sink.entries))
	}
	f.exec.err = nil
	again := f.pipeline.Process(context.Background(), body)
	expectRejected(t, again, ReasonReplayDetected)
	if f.exec.calls.Load() != 1 {
		t.Fatalf("resubmission must not reach the robot, calls=%d", f.exec.calls.Load())
	}
}

func TestAuditFailureReturnsRobotResponse(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("disk full")
	out := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"}))
	expectRejected(t, out, ReasonAuditFailure)
	if out.HTTPStatus() != 500 || out.Rejection.Stage != StageForwarded {
		t.Fatalf("unexpected audit failure status=%d stage=%s", out.HTTPStatus(), out.Rejection.Stage)
	}
	if len(out.Response().RobotResponse) == 0 || f.exec.calls.Load() != 1 {
		t.Fatal("audit failure must still report the robot response")
	}
	if !bytes.Contains(f.logs.Bytes(), []byte("audit append failed after execution")) || !bytes.Contains(f.logs.Bytes(), []byte(`\"request_id\":\"req-1\"`)) {
		t.Fatalf("expected secondary audit record in logs, got %s", f.logs.String())
	}

	f.pipeline.Audit = nil
	noSink := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "STOP"}))
	expectRejected(t, noSink, ReasonAuditFailure)
}

func TestUnknownIdentity(t *testing.T) {
	f := newFixture(t)
	f.signer.Identity = "Intruder"
	out := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"}))
	expectRejected(t, out, ReasonAuthenticationFailure)
	if !errors.Is(out.Rejection, auth.ErrUnknownIdentity) || f.ledger.Len() != 0 {
		t.Fatalf("expected unknown identity without ledger write, got %v len=%d", out.Rejection.Err, f.ledger.Len())
	}
}

func TestLedgerOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Ledger = failingLedger{}
	out := f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"}))
	expectRejected(t, out, ReasonReplayGuardUnavailable)
	if out.HTTPStatus() != 503 || f.exec.calls.Load() != 0 {
		t.Fatalf("ledger outage must not forward: status=%d calls=%d", out.HTTPStatus(), f.exec.calls.Load())
	}
	f.pipeline.Ledger = nil
	expectRejected(t, f.pipeline.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"})), ReasonReplayGuardUnavailable)
}

func TestMalformed(t *testing.T) {
	f := newFixture(t)
	signedNoNonce := func() []byte {
		payload := []byte(`{"command":"MOVE","params":{},"timestamp":1700000000}`)
		sig, err := auth.SignPKCS1v15(sharedKey(t), payload)
		if err != nil {
			t.Fatal(err)
		}
		return encode(t, models.CommandEnvelope{Identity: "OperatorClient", Payload: payload, Signature: encodeSig(sig)})
	}()
	cases := map[string][]byte{
		"empty":             nil,
		"not json":          []byte("not json"),
		"array":             []byte(`[]`),
		"missing signature": []byte(`{"identity":"OperatorClient","payload":{"command":"MOVE"}}`),
		"payload string":    []byte(`{"identity":"OperatorClient","payload":"MOVE","signature":"AAAA"}`),
		"signed no nonce":   signedNoNonce,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			out := f.pipeline.Process(context.Background(), body)
			expectRejected(t, out, ReasonMalformedRequest)
			if out.HTTPStatus() != 400 {
				t.Fatalf("expected 400, got %d", out.HTTPStatus())
			}
		})
	}
	if f.ledger.Len() != 0 || f.exec.calls.Load() != 0 {
		t.Fatal("malformed input must not have side effects")
	}
}

func TestNilCollaboratorsReject(t *testing.T) {
	f := newFixture(t)
	body := f.body(t, signer.Request{Command: "MOVE"})
	p := &Pipeline{Freshness: replay.FreshnessGuard{Now: func() time.Time { return testNow }}, Ledger: replay.NewMemoryLedger()}
	expectRejected(t, p.Process(context.Background(), body), ReasonAuthenticationFailure)

	p.Keys = f.pipeline.Keys
	expectRejected(t, p.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"})), ReasonAuthorizationDenied)

	p.Policy = f.pipeline.Policy
	out := p.Process(context.Background(), f.body(t, signer.Request{Command: "MOVE"}))
	expectRejected(t, out, ReasonDownstreamUnavailable)
	if out.RequestID == "" {
		t.Fatal("expected generated request id")
	}
}

func encodeSig(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}
