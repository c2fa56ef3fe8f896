package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func noTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunRobotMock(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("LOG_LEVEL", "error")
	old := nowFn
	nowFn = func() time.Time { return time.Unix(1700000000, 500000000) }
	t.Cleanup(func() { nowFn = old })

	var captured *http.Server
	err := runRobotMock(noTelemetry, func(server *http.Server) error {
		captured = server
		h := server.Handler

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Errorf("healthz: %d", rr.Code)
		}

		payload := `{"command":"MOVE","nonce":"n-1","params":{"axis":1},"timestamp":1700000000}`
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(payload)))
		if rr.Code != http.StatusOK {
			t.Fatalf("execute: %d %s", rr.Code, rr.Body.String())
		}
		var out executeResult
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if !out.Executed || out.ReceivedCommand != "MOVE" || out.Timestamp != 1700000000.5 {
			t.Errorf("unexpected result %+v", out)
		}
		if string(out.Details) != payload {
			t.Errorf("details must echo the payload, got %s", out.Details)
		}

		for _, bad := range []string{`[1]`, `null`, `nope`} {
			rr = httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(bad)))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", bad, rr.Code)
			}
		}
		return errors.New("test-stop")
	})
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
	if captured == nil || captured.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected server %+v", captured)
	}
}

func TestRunRobotMockTelemetryError(t *testing.T) {
	err := runRobotMock(func(context.Context, string) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}, func(*http.Server) error {
		t.Fatal("listen must not be reached")
		return nil
	})
	if err == nil {
		t.Fatal("expected telemetry error")
	}
}

func TestMainFatal(t *testing.T) {
	oldFatal, oldTel, oldListen := logFatalf, initTelemetryFn, listenFn
	t.Cleanup(func() { logFatalf, initTelemetryFn, listenFn = oldFatal, oldTel, oldListen })
	t.Setenv("LOG_LEVEL", "error")

	var called bool
	logFatalf = func(string, ...any) { called = true }
	initTelemetryFn = noTelemetry
	listenFn = func(*http.Server) error { return errors.New("bind failed") }
	main()
	if !called {
		t.Fatal("expected logFatalf on listen error")
	}
}
