package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scg/pkg/config"
	"scg/pkg/httpx"
	"scg/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	nowFn           = time.Now
)

func main() {
	if err := runRobotMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type executeResult struct {
	Executed        bool            `json:"executed"`
	ReceivedCommand any             `json:"received_command"`
	Details         json.RawMessage `json:"details"`
	Timestamp       float64         `json:"timestamp"`
}

func handleExecute(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := httpx.ReadBody(r)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "unreadable body")
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			httpx.Error(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
		logger.Info("received command", "command", payload["command"], "nonce", payload["nonce"])
		httpx.WriteJSON(w, http.StatusOK, executeResult{
			Executed:        true,
			ReceivedCommand: payload["command"],
			Details:         json.RawMessage(body),
			Timestamp:       float64(nowFn().UnixMicro()) / 1e6,
		})
	}
}

func runRobotMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "robot-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	logger := config.NewLogger(os.Stderr, config.Env("LOG_LEVEL", "info"), config.Env("LOG_FORMAT", "json"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("robot-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "robot-mock"})
	})
	r.Post("/execute", handleExecute(logger))

	addr := config.Env("ADDR", "127.0.0.1:8001")
	logger.Info("robot-mock listening", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: config.EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       config.EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
