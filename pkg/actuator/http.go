// Package actuator forwards authorized command payloads to the robot.
package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scg/pkg/httpx"
)

// DefaultTimeout bounds a single forward call.
const DefaultTimeout = 3 * time.Second

var (
	ErrUpstreamStatus   = errors.New("actuator returned non-2xx status")
	ErrUpstreamResponse = errors.New("actuator response is not a JSON object")
	ErrUnreachable      = errors.New("actuator unreachable")
)

// Executor delivers one payload and returns the robot's JSON object reply.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPExecutor POSTs payloads to Endpoint exactly once per call. Transport
// failures are returned, never repeated: a second delivery could actuate twice.
type HTTPExecutor struct {
	Client   *http.Client
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

// NewHTTPExecutor targets <baseURL>/execute.
func NewHTTPExecutor(client *http.Client, baseURL string, timeout time.Duration) HTTPExecutor {
	return HTTPExecutor{
		Client:   client,
		Endpoint: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/execute",
		Timeout:  timeout,
	}
}

func (h HTTPExecutor) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, body, err := httpx.RequestJSON(callCtx, client, http.MethodPost, h.Endpoint, payload, h.Headers, 0, 0)
	if errors.Is(err, httpx.ErrResponseTooLarge) {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamResponse, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, status)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, ErrUpstreamResponse
	}
	return json.RawMessage(body), nil
}
