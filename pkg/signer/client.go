package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"scg/pkg/httpx"
	"scg/pkg/models"
)

// Send POSTs env to <gatewayURL>/command once and decodes the gateway reply.
func Send(ctx context.Context, client *http.Client, gatewayURL string, env models.CommandEnvelope) (int, models.CommandResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, models.CommandResponse{}, fmt.Errorf("encode envelope: %w", err)
	}
	url := strings.TrimRight(gatewayURL, "/") + "/command"
	status, raw, err := httpx.RequestJSON(ctx, client, http.MethodPost, url, body, nil, 0, 0)
	if err != nil {
		return 0, models.CommandResponse{}, err
	}
	var resp models.CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return status, models.CommandResponse{}, fmt.Errorf("decode gateway response (status %d): %w", status, err)
	}
	return status, resp, nil
}
