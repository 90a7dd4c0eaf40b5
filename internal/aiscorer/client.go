// Package aiscorer is an HTTP client for the external AI match-scoring
// service consulted on premium matches.
package aiscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matcha-dating/matcha/internal/match"
)

type Config struct {
	// BaseURL of the scoring service, e.g. "http://ai-scorer:9000".
	BaseURL string
	// APIKey is optional; sent as a bearer token when set.
	APIKey string
	// HTTPClient is optional; defaults to a client with a traced transport.
	HTTPClient *http.Client
}

// Client implements match.AIScorer. The caller bounds each request with a
// context deadline; the client itself sets no timeout.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{cfg: cfg, httpClient: hc}
}

type scoreRequest struct {
	ProfileA match.UserProfile `json:"profile_a"`
	ProfileB match.UserProfile `json:"profile_b"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

func (c *Client) GetMatchScore(ctx context.Context, a, b match.UserProfile) (float64, error) {
	payload, err := json.Marshal(scoreRequest{ProfileA: a, ProfileB: b})
	if err != nil {
		return 0, fmt.Errorf("aiscorer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("aiscorer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("aiscorer: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("aiscorer: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("aiscorer: decode response: %w", err)
	}
	if decoded.Score < 0 || decoded.Score > 1 {
		return 0, fmt.Errorf("aiscorer: score %v outside [0,1]", decoded.Score)
	}

	return decoded.Score, nil
}
