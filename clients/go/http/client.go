// Package http provides an HTTP client for the matcha service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	matcha "github.com/matcha-dating/matcha/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the matcha server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements matcha.ToggleManager, matcha.Evaluator, matcha.Matcher,
// and matcha.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the matcha service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	ToggleID string              `json:"toggle_id,omitempty"`
	User     *matcha.UserContext `json:"user,omitempty"`
	Requests []wireEvalReqItem   `json:"requests,omitempty"`
}

type wireEvalReqItem struct {
	ToggleID string             `json:"toggle_id"`
	User     matcha.UserContext `json:"user"`
}

type wireEvaluateResp struct {
	Results []matcha.EvaluateResult `json:"results"`
}

type wireVariantResp struct {
	ToggleID string `json:"toggle_id"`
	Variant  string `json:"variant"`
}

type wireExperimentsResp struct {
	Experiments map[string]matcha.Assignment `json:"experiments"`
}

type wireMatchReq struct {
	ProfileA matcha.UserProfile `json:"profile_a"`
	ProfileB matcha.UserProfile `json:"profile_b"`
	Tier     string             `json:"tier,omitempty"`
}

type wireSnapshotReq struct {
	Toggles []matcha.Toggle `json:"toggles"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("matcha: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matcha: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matcha: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("matcha: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("matcha: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- ToggleManager -----------------------------------------------------------

func (c *Client) CreateToggle(ctx context.Context, toggle matcha.Toggle) (matcha.Toggle, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/toggles", toggle)
	if err != nil {
		return matcha.Toggle{}, err
	}
	var out matcha.Toggle
	if err := decodeBody(resp, &out); err != nil {
		return matcha.Toggle{}, err
	}
	return out, nil
}

func (c *Client) GetToggle(ctx context.Context, id string) (matcha.Toggle, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/toggles/"+id, nil)
	if err != nil {
		return matcha.Toggle{}, err
	}
	var out matcha.Toggle
	if err := decodeBody(resp, &out); err != nil {
		return matcha.Toggle{}, err
	}
	return out, nil
}

func (c *Client) ListToggles(ctx context.Context) ([]matcha.Toggle, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/toggles", nil)
	if err != nil {
		return nil, err
	}
	var out []matcha.Toggle
	if err := decodeBody(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateToggle(ctx context.Context, toggle matcha.Toggle) (matcha.Toggle, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/toggles/"+toggle.ID, toggle)
	if err != nil {
		return matcha.Toggle{}, err
	}
	var out matcha.Toggle
	if err := decodeBody(resp, &out); err != nil {
		return matcha.Toggle{}, err
	}
	return out, nil
}

func (c *Client) DeleteToggle(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/toggles/"+id, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) ReplaceSnapshot(ctx context.Context, toggles []matcha.Toggle) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/snapshot", wireSnapshotReq{Toggles: toggles})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) IsEnabled(ctx context.Context, toggleID string, user matcha.UserContext) (bool, error) {
	body := wireEvaluateReq{ToggleID: toggleID, User: &user}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", body)
	if err != nil {
		return false, err
	}
	var out wireEvaluateResp
	if err := decodeBody(resp, &out); err != nil {
		return false, err
	}
	if len(out.Results) == 0 {
		return false, fmt.Errorf("matcha: empty evaluation response")
	}
	return out.Results[0].Enabled, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, toggleIDs []string, user matcha.UserContext) ([]matcha.EvaluateResult, error) {
	items := make([]wireEvalReqItem, len(toggleIDs))
	for i, id := range toggleIDs {
		items[i] = wireEvalReqItem{ToggleID: id, User: user}
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: items})
	if err != nil {
		return nil, err
	}
	var out wireEvaluateResp
	if err := decodeBody(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) GetVariant(ctx context.Context, toggleID string, user matcha.UserContext) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/variant", wireEvalReqItem{ToggleID: toggleID, User: user})
	if err != nil {
		return "", err
	}
	var out wireVariantResp
	if err := decodeBody(resp, &out); err != nil {
		return "", err
	}
	return out.Variant, nil
}

func (c *Client) ActiveExperiments(ctx context.Context, user matcha.UserContext) (map[string]matcha.Assignment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/experiments", map[string]matcha.UserContext{"user": user})
	if err != nil {
		return nil, err
	}
	var out wireExperimentsResp
	if err := decodeBody(resp, &out); err != nil {
		return nil, err
	}
	return out.Experiments, nil
}

// -- Matcher -----------------------------------------------------------------

func (c *Client) CalculateMatch(ctx context.Context, a, b matcha.UserProfile, tier string) (matcha.MatchScore, error) {
	body := wireMatchReq{ProfileA: a, ProfileB: b, Tier: tier}
	resp, err := c.do(ctx, http.MethodPost, "/v1/match", body)
	if err != nil {
		return matcha.MatchScore{}, err
	}
	var out matcha.MatchScore
	if err := decodeBody(resp, &out); err != nil {
		return matcha.MatchScore{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits ToggleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan matcha.ToggleEvent, error) {
	return c.stream(ctx, lastEventID, "")
}

// StreamToggle is like Stream but only delivers events for one toggle.
func (c *Client) StreamToggle(ctx context.Context, lastEventID int64, toggleID string) (<-chan matcha.ToggleEvent, error) {
	return c.stream(ctx, lastEventID, toggleID)
}

func (c *Client) stream(ctx context.Context, lastEventID int64, toggleID string) (<-chan matcha.ToggleEvent, error) {
	url := c.cfg.BaseURL + "/v1/stream"
	if toggleID != "" {
		url += "?toggle=" + toggleID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("matcha: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matcha: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan matcha.ToggleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed ToggleEvents to ch.
// It implements the subset of the SSE spec used by the matcha server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- matcha.ToggleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := matcha.ToggleEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var t matcha.Toggle
					if jsonErr := json.Unmarshal([]byte(data), &t); jsonErr == nil {
						ev.Toggle = &t
						ev.ID = t.ID
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
