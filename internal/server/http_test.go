package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/match"
	"github.com/matcha-dating/matcha/internal/repository"
	"github.com/matcha-dating/matcha/internal/service"
)

type fakeService struct {
	mu      sync.Mutex
	order   []string
	toggles map[string]experiment.FeatureToggle
	events  []repository.ToggleEvent

	enabled     map[string]bool
	variants    map[string]string
	experiments map[string]experiment.Assignment
	matchScore  match.MatchScore
	matchErr    error
	listErr     error
}

func newFakeService() *fakeService {
	return &fakeService{
		toggles:  make(map[string]experiment.FeatureToggle),
		enabled:  make(map[string]bool),
		variants: make(map[string]string),
	}
}

func (f *fakeService) CreateToggle(_ context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error) {
	if toggle.RolloutPercentage < 0 || toggle.RolloutPercentage > 100 {
		return experiment.FeatureToggle{}, service.ErrInvalidToggle
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.toggles[toggle.ID]; !ok {
		f.order = append(f.order, toggle.ID)
	}
	f.toggles[toggle.ID] = toggle
	return toggle, nil
}

func (f *fakeService) UpdateToggle(_ context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.toggles[toggle.ID]; !ok {
		return experiment.FeatureToggle{}, service.ErrToggleNotFound
	}
	f.toggles[toggle.ID] = toggle
	return toggle, nil
}

func (f *fakeService) GetToggle(_ context.Context, id string) (experiment.FeatureToggle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	toggle, ok := f.toggles[id]
	if !ok {
		return experiment.FeatureToggle{}, service.ErrToggleNotFound
	}
	return toggle, nil
}

func (f *fakeService) ListToggles(_ context.Context) ([]experiment.FeatureToggle, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	toggles := make([]experiment.FeatureToggle, 0, len(f.order))
	for _, id := range f.order {
		toggles = append(toggles, f.toggles[id])
	}
	return toggles, nil
}

func (f *fakeService) DeleteToggle(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.toggles[id]; !ok {
		return service.ErrToggleNotFound
	}
	delete(f.toggles, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeService) ReplaceSnapshot(ctx context.Context, toggles []experiment.FeatureToggle) error {
	seen := make(map[string]struct{}, len(toggles))
	for _, toggle := range toggles {
		if toggle.RolloutPercentage < 0 || toggle.RolloutPercentage > 100 {
			return service.ErrInvalidToggle
		}
		if _, dup := seen[toggle.ID]; dup {
			return service.ErrInvalidToggle
		}
		seen[toggle.ID] = struct{}{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = nil
	f.toggles = make(map[string]experiment.FeatureToggle, len(toggles))
	for _, toggle := range toggles {
		f.order = append(f.order, toggle.ID)
		f.toggles[toggle.ID] = toggle
	}
	return nil
}

func (f *fakeService) IsEnabled(_ context.Context, toggleID string, _ experiment.UserContext) bool {
	return f.enabled[toggleID]
}

func (f *fakeService) GetVariant(_ context.Context, toggleID string, _ experiment.UserContext) string {
	return f.variants[toggleID]
}

func (f *fakeService) ActiveExperiments(_ context.Context, _ experiment.UserContext) map[string]experiment.Assignment {
	return f.experiments
}

func (f *fakeService) CalculateMatch(_ context.Context, a, b match.UserProfile, _ match.Tier) (match.MatchScore, error) {
	if f.matchErr != nil {
		return match.MatchScore{}, f.matchErr
	}
	if a.ID == "" && b.ID == "" {
		return match.MatchScore{}, match.ErrInvalidProfile
	}
	return f.matchScore, nil
}

func (f *fakeService) ListEventsSince(_ context.Context, eventID int64) ([]repository.ToggleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.ToggleEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeService) ListEventsSinceForToggle(_ context.Context, eventID int64, toggleID string) ([]repository.ToggleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.ToggleEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID && event.ToggleID == toggleID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeService) appendEvent(event repository.ToggleEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func doJSONRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestToggleCRUD(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/toggles",
		`{"id":"premium_trial","name":"Premium Trial","enabled":true,"rollout_percentage":50}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/toggles status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}

	rec = doJSONRequest(t, handler, http.MethodGet, "/v1/toggles/premium_trial", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/toggles/{id} status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got experiment.FeatureToggle
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	if got.ID != "premium_trial" || got.RolloutPercentage != 50 {
		t.Fatalf("GET toggle = %+v, want premium_trial at 50%%", got)
	}

	rec = doJSONRequest(t, handler, http.MethodPut, "/v1/toggles/premium_trial",
		`{"enabled":false,"rollout_percentage":75}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /v1/toggles/{id} status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}

	rec = doJSONRequest(t, handler, http.MethodGet, "/v1/toggles", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/toggles status = %d, want %d", rec.Code, http.StatusOK)
	}
	var list []experiment.FeatureToggle
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode toggle list: %v", err)
	}
	if len(list) != 1 || list[0].RolloutPercentage != 75 {
		t.Fatalf("GET /v1/toggles = %+v, want single toggle at 75%%", list)
	}

	rec = doJSONRequest(t, handler, http.MethodDelete, "/v1/toggles/premium_trial", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /v1/toggles/{id} status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = doJSONRequest(t, handler, http.MethodGet, "/v1/toggles/premium_trial", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET deleted toggle status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestToggleValidationErrors(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc)

	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"create without id", http.MethodPost, "/v1/toggles", `{"enabled":true}`, http.StatusBadRequest},
		{"create invalid rollout", http.MethodPost, "/v1/toggles", `{"id":"x","rollout_percentage":150}`, http.StatusBadRequest},
		{"create malformed json", http.MethodPost, "/v1/toggles", `{"id":`, http.StatusBadRequest},
		{"create unknown field", http.MethodPost, "/v1/toggles", `{"id":"x","bogus":1}`, http.StatusBadRequest},
		{"update id mismatch", http.MethodPut, "/v1/toggles/a", `{"id":"b"}`, http.StatusBadRequest},
		{"update missing toggle", http.MethodPut, "/v1/toggles/missing", `{"enabled":true}`, http.StatusNotFound},
		{"delete missing toggle", http.MethodDelete, "/v1/toggles/missing", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSONRequest(t, handler, tc.method, tc.target, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.status, rec.Body)
			}
		})
	}
}

func TestReplaceSnapshot(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodPut, "/v1/snapshot",
		`{"toggles":[{"id":"a","rollout_percentage":10},{"id":"b","rollout_percentage":20}]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT /v1/snapshot status = %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body)
	}

	rec = doJSONRequest(t, handler, http.MethodPut, "/v1/snapshot",
		`{"toggles":[{"id":"dup","rollout_percentage":10},{"id":"dup","rollout_percentage":20}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT /v1/snapshot duplicate status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	toggles, err := svc.ListToggles(context.Background())
	if err != nil {
		t.Fatalf("ListToggles() error = %v", err)
	}
	if len(toggles) != 2 {
		t.Fatalf("toggles after rejected snapshot = %d, want 2", len(toggles))
	}
}

func TestEvaluate(t *testing.T) {
	svc := newFakeService()
	svc.enabled["premium_trial"] = true
	handler := NewHTTPHandler(svc)

	t.Run("single", func(t *testing.T) {
		rec := doJSONRequest(t, handler, http.MethodPost, "/v1/evaluate",
			`{"toggle_id":"premium_trial","user":{"id":"alice","attributes":{"age":30}}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
		}
		var resp evaluateJSONResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(resp.Results) != 1 || !resp.Results[0].Enabled {
			t.Fatalf("results = %+v, want single enabled", resp.Results)
		}
	})

	t.Run("batch", func(t *testing.T) {
		rec := doJSONRequest(t, handler, http.MethodPost, "/v1/evaluate",
			`{"requests":[{"toggle_id":"premium_trial","user":{"id":"alice"}},{"toggle_id":"missing","user":{"id":"alice"}}]}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
		}
		var resp evaluateJSONResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(resp.Results) != 2 || !resp.Results[0].Enabled || resp.Results[1].Enabled {
			t.Fatalf("results = %+v, want [enabled disabled]", resp.Results)
		}
	})

	t.Run("rejects both forms", func(t *testing.T) {
		rec := doJSONRequest(t, handler, http.MethodPost, "/v1/evaluate",
			`{"toggle_id":"a","requests":[{"toggle_id":"b"}]}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		rec := doJSONRequest(t, handler, http.MethodPost, "/v1/evaluate", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestVariant(t *testing.T) {
	svc := newFakeService()
	svc.variants["ai_matching"] = "variant_a"
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/variant",
		`{"toggle_id":"ai_matching","user":{"id":"carol"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var resp variantJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Variant != "variant_a" {
		t.Fatalf("variant = %q, want %q", resp.Variant, "variant_a")
	}

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/variant", `{"user":{"id":"carol"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status without toggle_id = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestExperiments(t *testing.T) {
	svc := newFakeService()
	svc.experiments = map[string]experiment.Assignment{
		"premium_trial": {Enabled: true},
		"ai_matching":   {Enabled: true, Variant: "control"},
	}
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/experiments", `{"user":{"id":"carol"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var resp experimentsJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Experiments) != 2 || resp.Experiments["ai_matching"].Variant != "control" {
		t.Fatalf("experiments = %+v, want two with ai_matching control", resp.Experiments)
	}

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/experiments", `{"user":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status without user id = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMatch(t *testing.T) {
	svc := newFakeService()
	svc.matchScore = match.MatchScore{
		Overall: 0.72,
		Factors: map[string]float64{"interests": 0.8},
		Tier:    match.TierFree,
	}
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/match",
		`{"profile_a":{"id":"alice"},"profile_b":{"id":"bob"},"tier":"free"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var score match.MatchScore
	if err := json.Unmarshal(rec.Body.Bytes(), &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if score.Overall != 0.72 {
		t.Fatalf("Overall = %v, want 0.72", score.Overall)
	}

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/match",
		`{"profile_a":{},"profile_b":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for empty profiles = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	svc := newFakeService()
	svc.listErr = errors.New("pg connection refused")
	handler := NewHTTPHandler(svc)

	rec := doJSONRequest(t, handler, http.MethodGet, "/v1/toggles", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "refused") {
		t.Fatalf("error leaked internals: %s", rec.Body)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandlerWithOptions(svc, 0, nil, WithMaxJSONBodySize(64))

	body := fmt.Sprintf(`{"id":"big","description":%q}`, strings.Repeat("x", 256))
	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/toggles", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHealthz(t *testing.T) {
	handler := NewHTTPHandler(newFakeService())

	rec := doJSONRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s, want ok status", rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := NewHTTPHandler(newFakeService())

	doJSONRequest(t, handler, http.MethodGet, "/healthz", "")
	rec := doJSONRequest(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "matcha_http_requests_total") {
		t.Fatalf("body = %s, want matcha_http_requests_total", rec.Body)
	}
}

func TestStreamReplaysAndPollsEvents(t *testing.T) {
	svc := newFakeService()
	svc.appendEvent(repository.ToggleEvent{EventID: 1, ToggleID: "premium_trial", EventType: "updated", Payload: []byte(`{"id":"premium_trial"}`)})
	svc.appendEvent(repository.ToggleEvent{EventID: 2, ToggleID: "ai_matching", EventType: "deleted", Payload: []byte(`{"id":"ai_matching"}`)})

	handler := NewHTTPHandlerWithOptions(svc, 10*time.Millisecond, nil)

	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var id, name string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case line == "":
				return id, name
			}
		}
	}

	// Last-Event-ID 1 skips the first event.
	id, name := readEvent()
	if id != "2" || name != "delete" {
		t.Fatalf("first event = (%s, %s), want (2, delete)", id, name)
	}

	svc.appendEvent(repository.ToggleEvent{EventID: 3, ToggleID: "premium_trial", EventType: "updated", Payload: []byte(`{}`)})

	id, name = readEvent()
	if id != "3" || name != "update" {
		t.Fatalf("polled event = (%s, %s), want (3, update)", id, name)
	}
}

func TestStreamFiltersByToggle(t *testing.T) {
	svc := newFakeService()
	svc.appendEvent(repository.ToggleEvent{EventID: 1, ToggleID: "premium_trial", EventType: "updated", Payload: []byte(`{}`)})
	svc.appendEvent(repository.ToggleEvent{EventID: 2, ToggleID: "ai_matching", EventType: "updated", Payload: []byte(`{}`)})

	handler := NewHTTPHandlerWithOptions(svc, 10*time.Millisecond, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stream?toggle=ai_matching", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if got := strings.TrimSpace(line); got != "id: 2" {
		t.Fatalf("first line = %q, want %q", got, "id: 2")
	}
}

func TestStreamRejectsInvalidLastEventID(t *testing.T) {
	handler := NewHTTPHandler(newFakeService())

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
