package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/match"
	"github.com/matcha-dating/matcha/internal/metrics"
	"github.com/matcha-dating/matcha/internal/repository"
	"github.com/matcha-dating/matcha/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metrics            *metrics.Metrics
	requestsTotal      atomic.Uint64
}

type Option func(*HTTPServer)

// WithMaxJSONBodySize overrides the 1 MiB request body limit.
func WithMaxJSONBodySize(maxBytes int64) Option {
	return func(s *HTTPServer) {
		if maxBytes > 0 {
			s.maxJSONBodyBytes = maxBytes
		}
	}
}

type evaluateJSONRequest struct {
	ToggleID string                  `json:"toggle_id,omitempty"`
	User     experiment.UserContext  `json:"user,omitempty"`
	Requests []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	ToggleID string                 `json:"toggle_id"`
	User     experiment.UserContext `json:"user"`
}

type evaluateJSONResult struct {
	ToggleID string `json:"toggle_id"`
	Enabled  bool   `json:"enabled"`
}

type evaluateJSONResponse struct {
	Results []evaluateJSONResult `json:"results"`
}

type variantJSONRequest struct {
	ToggleID string                 `json:"toggle_id"`
	User     experiment.UserContext `json:"user"`
}

type variantJSONResponse struct {
	ToggleID string `json:"toggle_id"`
	Variant  string `json:"variant"`
}

type experimentsJSONRequest struct {
	User experiment.UserContext `json:"user"`
}

type experimentsJSONResponse struct {
	Experiments map[string]experiment.Assignment `json:"experiments"`
}

type matchJSONRequest struct {
	ProfileA match.UserProfile `json:"profile_a"`
	ProfileB match.UserProfile `json:"profile_b"`
	Tier     match.Tier        `json:"tier,omitempty"`
}

type snapshotJSONRequest struct {
	Toggles []experiment.FeatureToggle `json:"toggles"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, defaultStreamPollInterval, nil)
}

func NewHTTPHandlerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
		metrics:            m,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/toggles", server.handleCreateToggle)
	mux.HandleFunc("GET /v1/toggles", server.handleListToggles)
	mux.HandleFunc("GET /v1/toggles/{id}", server.handleGetToggle)
	mux.HandleFunc("PUT /v1/toggles/{id}", server.handleUpdateToggle)
	mux.HandleFunc("DELETE /v1/toggles/{id}", server.handleDeleteToggle)
	mux.HandleFunc("PUT /v1/snapshot", server.handleReplaceSnapshot)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/variant", server.handleVariant)
	mux.HandleFunc("POST /v1/experiments", server.handleExperiments)
	mux.HandleFunc("POST /v1/match", server.handleMatch)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.Handle("GET /metrics", server.metricsHandler())

	return server.withRequestMetrics(mux)
}

func (s *HTTPServer) withRequestMetrics(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) handleCreateToggle(w http.ResponseWriter, r *http.Request) {
	var toggle experiment.FeatureToggle
	if err := s.decodeJSONBody(w, r, &toggle); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(toggle.ID) == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	created, err := s.service.CreateToggle(r.Context(), toggle)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetToggle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	toggle, err := s.service.GetToggle(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggle)
}

func (s *HTTPServer) handleListToggles(w http.ResponseWriter, r *http.Request) {
	toggles, err := s.service.ListToggles(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggles)
}

func (s *HTTPServer) handleUpdateToggle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var toggle experiment.FeatureToggle
	if err := s.decodeJSONBody(w, r, &toggle); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(toggle.ID) != "" && toggle.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	toggle.ID = id

	updated, err := s.service.UpdateToggle(r.Context(), toggle)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteToggle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.service.DeleteToggle(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReplaceSnapshot(w http.ResponseWriter, r *http.Request) {
	var request snapshotJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.ReplaceSnapshot(r.Context(), request.Toggles); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var items []evaluateJSONBatchItem
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.ToggleID) != "":
		writeJSONError(w, http.StatusBadRequest, "use either toggle_id or requests")
		return
	case len(request.Requests) > 0:
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.ToggleID) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].toggle_id is required", idx))
				return
			}
		}
		items = request.Requests
	case strings.TrimSpace(request.ToggleID) != "":
		items = []evaluateJSONBatchItem{{ToggleID: request.ToggleID, User: request.User}}
	default:
		writeJSONError(w, http.StatusBadRequest, "toggle_id or requests is required")
		return
	}

	results := make([]evaluateJSONResult, 0, len(items))
	for _, item := range items {
		enabled := s.service.IsEnabled(r.Context(), item.ToggleID, item.User)
		if s.metrics != nil {
			s.metrics.RecordEvaluation(enabled)
		}
		results = append(results, evaluateJSONResult{ToggleID: item.ToggleID, Enabled: enabled})
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	var request variantJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ToggleID) == "" {
		writeJSONError(w, http.StatusBadRequest, "toggle_id is required")
		return
	}

	variant := s.service.GetVariant(r.Context(), request.ToggleID, request.User)
	if s.metrics != nil {
		s.metrics.RecordVariantAssignment(request.ToggleID, variant)
	}

	writeJSON(w, http.StatusOK, variantJSONResponse{ToggleID: request.ToggleID, Variant: variant})
}

func (s *HTTPServer) handleExperiments(w http.ResponseWriter, r *http.Request) {
	var request experimentsJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.User.ID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user.id is required")
		return
	}

	experiments := s.service.ActiveExperiments(r.Context(), request.User)

	writeJSON(w, http.StatusOK, experimentsJSONResponse{Experiments: experiments})
}

func (s *HTTPServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	var request matchJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	start := time.Now()
	score, err := s.service.CalculateMatch(r.Context(), request.ProfileA, request.ProfileB, request.Tier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveMatchScore(string(score.Tier), score.Overall, time.Since(start).Seconds())
	}

	writeJSON(w, http.StatusOK, score)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	toggleFilter := strings.TrimSpace(r.URL.Query().Get("toggle"))
	listEvents := func(ctx context.Context, since int64) ([]repository.ToggleEvent, error) {
		if toggleFilter != "" {
			return s.service.ListEventsSinceForToggle(ctx, since, toggleFilter)
		}
		return s.service.ListEventsSince(ctx, since)
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.ToggleEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := listEvents(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEvents(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) metricsHandler() http.Handler {
	if s.metrics != nil {
		return s.metrics.Handler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP matcha_http_requests_total Total number of HTTP requests.\n")
		_, _ = fmt.Fprintf(w, "# TYPE matcha_http_requests_total counter\n")
		_, _ = fmt.Fprintf(w, "matcha_http_requests_total %d\n", s.requestsTotal.Load())
	})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	case "snapshot":
		return "snapshot"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidToggle), errors.Is(err, match.ErrInvalidProfile):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrToggleNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidToggle):
		return "invalid toggle definition"
	case errors.Is(err, match.ErrInvalidProfile):
		return "invalid profile"
	case errors.Is(err, service.ErrToggleNotFound):
		return "toggle not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
