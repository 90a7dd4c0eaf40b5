// Package admin serves the operator portal over tsnet: toggle management,
// experiment preview, API key issuance, and the audit log.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/repository"
	"github.com/matcha-dating/matcha/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const adminAuditWriteTimeout = 2 * time.Second

type Handler struct {
	Repo          *repository.PostgresRepository
	Service       *service.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc *service.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:          repo,
		Service:       svc,
		SessionMgr:    sessionMgr,
		AdminHostname: adminHostname,
		log:           log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("/logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("/", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("/toggles", h.requireAuth(h.handleCreateToggle))
	mux.HandleFunc("/toggles/", h.requireAuth(h.handleToggleDetail))
	mux.HandleFunc("/api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("/api-keys/delete", h.requireAuth(h.handleDeleteAPIKey))
	mux.HandleFunc("/audit-log", h.requireAuth(h.handleAuditLog))

	// Static assets
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(content))))

	return mux
}

// requireAuth middleware ensures a valid session exists and validates
// CSRF tokens on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Validate CSRF token on state-changing requests
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	// Check if admin user exists
	exists, err := h.Repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "setup.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if len(username) < 3 || len(username) > 50 {
			h.renderSetupError(w, "Username must be between 3 and 50 characters")
			return
		}
		for _, c := range username {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
				h.renderSetupError(w, "Username may only contain letters, digits, underscores, hyphens, and dots")
				return
			}
		}

		if password != confirm {
			h.renderSetupError(w, "Passwords do not match")
			return
		}

		if len(password) < 12 {
			h.renderSetupError(w, "Password must be at least 12 characters")
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			h.renderSetupError(w, "Failed to create user")
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) renderSetupError(w http.ResponseWriter, msg string) {
	if err := Render(w, "setup.html", map[string]any{"Error": msg}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "login.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		// Only trust proxy headers when the request comes from a
		// loopback or private address (i.e., a trusted reverse proxy).
		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddr = host
		}
		if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
			if xri := r.Header.Get("X-Real-IP"); xri != "" {
				remoteAddr = xri
			} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				remoteAddr = strings.TrimSpace(first)
			}
		}

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			h.renderLoginError(w, "Too many attempts. Please try again later.")
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			// Don't reveal whether the user exists or the DB errored
			h.renderLoginError(w, "Invalid credentials")
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			h.renderLoginError(w, "Invalid credentials")
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, "admin_login", "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (h *Handler) renderLoginError(w http.ResponseWriter, msg string) {
	if err := Render(w, "login.html", map[string]any{"Error": msg}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		cookie, err := r.Cookie(sessionCookieName)
		if err == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	toggles, err := h.Service.ListToggles(r.Context())
	if err != nil {
		http.Error(w, "Failed to list toggles", http.StatusInternalServerError)
		return
	}

	if err := Render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Toggles":   toggles,
		"CSRFToken": session.CSRFToken,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleCreateToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	rollout := 100
	if v := r.FormValue("rollout_percentage"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid rollout percentage", http.StatusBadRequest)
			return
		}
		rollout = parsed
	}

	toggle := experiment.FeatureToggle{
		ID:                strings.TrimSpace(r.FormValue("id")),
		Name:              strings.TrimSpace(r.FormValue("name")),
		Description:       r.FormValue("description"),
		Enabled:           r.FormValue("enabled") == "on",
		RolloutPercentage: rollout,
	}

	created, err := h.Service.CreateToggle(r.Context(), toggle)
	if err != nil {
		if errors.Is(err, service.ErrInvalidToggle) {
			http.Error(w, "Invalid toggle: "+err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to create toggle", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "toggle_create", created.ID, map[string]string{"name": created.Name})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleToggleDetail(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	// URL pattern: /toggles/{id} or /toggles/{id}/{action}
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/toggles/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		http.NotFound(w, r)
		return
	}
	toggleID := pathParts[0]

	toggle, err := h.Service.GetToggle(r.Context(), toggleID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if len(pathParts) > 1 {
		switch pathParts[1] {
		case "flip":
			h.handleFlipToggle(w, r, session, toggle)
		case "rollout":
			h.handleRolloutUpdate(w, r, session, toggle)
		case "delete":
			h.handleDeleteToggle(w, r, session, toggle)
		case "preview":
			h.handlePreview(w, r, session, user, toggle)
		default:
			http.NotFound(w, r)
		}
		return
	}

	if err := Render(w, "toggle.html", map[string]any{
		"User":      user,
		"Toggle":    toggle,
		"CSRFToken": session.CSRFToken,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleFlipToggle(w http.ResponseWriter, r *http.Request, session repository.AdminSession, toggle experiment.FeatureToggle) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	toggle.Enabled = !toggle.Enabled
	updated, err := h.Service.UpdateToggle(r.Context(), toggle)
	if err != nil {
		http.Error(w, "Failed to update toggle", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "toggle_flip", updated.ID, map[string]bool{"enabled": updated.Enabled})

	// Render just the button if HTMX request
	if r.Header.Get("HX-Request") == "true" {
		colorClass := "badge-off"
		text := "Disabled"
		if updated.Enabled {
			colorClass = "badge-on"
			text = "Enabled"
		}

		tmpl := template.Must(template.New("flip").Parse(
			`<button hx-post="/toggles/{{.ToggleID}}/flip" ` +
				`hx-vals='{"csrf_token": "{{.CSRFToken}}"}' hx-target="this" hx-swap="outerHTML" ` +
				`class="badge {{.ColorClass}}">{{.Text}}</button>`))

		w.Header().Set("Content-Type", "text/html")
		tmpl.Execute(w, map[string]string{
			"ToggleID":   updated.ID,
			"CSRFToken":  r.FormValue("csrf_token"),
			"ColorClass": colorClass,
			"Text":       text,
		})
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleRolloutUpdate(w http.ResponseWriter, r *http.Request, session repository.AdminSession, toggle experiment.FeatureToggle) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rollout, err := strconv.Atoi(r.FormValue("rollout_percentage"))
	if err != nil || rollout < 0 || rollout > 100 {
		http.Error(w, "Rollout percentage must be between 0 and 100", http.StatusBadRequest)
		return
	}

	toggle.RolloutPercentage = rollout
	updated, err := h.Service.UpdateToggle(r.Context(), toggle)
	if err != nil {
		http.Error(w, "Failed to update toggle", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "toggle_rollout", updated.ID, map[string]int{"rollout_percentage": rollout})

	http.Redirect(w, r, "/toggles/"+updated.ID, http.StatusFound)
}

func (h *Handler) handleDeleteToggle(w http.ResponseWriter, r *http.Request, session repository.AdminSession, toggle experiment.FeatureToggle) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.Service.DeleteToggle(r.Context(), toggle.ID); err != nil {
		http.Error(w, "Failed to delete toggle", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "toggle_delete", toggle.ID, nil)

	if r.Header.Get("HX-Request") == "true" {
		w.WriteHeader(http.StatusOK) // Empty response removes the element
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handlePreview evaluates the toggle for a hypothetical user so operators
// can answer "what would user X see" without touching production traffic.
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request, session repository.AdminSession, user repository.AdminUser, toggle experiment.FeatureToggle) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return
	}

	attrs := map[string]any{}
	if raw := strings.TrimSpace(r.FormValue("attributes")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			http.Error(w, "Attributes must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	userCtx := experiment.UserContext{ID: userID, Attributes: attrs}
	enabled := h.Service.IsEnabled(r.Context(), toggle.ID, userCtx)
	variant := h.Service.GetVariant(r.Context(), toggle.ID, userCtx)

	if err := Render(w, "toggle.html", map[string]any{
		"User":      user,
		"Toggle":    toggle,
		"CSRFToken": session.CSRFToken,
		"Preview": map[string]any{
			"UserID":  userID,
			"Enabled": enabled,
			"Variant": variant,
		},
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	if r.Method == "POST" {
		keyID, rawSecret, createErr := h.Repo.CreateAPIKey(r.Context())
		if createErr != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "api_key_create", "", map[string]string{"api_key_id": keyID})

		// Redirect-after-POST; the secret survives exactly one GET
		h.SessionMgr.SetAPIKeyFlash(session.IDHash, keyID, rawSecret)
		http.Redirect(w, r, "/api-keys", http.StatusFound)
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"User":      user,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	}
	if keyID, secret, ok := h.SessionMgr.PopAPIKeyFlash(session.IDHash); ok {
		data["NewKeyID"] = keyID
		data["NewSecret"] = secret
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}

	if renderErr := Render(w, "api_keys.html", data); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		http.Error(w, "Failed to delete API key", http.StatusInternalServerError)
		return
	}
	h.logAudit(r.Context(), session.AdminUserID, "api_key_delete", "", map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), 100, 0)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

// sessionUser loads the session from the request context and resolves the
// admin user behind it, clearing the session cookie when the user no longer
// exists.
func (h *Handler) sessionUser(w http.ResponseWriter, r *http.Request) (repository.AdminSession, repository.AdminUser, bool) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	return session, user, true
}

func (h *Handler) generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request, csrfToken string) {
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     "matcha_csrf",
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// matcha_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie("matcha_csrf")
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis.
// Failures are logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, toggleID string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, toggleID, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"toggle_id", toggleID,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"toggle_id", toggleID,
			"admin_user_id", adminUserID,
		)
	}
}
