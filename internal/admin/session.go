package admin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matcha-dating/matcha/internal/repository"
)

const (
	sessionCookieName  = "matcha_admin_session"
	sessionDuration    = 24 * time.Hour
	csrfTokenLength    = 32
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute
	maxTrackedIPs      = 10000
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCSRF  = errors.New("invalid CSRF token")
)

// apiKeyFlash holds a freshly minted API key secret for a single render.
// The secret never touches the database; it lives here only between the
// create POST and the redirect that follows it.
type apiKeyFlash struct {
	keyID  string
	secret string
}

type SessionManager struct {
	repo          *repository.PostgresRepository
	sessionSecret []byte
	// Simple in-memory rate limiter for login attempts
	loginAttempts map[string][]time.Time
	apiKeyFlashes map[string]apiKeyFlash
	mu            sync.Mutex
}

func NewSessionManager(repo *repository.PostgresRepository, sessionSecret string) *SessionManager {
	return &SessionManager{
		repo:          repo,
		sessionSecret: []byte(sessionSecret),
		loginAttempts: make(map[string][]time.Time),
		apiKeyFlashes: make(map[string]apiKeyFlash),
	}
}

// GenerateSession creates a new session for the user, returning the raw token to be set in the cookie.
func (m *SessionManager) GenerateSession(ctx context.Context, userID string) (string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	rawToken := base64.RawURLEncoding.EncodeToString(tokenBytes)

	// Only the keyed hash is persisted
	idHash := m.hashToken(rawToken)

	csrfBytes := make([]byte, csrfTokenLength)
	if _, err := rand.Read(csrfBytes); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	csrfToken := base64.RawURLEncoding.EncodeToString(csrfBytes)

	session := repository.AdminSession{
		IDHash:      idHash,
		AdminUserID: userID,
		CSRFToken:   csrfToken,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(sessionDuration),
	}

	if err := m.repo.CreateAdminSession(ctx, session); err != nil {
		return "", err
	}

	return rawToken, nil
}

// ValidateSession checks the cookie token against the DB and returns the session if valid.
func (m *SessionManager) ValidateSession(ctx context.Context, rawToken string) (repository.AdminSession, error) {
	if rawToken == "" {
		return repository.AdminSession{}, ErrUnauthorized
	}

	idHash := m.hashToken(rawToken)
	session, err := m.repo.GetAdminSession(ctx, idHash)
	if err != nil {
		return repository.AdminSession{}, ErrUnauthorized
	}

	if time.Now().After(session.ExpiresAt) {
		_ = m.repo.DeleteAdminSession(ctx, idHash)
		return repository.AdminSession{}, ErrUnauthorized
	}

	return session, nil
}

// InvalidateSession removes the session from the DB.
func (m *SessionManager) InvalidateSession(ctx context.Context, rawToken string) error {
	idHash := m.hashToken(rawToken)
	return m.repo.DeleteAdminSession(ctx, idHash)
}

// SetSessionCookie writes the session cookie.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		// SameSite=Lax is safer for navigation than Strict, which can break links from external sites
		SameSite: http.SameSiteLaxMode,
		// Secure is omitted to allow plain HTTP over Tailscale (WireGuard encryption)
		// Adding Secure would break the admin portal unless TLS is explicitly configured.
		Secure:  false,
		Expires: time.Now().Add(sessionDuration),
	})
}

// ClearSessionCookie deletes the session cookie.
func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   false,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit returns true if the IP is allowed to attempt login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	// Filter old attempts
	validAttempts := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			validAttempts = append(validAttempts, t)
		}
	}
	m.loginAttempts[ip] = validAttempts

	return len(validAttempts) < maxLoginAttempts
}

// RecordLoginAttempt adds a failed login attempt for the IP. New IPs are
// dropped once maxTrackedIPs distinct addresses are tracked, so a spray of
// spoofed addresses cannot grow the map without bound.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.loginAttempts[ip]; !exists && len(m.loginAttempts) >= maxTrackedIPs {
		return
	}
	m.loginAttempts[ip] = append(m.loginAttempts[ip], time.Now())
}

// SetAPIKeyFlash stashes a newly created API key secret for the session so
// the following page load can display it exactly once.
func (m *SessionManager) SetAPIKeyFlash(sessionHash, keyID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apiKeyFlashes[sessionHash] = apiKeyFlash{keyID: keyID, secret: secret}
}

// PopAPIKeyFlash returns and removes the pending API key flash for the
// session, if any.
func (m *SessionManager) PopAPIKeyFlash(sessionHash string) (keyID, secret string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flash, ok := m.apiKeyFlashes[sessionHash]
	if !ok {
		return "", "", false
	}
	delete(m.apiKeyFlashes, sessionHash)
	return flash.keyID, flash.secret, true
}

// hashToken produces the keyed hash under which a session token is stored.
// Keying with the session secret means a leaked sessions table cannot be
// replayed without the secret.
func (m *SessionManager) hashToken(token string) string {
	mac := hmac.New(sha256.New, m.sessionSecret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
