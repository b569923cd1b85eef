package icloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Session is the opaque cookie set plus derived headers that authenticate
// every request after a successful login. Its lifetime runs from
// Authenticate() until the provider signals invalidation or the user
// aborts. Workers share one Session by reference and never mutate it
// directly; all mutation (MergeCookies/AbsorbHeaders and the auth
// controller's updates) takes the session's own lock.
type Session struct {
	mu sync.RWMutex

	Username string `json:"username"`

	Cookies []*http.Cookie `json:"cookies"`

	// TrustToken extends 2FA trust across logins. SessionToken is taken
	// from response headers by AbsorbHeaders; Dsid is set by AuthWithToken.
	TrustToken   string `json:"trust_token"`
	SessionToken string `json:"session_token"`
	Dsid         string `json:"dsid"`

	// ClientID is echoed back into every auth request's
	// X-Apple-OAuth-Client-Id header.
	ClientID string `json:"client_id"`

	// SessionID, Scnt and AuthAttributes are request-scoped auth headers
	// that idmsa.apple.com expects echoed back on subsequent calls within
	// the same login attempt.
	SessionID      string `json:"session_id"`
	Scnt           string `json:"scnt"`
	AuthAttributes string `json:"auth_attributes"`

	// PhotosEndpoint is the ckdatabasews base URL discovered from the
	// account's webservices map after AuthWithToken succeeds.
	PhotosEndpoint string `json:"photos_endpoint"`

	// needsTwoFactorFlag records the 2FA challenge signal observed during
	// signIn; not persisted, since a loaded jar is always already past 2FA.
	needsTwoFactorFlag bool
}

// NewSession creates an empty Session for username, ready to be populated by
// a login flow.
func NewSession(username, clientID string) *Session {
	return &Session{Username: username, ClientID: clientID}
}

// CookieHeader renders the cookie jar as a single Cookie header value.
func (s *Session) CookieHeader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder

	for _, c := range s.Cookies {
		if b.Len() > 0 {
			b.WriteString("; ")
		}

		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}

	return b.String()
}

// MergeCookies folds newly received cookies into the jar, replacing any
// existing cookie with the same name (the provider re-issues a cookie to
// update its value, e.g. on session refresh).
func (s *Session) MergeCookies(incoming []*http.Cookie) {
	if len(incoming) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range incoming {
		s.setCookieLocked(c)
	}
}

func (s *Session) setCookieLocked(c *http.Cookie) {
	for i, existing := range s.Cookies {
		if existing.Name == c.Name {
			s.Cookies[i] = c
			return
		}
	}

	s.Cookies = append(s.Cookies, c)
}

// AbsorbHeaders copies the provider's auth-state headers out of an HTTP
// response into the session. Safe to call after any request, including
// error responses.
func (s *Session) AbsorbHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := h.Get("X-Apple-ID-Session-Id"); v != "" {
		s.SessionID = v
	}

	if v := h.Get("scnt"); v != "" {
		s.Scnt = v
	}

	if v := h.Get("X-Apple-Auth-Attributes"); v != "" {
		s.AuthAttributes = v
	}

	if v := h.Get("X-Apple-Session-Token"); v != "" {
		s.SessionToken = v
	}

	if v := h.Get("X-Apple-TwoSV-Trust-Token"); v != "" {
		s.TrustToken = v
	}
}

// AuthHeaders returns the request headers a signin-flow call needs,
// echoing back whatever scnt/session-id/auth-attributes this session has
// collected so far.
func (s *Session) AuthHeaders() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("X-Apple-OAuth-Client-Id", s.ClientID)
	h.Set("X-Apple-Widget-Key", s.ClientID)

	if s.Scnt != "" {
		h.Set("scnt", s.Scnt)
	}

	if s.SessionID != "" {
		h.Set("X-Apple-ID-Session-Id", s.SessionID)
	}

	if s.AuthAttributes != "" {
		h.Set("X-Apple-Auth-Attributes", s.AuthAttributes)
	}

	return h
}

// Ready reports whether the session carries enough state to make
// authenticated API calls.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.SessionToken != "" && len(s.Cookies) > 0
}

// sessionFilePerm restricts cookie jar files to the owner, matching
// internal/config's token/config file permission convention.
const sessionFilePerm = 0o600

const sessionDirPerm = 0o700

// jarPath returns the on-disk path for username's persisted session under
// dir.
func jarPath(dir, username string) string {
	return filepath.Join(dir, username+".json")
}

// LoadSession reads a previously persisted session for username from dir.
// Returns os.ErrNotExist (wrapped) if no jar file exists yet.
func LoadSession(dir, username string) (*Session, error) {
	data, err := os.ReadFile(jarPath(dir, username))
	if err != nil {
		return nil, fmt.Errorf("reading session jar: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session jar: %w", err)
	}

	return &s, nil
}

// Save persists the session atomically (temp file + rename) under dir,
// keyed by username, so a crash mid-write never corrupts the jar.
func (s *Session) Save(dir string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("encoding session jar: %w", err)
	}

	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return fmt.Errorf("creating cookie directory: %w", err)
	}

	path := jarPath(dir, s.Username)

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp jar file: %w", err)
	}

	tmpPath := tmp.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp jar file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp jar file: %w", err)
	}

	if err := os.Chmod(tmpPath, sessionFilePerm); err != nil {
		return fmt.Errorf("setting jar file permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp jar file: %w", err)
	}

	succeeded = true

	return nil
}

// jsonBody encodes v as a *bytes.Reader suitable for an http request body.
func jsonBody(v any) (*bytes.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	return bytes.NewReader(data), nil
}
