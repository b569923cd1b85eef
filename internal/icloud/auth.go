package icloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
)

// Wire endpoints for the signin flow and the account setup service.
const (
	authEndpoint  = "https://idmsa.apple.com/appleauth/auth"
	setupEndpoint = "https://setup.icloud.com/setup/ws/1"
)

// AuthState enumerates the stages of the login flow. Authenticate does not
// record these values; it hands out a Session only once it is ready, so
// Ready is the only stage workers ever see.
type AuthState int

const (
	StateUnauth AuthState = iota
	StateProbing
	StateValid
	StateLoginNeeded
	StateTwoFARequired
	StateLoginOK
	StateTrustPending
	StateReady
)

// PromptFunc requests a value interactively (password, 2FA code) and
// returns it, or an error if the prompt itself fails. Split out as a
// collaborator so tests can supply fakes instead of reading a real
// terminal.
type PromptFunc func(prompt string) (string, error)

// Controller implements the Auth Controller (C2). It owns no session
// state between calls — Authenticate always returns a fresh *Session (or
// the persisted one if the validity probe succeeds) — so a single
// Controller can be reused safely across re-authentication attempts.
type Controller struct {
	Client      *Client
	CookieDir   string
	Interactive bool // whether a PromptFunc may be invoked
	PromptText  PromptFunc
	Logger      *slog.Logger

	// AuthURL and SetupURL default to the production endpoints; tests
	// point them at a local server.
	AuthURL  string
	SetupURL string
}

// NewController builds a Controller. interactive is normally
// isatty.IsTerminal(os.Stdin.Fd()) — exposed as a parameter so callers (and
// tests) can force either branch without touching a real terminal.
func NewController(client *Client, cookieDir string, interactive bool, prompt PromptFunc, logger *slog.Logger) *Controller {
	return &Controller{
		Client:      client,
		CookieDir:   cookieDir,
		Interactive: interactive,
		PromptText:  prompt,
		Logger:      logger,
		AuthURL:     authEndpoint,
		SetupURL:    setupEndpoint,
	}
}

// IsInteractiveTerminal reports whether stdin is a TTY.
func IsInteractiveTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// Authenticate returns a ready Session for creds. If a cookie jar exists
// and forceRefresh is false, it probes the provider first; only on a failed
// probe (or forceRefresh) does it perform a full login.
func (c *Controller) Authenticate(ctx context.Context, creds Credentials, forceRefresh bool) (*Session, error) {
	if !forceRefresh {
		if sess, ok := c.tryExistingSession(ctx, creds); ok {
			return sess, nil
		}
	}

	return c.login(ctx, creds)
}

// tryExistingSession loads a persisted jar and validates it against the
// provider. Returns ok=false if no jar exists or validation fails, in which
// case the caller must fall back to login.
func (c *Controller) tryExistingSession(ctx context.Context, creds Credentials) (*Session, bool) {
	sess, err := LoadSession(c.CookieDir, creds.Username)
	if err != nil {
		c.Logger.Debug("icloud: no persisted session, login required", "username", creds.Username)
		return nil, false
	}

	if err := c.ValidateSession(ctx, sess); err != nil {
		c.Logger.Debug("icloud: persisted session failed validation", "username", creds.Username, "error", err)
		return nil, false
	}

	c.Logger.Debug("icloud: persisted session is valid", "username", creds.Username)

	return sess, true
}

// ValidateSession probes the provider with the lightweight "validate"
// call.
func (c *Controller) ValidateSession(ctx context.Context, sess *Session) error {
	body, err := jsonBody(map[string]any{})
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.SetupURL + "/validate",
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	}, sess)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining only

	return nil
}

// login performs the full credential login plus the optional 2FA/trust
// flow.
func (c *Controller) login(ctx context.Context, creds Credentials) (*Session, error) {
	sess := NewSession(creds.Username, creds.ClientID)

	password := creds.Password
	if password == "" {
		pw, err := c.obtainPassword(creds.Username)
		if err != nil {
			return nil, err
		}

		password = pw
	}

	if err := c.signIn(ctx, sess, creds.Username, password); err != nil {
		return nil, err
	}

	if sess.needsTwoFactor() {
		if err := c.completeTwoFactor(ctx, sess); err != nil {
			return nil, err
		}
	}

	if err := c.AuthWithToken(ctx, sess); err != nil {
		return nil, fmt.Errorf("finalizing session: %w", err)
	}

	if err := sess.Save(c.CookieDir); err != nil {
		c.Logger.Warn("icloud: failed to persist session jar", "error", err)
	}

	c.Logger.Info("icloud: authenticated", "username", creds.Username)

	return sess, nil
}

// obtainPassword requests the password from the interactive prompt. Only
// prompts when the controller is interactive and has a caller-supplied
// prompt, else fails with ErrRequiresInteractive.
func (c *Controller) obtainPassword(username string) (string, error) {
	if !c.Interactive || c.PromptText == nil {
		return "", fmt.Errorf("%w: no password supplied for %q and no interactive terminal available", ErrRequiresInteractive, username)
	}

	return c.PromptText(fmt.Sprintf("Enter password for %s: ", username))
}

// signInResponse is the subset of the login POST response this client cares
// about: a 2FA challenge marker and session headers (absorbed separately).
type signInResponse struct {
	AuthType string `json:"authType"`
}

// signIn submits credentials. The 2FA challenge is signaled either by a
// 409 status or by an explicit authType field in the response body; both
// are honored.
func (c *Controller) signIn(ctx context.Context, sess *Session, username, password string) error {
	body, err := jsonBody(map[string]any{
		"accountName": username,
		"password":    password,
		"rememberMe":  true,
		"trustTokens": trustTokensOf(sess),
	})
	if err != nil {
		return err
	}

	headers := sess.AuthHeaders()
	headers.Set("Origin", "https://idmsa.apple.com")

	resp, err := c.Client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.AuthURL + "/signin",
		Headers: headers,
		Body:    body,
	}, sess)

	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			sess.markTwoFactorRequired()
			return nil
		}

		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: incorrect username or password", ErrLoginRejected)
		}

		return err
	}

	defer resp.Body.Close()

	var parsed signInResponse

	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &parsed)

	if parsed.AuthType == "hsa2" || parsed.AuthType == "hsa" {
		sess.markTwoFactorRequired()
	}

	return nil
}

func trustTokensOf(sess *Session) []string {
	if sess.TrustToken == "" {
		return []string{}
	}

	return []string{sess.TrustToken}
}

// needsTwoFactor and markTwoFactorRequired track the 2FA challenge signal
// observed during signIn. Kept on Session (not Controller) since a retried
// login needs to remember the challenge across the completeTwoFactor call.
func (s *Session) needsTwoFactor() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.needsTwoFactorFlag
}

func (s *Session) markTwoFactorRequired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.needsTwoFactorFlag = true
}

// completeTwoFactor prompts for the 2FA code, verifies it, and then
// trusts the device so future logins skip the challenge. Without an
// interactive terminal this fails with ErrRequiresInteractive.
func (c *Controller) completeTwoFactor(ctx context.Context, sess *Session) error {
	if !c.Interactive || c.PromptText == nil {
		return fmt.Errorf("%w: 2FA code required and no interactive terminal available", ErrRequiresInteractive)
	}

	code, err := c.PromptText("Enter the 2FA code sent to your trusted device: ")
	if err != nil {
		return fmt.Errorf("reading 2FA code: %w", err)
	}

	if err := c.verifyTwoFactorCode(ctx, sess, code); err != nil {
		return err
	}

	return c.trustSession(ctx, sess)
}

func (c *Controller) verifyTwoFactorCode(ctx context.Context, sess *Session, code string) error {
	body, err := jsonBody(map[string]any{
		"securityCode": map[string]string{"code": code},
	})
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.AuthURL + "/verify/trusteddevice/securitycode",
		Headers: sess.AuthHeaders(),
		Body:    body,
	}, sess)
	if err != nil {
		return fmt.Errorf("2FA code rejected: %w", err)
	}

	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return nil
}

// trustSession calls the provider's "trust this device" endpoint, which
// extends TrustToken so future logins skip the 2FA challenge.
func (c *Controller) trustSession(ctx context.Context, sess *Session) error {
	resp, err := c.Client.Do(ctx, Request{
		Method:  http.MethodGet,
		URL:     c.AuthURL + "/2sv/trust",
		Headers: sess.AuthHeaders(),
	}, sess)
	if err != nil {
		return fmt.Errorf("%w: trust device failed", ErrTrustRequired)
	}

	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return nil
}

// accountInfo is the subset of the /accountLogin response this client needs:
// the account DSID and the ckdatabasews endpoint for photo listing.
type accountInfo struct {
	DsInfo struct {
		Dsid string `json:"dsid"`
	} `json:"dsInfo"`
	Webservices map[string]struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	} `json:"webservices"`
}

// AuthWithToken exchanges the session token (obtained from signIn, or
// still valid from a persisted jar) for the final account session: the
// DSID used in every subsequent request and the ckdatabasews endpoint the
// photo listing calls go to.
func (c *Controller) AuthWithToken(ctx context.Context, sess *Session) error {
	body, err := jsonBody(map[string]any{
		"dsWebAuthToken": sess.SessionToken,
		"extended_login": true,
		"trustToken":     sess.TrustToken,
	})
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.SetupURL + "/accountLogin",
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	}, sess)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	var info accountInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("decoding account login response: %w", err)
	}

	sess.mu.Lock()
	sess.Dsid = info.DsInfo.Dsid

	if ws, ok := info.Webservices["ckdatabasews"]; ok && ws.Status == "active" {
		sess.PhotosEndpoint = ws.URL + "/database/1/com.apple.photos.cloud/production/private"
	}

	sess.mu.Unlock()

	return nil
}

// Invalidate clears a session's auth-state fields so the next Authenticate
// call performs a full login. The Session value is not replaced so any
// outstanding references observe the cleared state.
func (c *Controller) Invalidate(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.SessionToken = ""
	sess.Dsid = ""
	sess.needsTwoFactorFlag = false
}

// ReauthResult pairs a re-authenticated Session with the attempt that
// produced it. Reauthenticate does not use it: it returns the Session and
// an error directly.
type ReauthResult struct {
	Session *Session
	Attempt int
}

// Reauthenticate retries a full login under a fixed cap of maxAttempts.
// The first attempt never sleeps; each subsequent attempt sleeps for
// wait() seconds first. Returns the fresh Session on success, or the last
// error once the cap is exhausted.
func (c *Controller) Reauthenticate(
	ctx context.Context, creds Credentials, clock Clock, maxAttempts int, wait func() (seconds int),
) (*Session, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			secs := wait()
			if err := clock.Sleep(ctx, secondsToDuration(secs)); err != nil {
				return nil, err
			}
		}

		sess, err := c.Authenticate(ctx, creds, true)
		if err == nil {
			c.Logger.Info("icloud: re-authentication succeeded", "attempt", attempt)
			return sess, nil
		}

		c.Logger.Warn("icloud: re-authentication attempt failed", "attempt", attempt, "error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("re-authentication failed after %d attempts: %w", maxAttempts, lastErr)
}
