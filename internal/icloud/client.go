package icloud

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Clock abstracts time.Now and sleeping so the auth and download retry
// state machines are deterministically testable.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the production Clock, backed by time.Now and a
// context-aware sleep.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// secondsToDuration converts a whole-second wait value (possibly 0 in
// tests) into a time.Duration.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// userAgent identifies this client to the provider. Overwritten at build
// time by callers that embed a version string.
var userAgent = "icloudsync/dev"

// SetUserAgent overrides the default User-Agent header sent on every request.
func SetUserAgent(ua string) { userAgent = ua }

// Client is a single-attempt HTTP request executor with per-response error
// classification. It deliberately does not retry: retry state machines
// belong to the auth controller and download engine, which know whether a
// session or server error is recoverable in their context.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a Client around an existing *http.Client. Callers choose
// timeouts: a short one for metadata calls, none for media streaming.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{http: httpClient, logger: logger}
}

// Request describes a single HTTP call against the provider.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    io.Reader
}

// Do executes req once against sess's cookie jar, merges any Set-Cookie
// response headers back into sess, and classifies the outcome. On a 2xx
// response, the caller owns resp.Body and must close it. On a non-2xx
// response the body has already been consumed and classified into the
// returned error; resp is nil.
func (c *Client) Do(ctx context.Context, req Request, sess *Session) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("User-Agent", userAgent)

	if sess != nil {
		if cookie := sess.CookieHeader(); cookie != "" {
			httpReq.Header.Set("Cookie", cookie)
		}
	}

	c.logger.Debug("icloud: request", "method", req.Method, "url", req.URL)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if sess != nil {
		sess.MergeCookies(resp.Cookies())
		sess.AbsorbHeaders(resp.Header)
	}

	if !isSuccess(resp.StatusCode) {
		c.logger.Debug("icloud: response classified as error",
			"method", req.Method, "url", req.URL, "status", resp.StatusCode)

		return nil, classifyResponse(resp.StatusCode, resp.Body)
	}

	return resp, nil
}
