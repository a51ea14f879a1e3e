// Package api executes requests against the Knugget backend with automatic
// recovery from transient failures.
//
// Every call goes through a single retry loop that classifies transport and
// HTTP outcomes into the Kind vocabulary, honors server-provided retry
// hints, and performs the one-shot re-authentication replay after a 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrinal-mann/Knugget-new/core"
)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies bearer tokens for authenticated requests and owns
// the recovery performed after a 401. HandleUnauthorized returns a fresh
// token when recovery succeeded; its error means the session is gone.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	HandleUnauthorized(ctx context.Context) (string, error)
}

// SessionInvalidator is implemented by token sources that must finalize
// local session state when a replayed request still fails auth. Without
// it a second 401 would surface KindSessionExpired while the source kept
// treating the session as live.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context)
}

// Failure is the structured notification emitted on every terminal
// request failure. It exists for presentation surfaces; delivery never
// affects the error returned to the caller.
type Failure struct {
	Operation string
	Kind      Kind
	Message   string
}

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.knugget.com". Required.
	BaseURL string
	// HTTPClient is the transport used for all requests.
	HTTPClient HTTPClient
	// Tokens supplies bearer tokens for authenticated requests. May be
	// bound later via SetTokenSource.
	Tokens TokenSource
	// Retry controls attempt count and backoff shape.
	Retry core.RetryPolicy
	// Timeout is the default per-attempt deadline.
	Timeout time.Duration
	// GenerateTimeout is the per-attempt deadline for summary generation,
	// which runs a model call server-side and needs more headroom.
	GenerateTimeout time.Duration
	// UserAgent is sent on every request when non-empty.
	UserAgent string
	// OnFailure receives a notification for every terminal failure. Called
	// synchronously; implementations must not block.
	OnFailure func(Failure)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now, Sleep and Jitter exist so tests can run deterministically.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

// DefaultTimeout is the per-attempt deadline applied when none is configured.
const DefaultTimeout = 30 * time.Second

// DefaultGenerateTimeout is the per-attempt deadline for summary generation.
const DefaultGenerateTimeout = 60 * time.Second

// Client executes backend requests under the configured retry policy.
type Client struct {
	baseURL         string
	http            HTTPClient
	retry           core.RetryPolicy
	timeout         time.Duration
	generateTimeout time.Duration
	userAgent       string
	onFailure       func(Failure)
	logger          *slog.Logger
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	jitter          func() time.Duration

	tokensMu sync.RWMutex
	tokens   TokenSource
}

// NewClient creates a Client from config.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api: base URL is required")
	}

	c := &Client{
		baseURL:         baseURL,
		http:            cfg.HTTPClient,
		retry:           cfg.Retry,
		timeout:         cfg.Timeout,
		generateTimeout: cfg.GenerateTimeout,
		userAgent:       strings.TrimSpace(cfg.UserAgent),
		onFailure:       cfg.OnFailure,
		logger:          cfg.Logger,
		now:             cfg.Now,
		sleep:           cfg.Sleep,
		jitter:          cfg.Jitter,
		tokens:          cfg.Tokens,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry = core.DefaultRetryPolicy()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.generateTimeout <= 0 {
		c.generateTimeout = DefaultGenerateTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.jitter == nil {
		c.jitter = defaultJitter
	}
	return c, nil
}

// SetTokenSource binds the session layer after construction. The session
// manager needs the client for its own refresh calls, so the two are
// assembled in sequence and bound here.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()
	c.tokens = tokens
}

func (c *Client) tokenSource() TokenSource {
	c.tokensMu.RLock()
	defer c.tokensMu.RUnlock()
	return c.tokens
}

// Request describes one logical backend call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil.
	Body any
	// Out receives the envelope's data payload when non-nil.
	Out any
	// Operation names the call in logs and observations, e.g. "summary.generate".
	Operation string
	// RequiresAuth routes the request through the TokenSource.
	RequiresAuth bool
	// Token is an explicit bearer override. It bypasses the TokenSource
	// and disables the 401 replay, for calls that validate a specific
	// credential rather than the current session.
	Token string
	// Timeout overrides the client's per-attempt deadline when positive.
	Timeout time.Duration
	// MaxAttempts overrides the retry policy's attempt count when positive.
	MaxAttempts int
}

// Do executes the request under the retry policy. The returned error is
// always a *Error (or nil); callers classify it with KindOf.
func (c *Client) Do(ctx context.Context, req Request) error {
	if c == nil {
		return fmt.Errorf("api: client is nil")
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		operation = method + " " + req.Path
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.retry.MaxAttempts
	}
	baseTimeout := req.Timeout
	if baseTimeout <= 0 {
		baseTimeout = c.timeout
	}

	token := strings.TrimSpace(req.Token)
	replayable := false
	if req.RequiresAuth && token == "" {
		tokens := c.tokenSource()
		if tokens == nil {
			return c.finish(operation, method, req.Path, c.now(), 1, 0,
				newError(KindAuthRequired, "no session available", false, nil))
		}
		fresh, err := tokens.Token(ctx)
		if err != nil {
			return c.finish(operation, method, req.Path, c.now(), 1, 0, tokenSourceError(err))
		}
		token = fresh
		replayable = true
	}

	start := c.now()
	attemptTimeout := baseTimeout
	authReplayed := false
	var lastErr *Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.finish(operation, method, req.Path, start, attempt, 0, cancelError(err))
		}

		status, header, body, err := c.doOnce(ctx, method, req, token, attemptTimeout)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				// request construction failed; nothing to retry
				return c.finish(operation, method, req.Path, start, attempt, 0, apiErr)
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return c.finish(operation, method, req.Path, start, attempt, 0, cancelError(ctx.Err()))
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// the caller's own deadline is gone; no room for another attempt
				return c.finish(operation, method, req.Path, start, attempt, 0,
					newError(KindTimeout, "request timed out", true, err))
			}
			if isTimeout(err) {
				lastErr = newError(KindTimeout, "request timed out", true, err)
				attemptTimeout = growTimeout(attemptTimeout, baseTimeout)
			} else {
				lastErr = newError(KindNetworkUnavailable, "network unreachable", true, err)
			}
		} else {
			switch {
			case status >= 200 && status < 300:
				if decodeErr := decodeEnvelope(body, req.Out); decodeErr != nil {
					return c.finish(operation, method, req.Path, start, attempt, status, asAPIError(decodeErr))
				}
				c.observe(operation, method, req.Path, start, attempt, status, nil)
				return nil

			case status == http.StatusUnauthorized:
				if replayable && !authReplayed {
					fresh, reauthErr := c.tokenSource().HandleUnauthorized(ctx)
					if reauthErr != nil {
						return c.finish(operation, method, req.Path, start, attempt, status,
							withErrorStatus(newError(KindSessionExpired, "session expired", false, reauthErr), status))
					}
					token = fresh
					authReplayed = true
					// the re-auth replay does not consume a retry attempt
					attempt--
					continue
				}
				kind := KindInvalidCredentials
				if authReplayed {
					// the freshly minted token was rejected too; the session
					// is dead server-side and local state must follow
					kind = KindSessionExpired
					if inv, ok := c.tokenSource().(SessionInvalidator); ok {
						inv.InvalidateSession(ctx)
					}
				}
				return c.finish(operation, method, req.Path, start, attempt, status,
					withErrorStatus(newError(kind, envelopeFailureMessage(body), false, nil), status))

			case status == http.StatusPaymentRequired:
				return c.finish(operation, method, req.Path, start, attempt, status,
					withErrorStatus(newError(KindInsufficientCredits, envelopeFailureMessage(body), false, nil), status))

			case status == http.StatusTooManyRequests:
				lastErr = withErrorStatus(newError(KindRateLimited, "rate limited", true, nil), status)
				if hint, ok := parseRetryAfter(header, c.now()); ok {
					lastErr = withErrorDetails(lastErr, map[string]any{"retry_after": hint.String()})
					if attempt < maxAttempts {
						if waitErr := c.wait(ctx, operation, attempt, lastErr, hint); waitErr != nil {
							return c.finish(operation, method, req.Path, start, attempt, status, cancelError(waitErr))
						}
						continue
					}
				}

			case c.retry.RetryableStatus(status):
				lastErr = withErrorStatus(newError(KindServerUnavailable, envelopeFailureMessage(body), true, nil), status)

			case status >= 500:
				return c.finish(operation, method, req.Path, start, attempt, status,
					withErrorStatus(newError(KindServerUnavailable, envelopeFailureMessage(body), false, nil), status))

			default:
				return c.finish(operation, method, req.Path, start, attempt, status,
					withErrorStatus(newError(KindRequestRejected, envelopeFailureMessage(body), false, nil), status))
			}
		}

		if attempt == maxAttempts {
			break
		}
		wait := backoffDelay(c.retry, attempt) + c.jitter()
		if waitErr := c.wait(ctx, operation, attempt, lastErr, wait); waitErr != nil {
			return c.finish(operation, method, req.Path, start, attempt, lastErr.Status, cancelError(waitErr))
		}
	}

	return c.finish(operation, method, req.Path, start, maxAttempts, lastErr.Status, lastErr)
}

// doOnce issues a single HTTP attempt under its own deadline and returns
// the fully-read response. A *Error return means request construction
// failed and the attempt never went out.
func (c *Client) doOnce(ctx context.Context, method string, req Request, token string, timeout time.Duration) (int, http.Header, []byte, error) {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return 0, nil, nil, newError(KindRequestRejected, "encode request body", false, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, endpoint, bodyReader)
	if err != nil {
		return 0, nil, nil, newError(KindRequestRejected, "build request", false, err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) wait(ctx context.Context, operation string, attempt int, cause *Error, wait time.Duration) error {
	var kind Kind
	if cause != nil {
		kind = cause.Kind
	}
	emitRetryObservation(RetryObservation{
		Operation: operation,
		Attempt:   attempt,
		Kind:      kind,
		DelayMS:   wait.Milliseconds(),
	})
	c.logger.Debug("retrying request",
		"operation", operation, "attempt", attempt, "kind", kind, "wait", wait)
	if wait <= 0 {
		return ctx.Err()
	}
	return c.sleep(ctx, wait)
}

func (c *Client) observe(operation, method, path string, start time.Time, attempt, status int, err *Error) {
	observation := RequestObservation{
		Operation:  operation,
		Method:     method,
		Path:       path,
		Status:     status,
		Attempts:   attempt,
		DurationMS: c.now().Sub(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		observation.Kind = err.Kind
	}
	emitRequestObservation(observation)
}

// finish records the terminal outcome of a failed request: observation,
// failure notification, one log line, then the error itself.
func (c *Client) finish(operation, method, path string, start time.Time, attempt, status int, err *Error) error {
	if err == nil {
		return nil
	}
	if err.Status == 0 && status > 0 {
		err.Status = status
	}
	c.observe(operation, method, path, start, attempt, status, err)
	c.logger.Warn("request failed",
		"operation", operation, "kind", err.Kind, "status", err.Status, "attempts", attempt)
	if c.onFailure != nil {
		c.onFailure(Failure{
			Operation: operation,
			Kind:      err.Kind,
			Message:   UserMessage(err),
		})
	}
	return err
}

func cancelError(cause error) *Error {
	return newError(KindCancelled, "request cancelled", false, cause)
}

// tokenSourceError classifies a pre-flight token failure. A token source
// that already speaks this package's vocabulary (a session manager
// reporting KindSessionExpired after a failed refresh) keeps its
// classification; anything else means there is simply no session.
func tokenSourceError(cause error) *Error {
	if apiErr, ok := errorFrom(cause); ok {
		clone := *apiErr
		return &clone
	}
	return newError(KindAuthRequired, "sign in required", false, cause)
}

func asAPIError(err error) *Error {
	if apiErr, ok := errorFrom(err); ok {
		return apiErr
	}
	return newError(KindRequestRejected, "", false, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// growTimeout widens the per-attempt deadline after a timed-out attempt,
// capped at twice the configured value.
func growTimeout(current, base time.Duration) time.Duration {
	next := current + current/2
	if limit := 2 * base; next > limit {
		return limit
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
