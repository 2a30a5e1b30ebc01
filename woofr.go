// Package woofr provides the Go client for the Woofr conversation API.
//
// It covers the conversation REST endpoints, the anti-forgery token
// lifecycle, and the real-time push channel, and layers a session-scoped
// conversation store on top that merges history fetches, pushed events, and
// fallback polls into one deduplicated message list.
//
// Example:
//
//	client := woofr.NewClient(token)
//	rt := client.Realtime(&woofr.RealtimeConfig{Token: token, AutoReconnect: true})
//	store := woofr.NewConversationStore(client, rt, nil)
//
//	_ = rt.Connect(ctx)
//	_ = store.Open(ctx, "peer-123")
//	_, _ = store.Send(ctx, woofr.SendOptions{Text: "hello"})
package woofr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.woofr.app"
	DefaultTimeout = 30 * time.Second

	// csrfHeader carries the anti-forgery token on state-changing requests.
	csrfHeader = "X-CSRF-Token"

	csrfTokenPath = "/csrf-token"
	checkAuthPath = "/check-auth"

	// codeBadCSRF is the error code the backend attaches to a 403 caused by
	// a stale anti-forgery token, as opposed to an ordinary permission 403.
	codeBadCSRF = "EBADCSRFTOKEN"

	// csrfSoftTTL is how long a fetched token is trusted without re-fetching.
	csrfSoftTTL = 10 * time.Minute
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP transport for the Woofr API. Every state-changing
// request carries the guard's anti-forgery token; failures are classified
// into an ErrorKind, and CSRF-invalid and transient failures are recovered
// locally with a bounded number of resubmissions.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	retry      RetryPolicy

	guard  *TokenGuard
	ledger *retryLedger

	sessionExpired func()
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithSessionExpiredHandler registers the callback invoked when a request
// fails with an expired session credential (log the user out). The handler
// fires once per failed request and never for the auth-status endpoint.
func WithSessionExpiredHandler(h func()) ClientOption {
	return func(c *Client) { c.sessionExpired = h }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a new Woofr client authenticated with the given session
// token. Pass "" for unauthenticated endpoints only.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:    zerolog.Nop(),
		ledger: newRetryLedger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.retry.defaults()
	c.guard = newTokenGuard(c.fetchCSRFToken, csrfSoftTTL)
	return c
}

// SetToken sets or updates the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Guard returns the client's anti-forgery token guard.
func (c *Client) Guard() *TokenGuard {
	return c.guard
}

// ============================================================================
// Conversation API
// ============================================================================

// GetConversation fetches the ordered message history with peerID.
func (c *Client) GetConversation(ctx context.Context, peerID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversation/"+url.PathEscape(peerID), nil, nil)
	if err != nil {
		return nil, err
	}
	history, err := decodeJSON[historyData](data)
	if err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return history.Messages, nil
}

// SendMessage posts a message to the conversation with peerID and returns
// the server-confirmed record. When a media attachment is included, the
// confirmed record may not yet carry a durable MediaRef; the caller is
// expected to reconcile it later (the ConversationStore does this).
func (c *Client) SendMessage(ctx context.Context, peerID string, opts SendOptions) (*Message, error) {
	var body *requestBody
	var err error
	if len(opts.Media) > 0 {
		body, err = buildMediaForm(opts.Text, opts.Media, opts.MediaName)
	} else {
		if opts.Text == "" {
			return nil, &APIError{Kind: KindClient, Message: "message has neither text nor media"}
		}
		body, err = jsonBody(map[string]string{"text": opts.Text})
	}
	if err != nil {
		return nil, err
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/conversation/"+url.PathEscape(peerID)+"/send", body, nil)
	if err != nil {
		return nil, err
	}
	sent, err := decodeJSON[sendData](data)
	if err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &sent.Message, nil
}

// ClearConversation deletes the server-side history with peerID. This is the
// destructive, user-confirmed action; closing a conversation locally does
// not touch server state.
func (c *Client) ClearConversation(ctx context.Context, peerID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/conversation/"+url.PathEscape(peerID), nil, nil)
	return err
}

// CheckAuth returns the current identity, or a KindAuth error if the session
// has expired. This endpoint is exempt from the session-expired handler so
// that probing auth status can never recursively trigger a logout.
func (c *Client) CheckAuth(ctx context.Context) (*AuthUser, error) {
	data, err := c.doRequest(ctx, http.MethodGet, checkAuthPath, nil, nil)
	if err != nil {
		return nil, err
	}
	auth, err := decodeJSON[checkAuthData](data)
	if err != nil {
		return nil, fmt.Errorf("decode auth status: %w", err)
	}
	return &auth.User, nil
}

// fetchCSRFToken is the guard's fetch function.
func (c *Client) fetchCSRFToken(ctx context.Context) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, csrfTokenPath, nil, nil)
	if err != nil {
		return "", err
	}
	tok, err := decodeJSON[csrfTokenData](data)
	if err != nil {
		return "", fmt.Errorf("decode csrf token: %w", err)
	}
	return tok.Token, nil
}

// ============================================================================
// Transport core
// ============================================================================

// requestBody is a pre-encoded request payload. Retries resubmit the same
// bytes, so the body is buffered rather than streamed.
type requestBody struct {
	data        []byte
	contentType string
}

func jsonBody(v any) (*requestBody, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return &requestBody{data: data, contentType: "application/json"}, nil
}

// doRequest issues one logical request, recovering locally from CSRF-invalid
// and transient failures up to the retry policy's bound. The ledger entry for
// this dispatch is keyed by method+URL+nonce and cleared when it resolves.
func (c *Client) doRequest(ctx context.Context, method, path string, body *requestBody, query map[string]string) (json.RawMessage, error) {
	mutating := method != http.MethodGet
	key := requestKey(method, c.baseURL+path, uuid.NewString())
	defer c.ledger.clear(key)

	for {
		data, apiErr := c.doOnce(ctx, method, path, body, query, mutating)
		if apiErr == nil {
			return data, nil
		}

		switch apiErr.Kind {
		case KindAuth:
			// Session credential expired: global logout side effect, no
			// retry. The auth-status probe itself is exempt.
			if path != checkAuthPath && c.sessionExpired != nil {
				c.log.Debug().Str("path", path).Msg("session expired, invoking logout handler")
				c.sessionExpired()
			}
			return nil, apiErr

		case KindCSRF:
			// Reads never carry the anti-forgery token, so refreshing it
			// cannot help. This also keeps the guard's own token fetch
			// from re-entering ForceRefresh inside its fetch goroutine.
			if !mutating {
				return nil, apiErr
			}
			retries := c.ledger.bump(key)
			if retries > c.retry.MaxRetries {
				return nil, apiErr
			}
			c.log.Debug().Str("path", path).Int("retry", retries).Msg("anti-forgery token rejected, refreshing")
			if _, err := c.guard.ForceRefresh(ctx); err != nil {
				return nil, apiErr
			}

		case KindRateLimited, KindServer:
			if !mutating {
				return nil, apiErr
			}
			retries := c.ledger.bump(key)
			if retries > c.retry.MaxRetries {
				return nil, apiErr
			}
			delay := backoffDelay(c.retry.BaseDelay, retries)
			c.log.Debug().Str("path", path).Int("retry", retries).Dur("delay", delay).Msg("transient failure, backing off")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &APIError{Kind: KindNetwork, Message: ctx.Err().Error()}
			}

		default:
			return nil, apiErr
		}
	}
}

// doOnce performs a single HTTP exchange and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, method, path string, body *requestBody, query map[string]string, mutating bool) (json.RawMessage, *APIError) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body.data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &APIError{Kind: KindClient, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if mutating {
		token, err := c.guard.Ensure(ctx)
		if err != nil {
			if apiErr, ok := asAPIError(err); ok {
				return nil, apiErr
			}
			return nil, &APIError{Kind: KindNetwork, Message: "csrf token: " + err.Error()}
		}
		req.Header.Set(csrfHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: err.Error()}
	}
	if resp.StatusCode < 400 {
		return respBody, nil
	}

	var wrapped struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(respBody, &wrapped)
	return nil, classify(resp.StatusCode, wrapped.Error.Code, wrapped.Error.Message)
}

func classify(status int, code, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	e := &APIError{Status: status, Code: code, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusForbidden && code == codeBadCSRF:
		e.Kind = KindCSRF
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}
	return e
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
