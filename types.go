package woofr

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind is a coarse classification of API failures so callers can branch
// without re-parsing status codes.
type ErrorKind string

const (
	// KindNetwork: the request never produced a response (DNS, dial, timeout).
	KindNetwork ErrorKind = "network"
	// KindAuth: the session credential expired (HTTP 401).
	KindAuth ErrorKind = "auth"
	// KindCSRF: the anti-forgery token was rejected as invalid or stale.
	KindCSRF ErrorKind = "csrf"
	// KindForbidden: authenticated but not allowed (HTTP 403, non-CSRF).
	KindForbidden ErrorKind = "forbidden"
	// KindRateLimited: HTTP 429.
	KindRateLimited ErrorKind = "rate_limited"
	// KindClient: any other 4xx.
	KindClient ErrorKind = "client"
	// KindServer: 5xx.
	KindServer ErrorKind = "server"
	// KindConflict: a response arrived for a conversation that is no longer
	// active and was discarded locally.
	KindConflict ErrorKind = "conflict"
)

// APIError represents a classified API failure.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return string(e.Kind) + " (" + e.Code + "): " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// ErrorKindOf extracts the classification from err, or "" if err is not an
// *APIError.
func ErrorKindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// apiErrorBody is the error shape the backend attaches to non-2xx responses.
type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// Conversation types
// ============================================================================

// Message is a single chat message. ID is server-assigned and is the sole
// deduplication key: two records with the same ID are the same message
// regardless of which channel delivered them. MediaRef may be absent on
// first arrival and patched in later once media processing completes.
type Message struct {
	ID        string `json:"id"`
	PeerID    string `json:"peerId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// SendOptions describes an outgoing message. Text, Media, or both must be
// set. MediaName is the upload filename for the attachment.
type SendOptions struct {
	Text      string
	Media     []byte
	MediaName string
}

// AuthUser is the identity returned by the auth-status endpoint.
type AuthUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Response payload shapes.

type historyData struct {
	Messages []Message `json:"messages"`
}

type sendData struct {
	Message Message `json:"message"`
}

type checkAuthData struct {
	User AuthUser `json:"user"`
}

type csrfTokenData struct {
	Token string `json:"token"`
}

// decodeJSON unmarshals a response body into the given type.
func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
