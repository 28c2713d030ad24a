package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the OAuth state is unknown, expired or bound to another session.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrProfileIncomplete means NationBuilder returned a profile we cannot
	// sign in with, such as one without an e-mail address.
	ErrProfileIncomplete = errors.New("oauth: provider profile incomplete")
	// ErrTokenNotFound signals the user has no active provider token.
	ErrTokenNotFound = errors.New("oauth: token not found")
	// ErrTokenRotated is returned when a token was superseded concurrently.
	ErrTokenRotated = errors.New("oauth: token already rotated")
	// ErrChallengeExpired covers unknown, consumed and expired challenges.
	ErrChallengeExpired = errors.New("oauth: challenge expired or not found")
	// ErrChallengeSessionMismatch rejects resumption from a different session.
	ErrChallengeSessionMismatch = errors.New("oauth: challenge belongs to another session")
	// ErrChallengeVerification signals that Turnstile rejected the token.
	ErrChallengeVerification = errors.New("oauth: challenge verification failed")
)

// CodeCloudflareChallenge tags exchange failures caused by an anti-bot page.
const CodeCloudflareChallenge = "cloudflare_challenge"

// ErrorKind is the stable classification consumers branch on.
type ErrorKind string

const (
	KindUnknown              ErrorKind = ""
	KindProviderError        ErrorKind = "provider_error"
	KindChallenge            ErrorKind = "cloudflare_challenge"
	KindReauthRequired       ErrorKind = "reauthentication_required"
	KindServiceUnavailable   ErrorKind = "service_unavailable"
	KindRateLimited          ErrorKind = "rate_limited"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindClientError          ErrorKind = "client_error"
	KindServerError          ErrorKind = "server_error"
)

// TransportError wraps network failures and timeouts talking to the provider.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError is a non-success response from the provider token endpoint.
type ProviderError struct {
	Status      int
	Code        string
	Description string
	Challenge   *Challenge
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: status=%d code=%s: %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: status=%d code=%s", e.Status, e.Code)
}

// Permanent reports whether repeating the same request cannot succeed.
func (e *ProviderError) Permanent() bool {
	if e.Challenge != nil {
		return true
	}
	return e.Status < http.StatusInternalServerError
}

// TokenExchangeError is returned when an authorization code cannot be exchanged.
// Code is the provider error code or CodeCloudflareChallenge.
type TokenExchangeError struct {
	Code        string
	Description string
	Status      int
	Challenge   *Challenge
	Err         error
}

func (e *TokenExchangeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token exchange failed: %s", e.Code)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// IsChallenge reports whether the exchange was blocked by Cloudflare.
func (e *TokenExchangeError) IsChallenge() bool {
	return e.Code == CodeCloudflareChallenge && e.Challenge != nil
}

// TokenRefreshError reports a refresh that did not produce new credentials.
type TokenRefreshError struct {
	Kind     ErrorKind
	UserID   int64
	Attempts int
	Err      error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for user %d after %d attempt(s): %s: %v", e.UserID, e.Attempts, e.Kind, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// ReauthRequired reports whether the credential is dead.
func (e *TokenRefreshError) ReauthRequired() bool {
	return e.Kind == KindReauthRequired
}

// APIError is a failed authenticated call to the provider API.
type APIError struct {
	Kind   ErrorKind
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nationbuilder api %s: %s (status=%d)", e.Path, e.Kind, e.Status)
}

// KindOf extracts the error kind anywhere in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var refreshErr *TokenRefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.Kind
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	var exchangeErr *TokenExchangeError
	if errors.As(err, &exchangeErr) {
		if exchangeErr.IsChallenge() {
			return KindChallenge
		}
		if exchangeErr.Status == http.StatusTooManyRequests {
			return KindRateLimited
		}
		var transportErr *TransportError
		if errors.As(exchangeErr.Err, &transportErr) {
			return KindServiceUnavailable
		}
		return KindProviderError
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return classifyProviderError(providerErr)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return KindServiceUnavailable
	}
	if errors.Is(err, ErrTokenNotFound) {
		return KindReauthRequired
	}
	if errors.Is(err, ErrProfileIncomplete) {
		return KindProviderError
	}
	return KindUnknown
}

// ClassifyRefreshFailure maps the last refresh attempt error to a kind.
func ClassifyRefreshFailure(err error) ErrorKind {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return classifyProviderError(providerErr)
	}
	return KindServiceUnavailable
}

func classifyProviderError(e *ProviderError) ErrorKind {
	switch {
	case e.Challenge != nil && e.Challenge.Type == ChallengeRateLimit:
		return KindRateLimited
	case e.Challenge != nil:
		return KindChallenge
	case e.Status == http.StatusTooManyRequests:
		return KindRateLimited
	case e.Status == http.StatusUnauthorized, e.Code == "invalid_grant", e.Code == "invalid_client":
		return KindReauthRequired
	case e.Status >= http.StatusInternalServerError:
		return KindServiceUnavailable
	default:
		return KindProviderError
	}
}
