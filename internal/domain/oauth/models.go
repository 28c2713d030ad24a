package oauth

import (
	"strings"
	"time"
)

// ProviderConfig holds the NationBuilder client credentials and endpoints.
type ProviderConfig struct {
	Name         string
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// AuthURL is the browser authorization endpoint.
func (c ProviderConfig) AuthURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/oauth/authorize"
}

// TokenURL is the token endpoint used for both grants.
func (c ProviderConfig) TokenURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/oauth/token"
}

// ProfileURL returns the people/me endpoint.
func (c ProviderConfig) ProfileURL() string {
	return c.APIURL("/api/v1/people/me")
}

// APIURL joins an API path onto the nation base URL.
func (c ProviderConfig) APIURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// OAuthState is persisted between authorization start and callback.
type OAuthState struct {
	State       string
	SessionID   string
	RedirectURI string
	CreatedAt   time.Time
}

// TokenResponse models a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	Raw          map[string]any
}

// ExpiresAt converts ExpiresIn relative to now. Providers that omit
// expires_in get the NationBuilder default lifetime.
func (r TokenResponse) ExpiresAt(now time.Time) time.Time {
	if r.ExpiresIn <= 0 {
		return now.Add(DefaultTokenLifetime)
	}
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// DefaultTokenLifetime applies when the provider omits expires_in.
const DefaultTokenLifetime = 24 * time.Hour

// Profile is the subset of people/me the portal maps onto users.
type Profile struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Raw       map[string]any
}

// ChallengeType classifies an anti-bot interstitial.
type ChallengeType string

const (
	ChallengeTurnstile ChallengeType = "turnstile"
	ChallengeBrowser   ChallengeType = "browser_challenge"
	ChallengeRateLimit ChallengeType = "rate_limit"
)

const (
	challengeDataLegacy     = "legacy_detection"
	challengeDataRetryAfter = "retry_after"
	challengeDataStatus     = "status"
)

// Challenge describes a detected Cloudflare challenge.
type Challenge struct {
	Type    ChallengeType  `json:"type"`
	SiteKey string         `json:"site_key,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Legacy reports whether the challenge was detected from "Just a moment" text only.
func (c Challenge) Legacy() bool {
	v, _ := c.Data[challengeDataLegacy].(bool)
	return v
}

// NewChallenge builds a challenge with its metadata map populated.
func NewChallenge(kind ChallengeType, siteKey string, status int, retryAfter string, legacy bool) *Challenge {
	data := map[string]any{challengeDataStatus: status}
	if legacy {
		data[challengeDataLegacy] = true
	}
	if retryAfter != "" {
		data[challengeDataRetryAfter] = retryAfter
	}
	return &Challenge{Type: kind, SiteKey: siteKey, Data: data}
}

// CloudflareChallenge is the persisted record that lets a blocked OAuth
// callback resume once the human has passed the challenge.
type CloudflareChallenge struct {
	ID             string            `json:"id"`
	Type           ChallengeType     `json:"type"`
	SiteKey        string            `json:"site_key,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	OAuthState     string            `json:"oauth_state"`
	OriginalParams map[string]string `json:"original_params"`
	SessionID      string            `json:"session_id"`
	UserID         *int64            `json:"user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the challenge can no longer be used.
func (c CloudflareChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// OwnedBy reports whether sessionID created the challenge.
func (c CloudflareChallenge) OwnedBy(sessionID string) bool {
	return sessionID != "" && c.SessionID == sessionID
}
