package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to NationBuilder's OAuth endpoints.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (*domainoauth.Profile, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	cfg        domainoauth.ProviderConfig
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

const maxResponseBytes = 1 << 20

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(cfg domainoauth.ProviderConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{cfg: cfg, httpClient: client}
}

// Config returns the provider configuration the client was built with.
func (c *HTTPProviderClient) Config() domainoauth.ProviderConfig {
	return c.cfg
}

// ExchangeCode performs the authorization_code grant.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	return c.postToken(ctx, data)
}

// RefreshToken performs the refresh_token grant.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	return c.postToken(ctx, data)
}

func (c *HTTPProviderClient) postToken(ctx context.Context, data url.Values) (*domainoauth.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domainoauth.TransportError{Op: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domainoauth.TransportError{Op: "read token response", Err: err}
	}

	var raw map[string]any
	decodeErr := json.Unmarshal(body, &raw)
	if resp.StatusCode >= 300 || decodeErr != nil {
		return nil, providerError(resp, body, raw)
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, &domainoauth.ProviderError{Status: resp.StatusCode, Code: "invalid_response", Description: "access_token missing"}
	}
	return token, nil
}

// providerError classifies a failed token response. Challenge markup is
// checked before the JSON error body so an HTML interstitial served with a
// 4xx is never mistaken for an OAuth error.
func providerError(resp *http.Response, body []byte, raw map[string]any) *domainoauth.ProviderError {
	perr := &domainoauth.ProviderError{Status: resp.StatusCode}
	if challenge, ok := DetectChallenge(resp.StatusCode, resp.Header, body); ok {
		perr.Code = domainoauth.CodeCloudflareChallenge
		perr.Challenge = challenge
		return perr
	}
	if raw != nil {
		perr.Code = stringValue(raw["error"])
		perr.Description = stringValue(coalesce(raw["error_description"], raw["message"]))
	}
	if perr.Code == "" {
		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			perr.Code = "server_error"
		case resp.StatusCode < 300:
			perr.Code = "invalid_response"
		default:
			perr.Code = "http_" + strconv.Itoa(resp.StatusCode)
		}
	}
	return perr
}

// FetchProfile loads people/me for the bearer of accessToken.
func (c *HTTPProviderClient) FetchProfile(ctx context.Context, accessToken string) (*domainoauth.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProfileURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domainoauth.TransportError{Op: "profile request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domainoauth.TransportError{Op: "read profile", Err: err}
	}
	var raw map[string]any
	decodeErr := json.Unmarshal(body, &raw)
	if resp.StatusCode >= 300 || decodeErr != nil {
		return nil, providerError(resp, body, raw)
	}
	return ParseProfile(raw), nil
}

// ParseProfile maps a people/me payload. NationBuilder nests the person
// under "person"; a flat object is accepted too.
func ParseProfile(raw map[string]any) *domainoauth.Profile {
	person := raw
	if nested, ok := raw["person"].(map[string]any); ok {
		person = nested
	}
	return &domainoauth.Profile{
		ID:        int64Value(person["id"]),
		Email:     strings.ToLower(strings.TrimSpace(stringValue(coalesce(person["email"], person["email1"])))),
		FirstName: stringValue(person["first_name"]),
		LastName:  stringValue(person["last_name"]),
		Raw:       raw,
	}
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
