// Package nationbuilder calls the NationBuilder API on behalf of a user.
// Every call goes out with a token that is not about to expire.
package nationbuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	oauthadapter "github.com/ebrett/jupiter-sub001/internal/adapter/oauth"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

const maxBodyBytes = 4 << 20

// TokenSource hands out usable tokens. *token.Manager implements it.
type TokenSource interface {
	ValidToken(ctx context.Context, userID int64) (domain.OAuthToken, error)
	RefreshAfterUnauthorized(ctx context.Context, userID int64, staleAccess string) (domain.OAuthToken, error)
}

// Client is an authenticated NationBuilder API client.
type Client struct {
	cfg        domainoauth.ProviderConfig
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient builds a client. A nil limiter disables outbound throttling.
func NewClient(cfg domainoauth.ProviderConfig, tokens TokenSource, httpClient *http.Client, limiter *rate.Limiter, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, tokens: tokens, httpClient: httpClient, limiter: limiter, logger: logger}
}

// Me returns the NationBuilder profile of userID.
func (c *Client) Me(ctx context.Context, userID int64) (*domainoauth.Profile, error) {
	var raw map[string]any
	if err := c.Do(ctx, userID, http.MethodGet, "/api/v1/people/me", nil, &raw); err != nil {
		return nil, err
	}
	return oauthadapter.ParseProfile(raw), nil
}

// Do sends an authenticated request and decodes a JSON response into out.
// A 401 triggers one refresh and one retry; nothing else is retried here.
func (c *Client) Do(ctx context.Context, userID int64, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	tok, err := c.tokens.ValidToken(ctx, userID)
	if err != nil {
		return err
	}
	status, respBody, err := c.send(ctx, method, path, tok.AccessToken, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log().Info("nationbuilder rejected token, refreshing", zap.Int64("user_id", userID), zap.String("path", path))
		tok, err = c.tokens.RefreshAfterUnauthorized(ctx, userID, tok.AccessToken)
		if err != nil {
			return err
		}
		status, respBody, err = c.send(ctx, method, path, tok.AccessToken, payload)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return &domainoauth.APIError{Kind: domainoauth.KindAuthenticationFailed, Status: status, Path: path, Body: truncate(respBody)}
		}
	}

	if kind := classifyStatus(status); kind != domainoauth.KindUnknown {
		return &domainoauth.APIError{Kind: kind, Status: status, Path: path, Body: truncate(respBody)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domainoauth.APIError{Kind: domainoauth.KindServerError, Status: status, Path: path, Body: truncate(respBody)}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, accessToken string, payload []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &domainoauth.TransportError{Op: "rate limiter", Err: err}
		}
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL(path), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &domainoauth.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &domainoauth.TransportError{Op: "read " + path, Err: err}
	}
	return resp.StatusCode, respBody, nil
}

func classifyStatus(status int) domainoauth.ErrorKind {
	switch {
	case status < 400:
		return domainoauth.KindUnknown
	case status == http.StatusTooManyRequests:
		return domainoauth.KindRateLimited
	case status == http.StatusUnauthorized:
		return domainoauth.KindAuthenticationFailed
	case status < 500:
		return domainoauth.KindClientError
	default:
		return domainoauth.KindServerError
	}
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

func (c *Client) log() *zap.Logger {
	if c != nil && c.logger != nil {
		return c.logger
	}
	return zap.L()
}
