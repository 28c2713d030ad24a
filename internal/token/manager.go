// Package token owns the lifecycle of NationBuilder OAuth credentials:
// exchange, storage, refresh with backoff, rotation and retention cleanup.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/ebrett/jupiter-sub001/internal/adapter/oauth"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/lock"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

// Options tunes refresh timing.
type Options struct {
	// RefreshBuffer is how long before expiry a token counts as stale.
	RefreshBuffer   time.Duration
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          float64
	MaxInterval     time.Duration
	MaxRetries      uint64
	// FlightTimeout bounds a shared refresh once its first caller has
	// gone away.
	FlightTimeout time.Duration
}

// DefaultOptions refreshes five minutes early and retries transient
// failures three times at roughly 1s, 2s and 4s.
func DefaultOptions() Options {
	return Options{
		RefreshBuffer:   5 * time.Minute,
		InitialInterval: time.Second,
		Multiplier:      2,
		Jitter:          0.3,
		MaxInterval:     16 * time.Second,
		MaxRetries:      3,
		FlightTimeout:   2 * time.Minute,
	}
}

// Manager coordinates token operations for one provider.
type Manager struct {
	tokens   repository.TokenRepository
	provider oauthadapter.ProviderClient
	locker   lock.Locker
	node     *snowflake.Node
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	group    singleflight.Group

	now   func() time.Time
	timer func() backoff.Timer
}

// NewManager wires the manager. A nil locker falls back to an in-process
// KeyedMutex.
func NewManager(tokens repository.TokenRepository, provider oauthadapter.ProviderClient, locker lock.Locker, node *snowflake.Node, opts Options, logger *zap.Logger) *Manager {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	defaults := DefaultOptions()
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = defaults.RefreshBuffer
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = defaults.Multiplier
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = defaults.Jitter
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaults.MaxInterval
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = defaults.FlightTimeout
	}
	return &Manager{
		tokens:   tokens,
		provider: provider,
		locker:   locker,
		node:     node,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ebrett/jupiter-sub001/internal/token"),
		now:      time.Now,
		timer:    func() backoff.Timer { return nil },
	}
}

// RefreshBuffer reports the configured staleness window.
func (m *Manager) RefreshBuffer() time.Duration {
	return m.opts.RefreshBuffer
}

// ExchangeCode trades an authorization code for tokens. Failures are
// returned as *TokenExchangeError; a Cloudflare block carries the challenge.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.ExchangeCode")
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &domainoauth.TokenExchangeError{Code: "invalid_request", Description: "authorization code is required", Err: domainoauth.ErrInvalidRequest}
	}
	resp, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		exchangeErr := toExchangeError(err)
		span.RecordError(exchangeErr)
		m.audit("token.exchange.failed", "code", exchangeErr.Code, "status", exchangeErr.Status)
		return nil, exchangeErr
	}
	m.audit("token.exchange.success", "scope", resp.Scope)
	return resp, nil
}

func toExchangeError(err error) *domainoauth.TokenExchangeError {
	var providerErr *domainoauth.ProviderError
	if errors.As(err, &providerErr) {
		code := providerErr.Code
		if providerErr.Challenge != nil {
			code = domainoauth.CodeCloudflareChallenge
		}
		return &domainoauth.TokenExchangeError{
			Code:        code,
			Description: providerErr.Description,
			Status:      providerErr.Status,
			Challenge:   providerErr.Challenge,
			Err:         err,
		}
	}
	return &domainoauth.TokenExchangeError{
		Code:        "temporarily_unavailable",
		Description: "the provider could not be reached",
		Err:         err,
	}
}

// StoreExchanged persists freshly exchanged credentials as the user's active
// token, overwriting the existing active row in place.
func (m *Manager) StoreExchanged(ctx context.Context, userID int64, resp *domainoauth.TokenResponse) (domain.OAuthToken, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.StoreExchanged")
	defer span.End()

	if resp == nil || resp.AccessToken == "" {
		return domain.OAuthToken{}, domainoauth.ErrInvalidRequest
	}
	release, err := m.locker.Acquire(ctx, lockKey(userID))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("store token: %w", err)
	}
	defer release()

	now := m.now().UTC()
	current, err := m.tokens.GetActive(ctx, userID, domain.ProviderNationBuilder)
	switch {
	case errors.Is(err, domainoauth.ErrTokenNotFound):
		created, err := m.tokens.Create(ctx, domain.OAuthToken{
			ID:           m.node.Generate().Int64(),
			UserID:       userID,
			Provider:     domain.ProviderNationBuilder,
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    resp.ExpiresAt(now),
			Scope:        resp.Scope,
			Version:      1,
			CreatedAt:    now,
		})
		if err != nil {
			span.RecordError(err)
			return domain.OAuthToken{}, fmt.Errorf("store token: %w", err)
		}
		m.audit("token.stored", "user_id", userID, "token_id", created.ID, "version", created.Version)
		return created, nil
	case err != nil:
		span.RecordError(err)
		return domain.OAuthToken{}, fmt.Errorf("store token: %w", err)
	}

	applyResponse(&current, resp, now)
	updated, err := m.tokens.UpdateCredentials(ctx, current)
	if err != nil {
		span.RecordError(err)
		return domain.OAuthToken{}, fmt.Errorf("store token: %w", err)
	}
	m.audit("token.stored", "user_id", userID, "token_id", updated.ID, "version", updated.Version)
	return updated, nil
}

// Refresh forces a refresh of tok. If another caller already replaced tok's
// access token the replacement is returned without calling the provider.
func (m *Manager) Refresh(ctx context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	return m.refresh(ctx, "TokenManager.Refresh", tok.UserID, func(current domain.OAuthToken) bool {
		return current.AccessToken != tok.AccessToken
	})
}

// ValidToken returns an active token that will not expire within the
// refresh buffer, refreshing synchronously first when needed.
func (m *Manager) ValidToken(ctx context.Context, userID int64) (domain.OAuthToken, error) {
	tok, err := m.tokens.GetActive(ctx, userID, domain.ProviderNationBuilder)
	if err != nil {
		if errors.Is(err, domainoauth.ErrTokenNotFound) {
			return domain.OAuthToken{}, &domainoauth.TokenRefreshError{Kind: domainoauth.KindReauthRequired, UserID: userID, Err: err}
		}
		return domain.OAuthToken{}, fmt.Errorf("load token: %w", err)
	}
	if !tok.NeedsRefresh(m.now(), m.opts.RefreshBuffer) {
		return tok, nil
	}
	return m.refresh(ctx, "TokenManager.ValidToken", userID, func(current domain.OAuthToken) bool {
		return !current.NeedsRefresh(m.now(), m.opts.RefreshBuffer)
	})
}

// RefreshAfterUnauthorized refreshes after the provider rejected
// staleAccess.
func (m *Manager) RefreshAfterUnauthorized(ctx context.Context, userID int64, staleAccess string) (domain.OAuthToken, error) {
	return m.refresh(ctx, "TokenManager.RefreshAfterUnauthorized", userID, func(current domain.OAuthToken) bool {
		return current.AccessToken != staleAccess
	})
}

// refresh serializes refreshes per user. Callers in this process share one
// flight; across processes the lock orders them and the holder re-reads the
// row, so fresh returns true when someone else already did the work.
//
// The flight runs detached from the caller that started it, so a caller
// that gives up only abandons its own wait.
func (m *Manager) refresh(ctx context.Context, spanName string, userID int64, fresh func(domain.OAuthToken) bool) (domain.OAuthToken, error) {
	ctx, span := m.startSpan(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	key := lockKey(userID)
	flight := m.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FlightTimeout)
		defer cancel()
		return m.refreshLocked(flightCtx, key, userID, fresh)
	})

	select {
	case res := <-flight:
		span.SetAttributes(attribute.Bool("refresh.shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			return domain.OAuthToken{}, res.Err
		}
		return res.Val.(domain.OAuthToken), nil
	case <-ctx.Done():
		err := &domainoauth.TokenRefreshError{Kind: domainoauth.KindServiceUnavailable, UserID: userID, Err: ctx.Err()}
		span.RecordError(err)
		return domain.OAuthToken{}, err
	}
}

func (m *Manager) refreshLocked(ctx context.Context, key string, userID int64, fresh func(domain.OAuthToken) bool) (domain.OAuthToken, error) {
	release, err := m.locker.Acquire(ctx, key)
	if err != nil {
		return domain.OAuthToken{}, &domainoauth.TokenRefreshError{Kind: domainoauth.KindServiceUnavailable, UserID: userID, Err: err}
	}
	defer release()

	current, err := m.tokens.GetActive(ctx, userID, domain.ProviderNationBuilder)
	if err != nil {
		if errors.Is(err, domainoauth.ErrTokenNotFound) {
			return domain.OAuthToken{}, &domainoauth.TokenRefreshError{Kind: domainoauth.KindReauthRequired, UserID: userID, Err: err}
		}
		return domain.OAuthToken{}, fmt.Errorf("load token: %w", err)
	}
	if fresh(current) {
		return current, nil
	}
	return m.refreshToken(ctx, current)
}

// refreshToken calls the provider and overwrites the row on success. The
// row is left untouched on failure.
func (m *Manager) refreshToken(ctx context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	resp, attempts, err := m.callRefresh(ctx, tok)
	if err != nil {
		refreshErr := &domainoauth.TokenRefreshError{
			Kind:     domainoauth.ClassifyRefreshFailure(err),
			UserID:   tok.UserID,
			Attempts: attempts,
			Err:      err,
		}
		m.audit("token.refresh.failed", "user_id", tok.UserID, "token_id", tok.ID, "kind", refreshErr.Kind, "attempts", attempts)
		return domain.OAuthToken{}, refreshErr
	}

	applyResponse(&tok, resp, m.now().UTC())
	updated, err := m.tokens.UpdateCredentials(ctx, tok)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("save refreshed token: %w", err)
	}
	m.audit("token.refreshed", "user_id", tok.UserID, "token_id", tok.ID, "attempts", attempts)
	return updated, nil
}

// callRefresh runs the refresh grant with exponential backoff. Provider
// responses that cannot improve on retry stop the loop immediately.
func (m *Manager) callRefresh(ctx context.Context, tok domain.OAuthToken) (*domainoauth.TokenResponse, int, error) {
	if tok.RefreshToken == "" {
		return nil, 0, &domainoauth.ProviderError{Status: 401, Code: "invalid_grant", Description: "no refresh token stored"}
	}
	attempts := 0
	operation := func() (*domainoauth.TokenResponse, error) {
		attempts++
		resp, err := m.provider.RefreshToken(ctx, tok.RefreshToken)
		if err != nil {
			var providerErr *domainoauth.ProviderError
			if errors.As(err, &providerErr) && providerErr.Permanent() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}
	notify := func(err error, wait time.Duration) {
		m.log().Warn("token refresh attempt failed",
			zap.Int64("user_id", tok.UserID),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	resp, err := backoff.RetryNotifyWithTimerAndData(operation, m.backOff(ctx), notify, m.timer())
	return resp, attempts, err
}

func (m *Manager) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.opts.InitialInterval
	exp.Multiplier = m.opts.Multiplier
	exp.RandomizationFactor = m.opts.Jitter
	exp.MaxInterval = m.opts.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, m.opts.MaxRetries), ctx)
}

func applyResponse(tok *domain.OAuthToken, resp *domainoauth.TokenResponse, now time.Time) {
	tok.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		tok.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		tok.Scope = resp.Scope
	}
	tok.ExpiresAt = resp.ExpiresAt(now)
	tok.UpdatedAt = now
}

// Rotate supersedes the active token with a new row at version+1. A supplied
// refresh token is stored alongside the current access token; otherwise the
// provider issues a fresh pair.
func (m *Manager) Rotate(ctx context.Context, userID int64, newRefreshToken string) (domain.OAuthToken, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.Rotate")
	defer span.End()

	release, err := m.locker.Acquire(ctx, lockKey(userID))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", err)
	}
	defer release()

	current, err := m.tokens.GetActive(ctx, userID, domain.ProviderNationBuilder)
	if err != nil {
		span.RecordError(err)
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", err)
	}

	now := m.now().UTC()
	next := domain.OAuthToken{
		ID:           m.node.Generate().Int64(),
		UserID:       userID,
		Provider:     current.Provider,
		AccessToken:  current.AccessToken,
		RefreshToken: strings.TrimSpace(newRefreshToken),
		ExpiresAt:    current.ExpiresAt,
		Scope:        current.Scope,
		Version:      current.Version + 1,
		CreatedAt:    now,
	}
	if next.RefreshToken == "" {
		resp, attempts, err := m.callRefresh(ctx, current)
		if err != nil {
			refreshErr := &domainoauth.TokenRefreshError{Kind: domainoauth.ClassifyRefreshFailure(err), UserID: userID, Attempts: attempts, Err: err}
			span.RecordError(refreshErr)
			return domain.OAuthToken{}, refreshErr
		}
		next.RefreshToken = current.RefreshToken
		applyResponse(&next, resp, now)
	}

	rotated, err := m.tokens.Rotate(ctx, current.ID, next, now)
	if err != nil {
		span.RecordError(err)
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", err)
	}
	m.audit("token.rotated",
		"user_id", userID,
		"previous_token_id", current.ID,
		"previous_version", current.Version,
		"token_id", rotated.ID,
		"version", rotated.Version,
		"provider_refresh", newRefreshToken == "",
	)
	return rotated, nil
}

// CleanupRotatedTokens deletes rotated rows older than the retention window.
// Active rows are never touched.
func (m *Manager) CleanupRotatedTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.CleanupRotatedTokens")
	defer span.End()

	if olderThan <= 0 {
		return 0, fmt.Errorf("cleanup rotated tokens: retention must be positive: %w", domainoauth.ErrInvalidRequest)
	}
	cutoff := m.now().UTC().Add(-olderThan)
	n, err := m.tokens.DeleteRotatedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("cleanup rotated tokens: %w", err)
	}
	m.audit("token.cleanup", "deleted", n, "cutoff", cutoff)
	return n, nil
}

func lockKey(userID int64) string {
	return fmt.Sprintf("oauth:refresh:%s:%d", domain.ProviderNationBuilder, userID)
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func (m *Manager) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	m.log().Info("audit", fields...)
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
