package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/config"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/http/handler"
	httpmiddleware "github.com/ebrett/jupiter-sub001/internal/http/middleware"
	"github.com/ebrett/jupiter-sub001/internal/jwt"
	authsvc "github.com/ebrett/jupiter-sub001/internal/service/auth"
	"github.com/ebrett/jupiter-sub001/internal/testutil"
	"github.com/ebrett/jupiter-sub001/internal/workflow"
)

var (
	member   = domain.User{ID: 1, Email: "member@example.org", Roles: []domain.Role{domain.RoleSubmitter}}
	treasury = domain.User{ID: 2, Email: "treasury@example.org", Roles: []domain.Role{domain.RoleTreasuryTeamAdmin}}
	sysadmin = domain.User{ID: 3, Email: "admin@example.org", Roles: []domain.Role{domain.RoleSystemAdministrator}}
)

// bearerAuth treats the bearer value as a user id lookup key.
type bearerAuth map[string]domain.User

func (b bearerAuth) Authenticate(_ context.Context, bearer string) (*jwt.Session, domain.User, error) {
	user, ok := b[bearer]
	if !ok {
		return nil, domain.User{}, jwt.ErrInvalidSession
	}
	return &jwt.Session{UserID: user.ID, SessionID: "sid"}, user, nil
}

type fakeSignIn struct {
	callbackErr error
	sessions    []string
}

func (f *fakeSignIn) StartAuthorization(_ context.Context, sessionID string) (*authsvc.StartAuthorizationOutput, error) {
	f.sessions = append(f.sessions, sessionID)
	return &authsvc.StartAuthorizationOutput{AuthorizationURL: "https://nation.test/oauth/authorize?state=abc", State: "abc"}, nil
}

func (f *fakeSignIn) HandleCallback(_ context.Context, in authsvc.CallbackInput) (*authsvc.SignInResult, error) {
	f.sessions = append(f.sessions, in.SessionID)
	if f.callbackErr != nil {
		return nil, f.callbackErr
	}
	return &authsvc.SignInResult{User: member, SessionToken: "session-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSignIn) GetChallenge(_ context.Context, id, _ string) (*domainoauth.CloudflareChallenge, error) {
	if id != "ch-1" {
		return nil, domainoauth.ErrChallengeExpired
	}
	return &domainoauth.CloudflareChallenge{ID: id, Type: domainoauth.ChallengeTurnstile, SiteKey: "site"}, nil
}

func (f *fakeSignIn) ResumeAfterChallenge(_ context.Context, in authsvc.ResumeInput) (*authsvc.SignInResult, error) {
	if in.TurnstileToken != "ok" {
		return nil, domainoauth.ErrChallengeVerification
	}
	return &authsvc.SignInResult{User: member, SessionToken: "session-token"}, nil
}

type fakeProfiles struct{ err error }

func (f fakeProfiles) Me(context.Context, int64) (*domainoauth.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domainoauth.Profile{ID: 42, Email: "member@example.org"}, nil
}

type fakeTokenAdmin struct{ cleanupWith time.Duration }

func (f *fakeTokenAdmin) Rotate(_ context.Context, userID int64, _ string) (domain.OAuthToken, error) {
	if userID != member.ID {
		return domain.OAuthToken{}, domainoauth.ErrTokenNotFound
	}
	return domain.OAuthToken{ID: 10, UserID: userID, Version: 2}, nil
}

func (f *fakeTokenAdmin) CleanupRotatedTokens(_ context.Context, olderThan time.Duration) (int64, error) {
	f.cleanupWith = olderThan
	return 3, nil
}

type routerFixture struct {
	engine   *gin.Engine
	signIn   *fakeSignIn
	profiles *fakeProfiles
	tokens   *fakeTokenAdmin
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	wf := workflow.NewService(testutil.NewMemoryRequests(), testutil.NewMemoryFlags(), nil, node, zap.NewNop())
	f := &routerFixture{signIn: &fakeSignIn{}, profiles: &fakeProfiles{}, tokens: &fakeTokenAdmin{}}
	auth := &httpmiddleware.Auth{Authenticator: bearerAuth{"member": member, "treasury": treasury, "admin": sysadmin}}
	f.engine = NewRouter(config.Config{Environment: "development", ServiceName: "jupiter-test"}, Handlers{
		Auth:     handler.NewAuthHandler(f.signIn, f.profiles),
		Requests: handler.NewRequestHandler(wf),
		Admin:    handler.NewAdminHandler(f.tokens, 90*24*time.Hour),
	}, auth, nil, zap.NewNop())
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndAuthRequired(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, nethttp.MethodGet, "/healthz", "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	w = f.do(t, nethttp.MethodGet, "/api/me", "", nil)
	require.Equal(t, nethttp.StatusUnauthorized, w.Code)

	w = f.do(t, nethttp.MethodGet, "/api/me", "stolen", nil)
	require.Equal(t, nethttp.StatusUnauthorized, w.Code)

	w = f.do(t, nethttp.MethodGet, "/api/me", "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Equal(t, "member@example.org", decode(t, w)["email"])
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, nethttp.MethodPost, "/api/requests", "member", map[string]any{
		"title":        "Conference hotel",
		"amount_cents": 42000,
		"currency":     "eur",
		"expense_date": "2025-05-02",
		"category":     "accommodation",
	})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := created["id"].(string)
	require.Equal(t, "draft", created["status"])
	require.Equal(t, "EUR", created["currency"])
	require.True(t, strings.HasPrefix(created["request_number"].(string), "RB-"))

	// Approving a draft is an illegal transition.
	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/approve", "treasury", nil)
	require.Equal(t, nethttp.StatusConflict, w.Code)
	require.Equal(t, "invalid_transition", decode(t, w)["error"])

	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/submit", "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Equal(t, "submitted", decode(t, w)["status"])

	// Owners cannot approve their own request.
	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/approve", "member", nil)
	require.Equal(t, nethttp.StatusForbidden, w.Code)

	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/reject", "treasury", map[string]any{"reason": "  "})
	require.Equal(t, nethttp.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "reason", decode(t, w)["field"])

	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/approve", "treasury", map[string]any{"approved_amount_cents": 40000, "notes": "hotel cap"})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	approved := decode(t, w)
	require.Equal(t, "approved", approved["status"])
	require.EqualValues(t, 40000, approved["approved_amount_cents"])

	w = f.do(t, nethttp.MethodPost, "/api/requests/"+id+"/mark_paid", "treasury", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	w = f.do(t, nethttp.MethodGet, "/api/requests/"+id, "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	detail := decode(t, w)
	require.Equal(t, "paid", detail["request"].(map[string]any)["status"])
	require.Len(t, detail["events"], 3)

	w = f.do(t, nethttp.MethodGet, "/api/requests/999", "member", nil)
	require.Equal(t, nethttp.StatusNotFound, w.Code)

	w = f.do(t, nethttp.MethodGet, "/api/requests", "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Len(t, decode(t, w)["requests"], 1)
}

func TestCreateValidationOverHTTP(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, nethttp.MethodPost, "/api/requests", "member", map[string]any{
		"title":        "Lunch",
		"amount_cents": 0,
		"currency":     "USD",
		"expense_date": "2025-05-02",
		"category":     "meals",
	})
	require.Equal(t, nethttp.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "amount_cents", decode(t, w)["field"])

	w = f.do(t, nethttp.MethodPost, "/api/requests", "member", map[string]any{
		"title":        "Lunch",
		"amount_cents": 1200,
		"currency":     "USD",
		"expense_date": "05/02/2025",
		"category":     "meals",
	})
	require.Equal(t, nethttp.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "expense_date", decode(t, w)["field"])
}

func TestBulkApproveOverHTTP(t *testing.T) {
	f := newRouterFixture(t)

	var ids []string
	for i := 0; i < 2; i++ {
		w := f.do(t, nethttp.MethodPost, "/api/requests", "member", map[string]any{
			"title": "Printer paper", "amount_cents": 1500, "currency": "USD",
			"expense_date": "2025-05-02", "category": "supplies",
		})
		require.Equal(t, nethttp.StatusCreated, w.Code)
		ids = append(ids, decode(t, w)["id"].(string))
	}
	w := f.do(t, nethttp.MethodPost, "/api/requests/"+ids[0]+"/submit", "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	w = f.do(t, nethttp.MethodPost, "/api/requests/bulk_approve", "treasury", map[string]any{"request_ids": ids})
	require.Equal(t, nethttp.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "1 approved, 1 failed", out["message"])
	require.Len(t, out["failures"], 1)
}

func TestOAuthEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, nethttp.MethodGet, "/auth/oauth/start", "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Set-Cookie"), httpmiddleware.SessionCookie+"=")
	require.NotEmpty(t, f.signIn.sessions[0])

	w = f.do(t, nethttp.MethodGet, "/auth/oauth/callback?code=c&state=s", "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Equal(t, "session-token", decode(t, w)["access_token"])

	w = f.do(t, nethttp.MethodGet, "/auth/oauth/callback?state=s", "", nil)
	require.Equal(t, nethttp.StatusBadRequest, w.Code)

	f.signIn.callbackErr = &authsvc.ChallengeRequiredError{Challenge: domainoauth.CloudflareChallenge{ID: "ch-1", Type: domainoauth.ChallengeTurnstile, SiteKey: "site"}}
	w = f.do(t, nethttp.MethodGet, "/auth/oauth/callback?code=c&state=s", "", nil)
	require.Equal(t, nethttp.StatusAccepted, w.Code)
	body := decode(t, w)
	require.Equal(t, "challenge_required", body["error"])
	require.Equal(t, "ch-1", body["challenge"].(map[string]any)["id"])

	f.signIn.callbackErr = &domainoauth.TokenExchangeError{Code: "invalid_grant", Status: nethttp.StatusBadRequest, Err: errors.New("expired")}
	w = f.do(t, nethttp.MethodGet, "/auth/oauth/callback?code=c&state=s", "", nil)
	require.Equal(t, nethttp.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_grant", decode(t, w)["error"])

	// A NationBuilder profile without an e-mail is the provider's fault.
	f.signIn.callbackErr = fmt.Errorf("%w: no email", domainoauth.ErrProfileIncomplete)
	w = f.do(t, nethttp.MethodGet, "/auth/oauth/callback?code=c&state=s", "", nil)
	require.Equal(t, nethttp.StatusBadRequest, w.Code)
	require.Equal(t, "provider_error", decode(t, w)["error"])

	w = f.do(t, nethttp.MethodGet, "/auth/oauth/challenges/ch-1", "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Equal(t, "turnstile", decode(t, w)["type"])

	w = f.do(t, nethttp.MethodGet, "/auth/oauth/challenges/other", "", nil)
	require.Equal(t, nethttp.StatusGone, w.Code)

	w = f.do(t, nethttp.MethodPost, "/auth/oauth/challenges/ch-1/complete", "", map[string]any{"turnstile_token": "bad"})
	require.Equal(t, nethttp.StatusUnprocessableEntity, w.Code)

	w = f.do(t, nethttp.MethodPost, "/auth/oauth/challenges/ch-1/complete", "", map[string]any{"turnstile_token": "ok"})
	require.Equal(t, nethttp.StatusOK, w.Code)
}

func TestNationBuilderErrorKinds(t *testing.T) {
	f := newRouterFixture(t)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domainoauth.TokenRefreshError{Kind: domainoauth.KindReauthRequired, UserID: 1, Err: errors.New("invalid_grant")}, nethttp.StatusUnauthorized, "reauthentication_required"},
		{&domainoauth.TokenRefreshError{Kind: domainoauth.KindServiceUnavailable, UserID: 1, Err: errors.New("502")}, nethttp.StatusServiceUnavailable, "service_unavailable"},
		{&domainoauth.APIError{Kind: domainoauth.KindRateLimited, Status: 429}, nethttp.StatusTooManyRequests, "rate_limited"},
		{&domainoauth.APIError{Kind: domainoauth.KindAuthenticationFailed, Status: 401}, nethttp.StatusUnauthorized, "reauthentication_required"},
		{&domainoauth.APIError{Kind: domainoauth.KindClientError, Status: 422}, nethttp.StatusBadRequest, "provider_error"},
	}
	for _, tc := range cases {
		f.profiles.err = tc.err
		w := f.do(t, nethttp.MethodGet, "/api/me/nationbuilder", "member", nil)
		require.Equal(t, tc.status, w.Code, tc.err.Error())
		require.Equal(t, tc.code, decode(t, w)["error"])
	}

	f.profiles.err = nil
	w := f.do(t, nethttp.MethodGet, "/api/me/nationbuilder", "member", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
}

func TestAdminTokenRoutes(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, nethttp.MethodPost, "/api/admin/tokens/cleanup", "treasury", nil)
	require.Equal(t, nethttp.StatusForbidden, w.Code)

	w = f.do(t, nethttp.MethodPost, "/api/admin/tokens/cleanup", "admin", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.EqualValues(t, 3, decode(t, w)["deleted"])
	require.Equal(t, 90*24*time.Hour, f.tokens.cleanupWith)

	w = f.do(t, nethttp.MethodPost, "/api/admin/tokens/cleanup?older_than=48h", "admin", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.Equal(t, 48*time.Hour, f.tokens.cleanupWith)

	w = f.do(t, nethttp.MethodPost, "/api/admin/tokens/1/rotate", "admin", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	require.EqualValues(t, 2, decode(t, w)["version"])

	w = f.do(t, nethttp.MethodPost, "/api/admin/tokens/99/rotate", "admin", nil)
	require.Equal(t, nethttp.StatusNotFound, w.Code)
}
