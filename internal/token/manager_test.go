package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/ebrett/jupiter-sub001/internal/adapter/oauth"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/testutil"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// fakeTimer fires immediately and remembers the requested delays.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	ch     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{ch: make(chan time.Time, 1)}
}

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	f.ch <- time.Now()
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.ch }

func (f *fakeTimer) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type fixture struct {
	manager *Manager
	tokens  *testutil.MemoryTokens
	timer   *fakeTimer
	calls   *atomic.Int32
}

// newFixture points a real provider client at handler.
func newFixture(t *testing.T, handler http.HandlerFunc, seed ...domain.OAuthToken) *fixture {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	client := oauthadapter.NewHTTPProviderClient(domainoauth.ProviderConfig{
		Name:         domain.ProviderNationBuilder,
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "https://portal.test/auth/oauth/callback",
	}, nil)

	f := &fixture{tokens: testutil.NewMemoryTokens(seed...), timer: newFakeTimer(), calls: calls}
	f.manager = NewManager(f.tokens, client, nil, node, DefaultOptions(), zap.NewNop())
	f.manager.now = func() time.Time { return baseTime }
	f.manager.timer = func() backoff.Timer { return f.timer }
	return f
}

func staleToken() domain.OAuthToken {
	return domain.OAuthToken{
		ID:           1,
		UserID:       7,
		Provider:     domain.ProviderNationBuilder,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    baseTime.Add(time.Minute),
		Scope:        "default",
		Version:      1,
		CreatedAt:    baseTime.Add(-time.Hour),
	}
}

func okTokens(access, refresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + access + `","refresh_token":"` + refresh + `","expires_in":7200,"scope":"default"}`))
	}
}

func (f *fixture) active(t *testing.T) domain.OAuthToken {
	t.Helper()
	tok, err := f.tokens.GetActive(context.Background(), 7, domain.ProviderNationBuilder)
	require.NoError(t, err)
	return tok
}

func TestRefreshUnauthorizedNeverMutates(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_token","error_description":"revoked"}`))
	}, staleToken())

	_, err := f.manager.Refresh(context.Background(), staleToken())
	var refreshErr *domainoauth.TokenRefreshError
	require.True(t, errors.As(err, &refreshErr))
	require.True(t, refreshErr.ReauthRequired())
	require.Equal(t, 1, refreshErr.Attempts)
	require.Equal(t, domainoauth.KindReauthRequired, domainoauth.KindOf(err))

	require.Equal(t, int32(1), f.calls.Load())
	require.Empty(t, f.timer.recorded())
	require.Equal(t, 0, f.tokens.Updates)
	require.Equal(t, staleToken().AccessToken, f.active(t).AccessToken)
	require.Equal(t, staleToken().ExpiresAt, f.active(t).ExpiresAt)
}

func TestRefreshInvalidGrantIsPermanent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}, staleToken())

	_, err := f.manager.Refresh(context.Background(), staleToken())
	require.Equal(t, domainoauth.KindReauthRequired, domainoauth.KindOf(err))
	require.Equal(t, int32(1), f.calls.Load())
}

func TestRefreshServerErrorRetriesThreeTimes(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`upstream exploded`))
	}, staleToken())

	_, err := f.manager.Refresh(context.Background(), staleToken())
	var refreshErr *domainoauth.TokenRefreshError
	require.True(t, errors.As(err, &refreshErr))
	require.Equal(t, domainoauth.KindServiceUnavailable, refreshErr.Kind)
	require.Equal(t, 4, refreshErr.Attempts)
	require.Equal(t, int32(4), f.calls.Load())

	delays := f.timer.recorded()
	require.Len(t, delays, 3)
	bounds := [][2]time.Duration{
		{700 * time.Millisecond, 1300 * time.Millisecond},
		{1400 * time.Millisecond, 2600 * time.Millisecond},
		{2800 * time.Millisecond, 5200 * time.Millisecond},
	}
	for i, d := range delays {
		require.GreaterOrEqual(t, d, bounds[i][0])
		require.LessOrEqual(t, d, bounds[i][1])
		if i > 0 {
			require.Greater(t, d, delays[i-1])
		}
	}
	require.Equal(t, 0, f.tokens.Updates)
	require.Equal(t, "old-access", f.active(t).AccessToken)
}

func TestRefreshRecoversAfterTransientFailure(t *testing.T) {
	var n atomic.Int32
	ok := okTokens("new-access", "new-refresh")
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ok(w, r)
	}, staleToken())

	tok, err := f.manager.Refresh(context.Background(), staleToken())
	require.NoError(t, err)
	require.Equal(t, int64(1), tok.ID)
	require.Equal(t, 1, tok.Version)
	require.Equal(t, "new-access", tok.AccessToken)
	require.Equal(t, "new-refresh", tok.RefreshToken)
	require.Equal(t, baseTime.Add(2*time.Hour), tok.ExpiresAt)
	require.Len(t, f.timer.recorded(), 1)
	require.Equal(t, 1, f.tokens.Updates)
}

func TestRefreshChallengeIsNotRetried(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><div class="cf-turnstile" data-sitekey="0xKEY"></div></html>`))
	}, staleToken())

	_, err := f.manager.Refresh(context.Background(), staleToken())
	require.Equal(t, domainoauth.KindChallenge, domainoauth.KindOf(err))
	require.Equal(t, int32(1), f.calls.Load())
}

func TestValidToken(t *testing.T) {
	t.Run("fresh token skips the provider", func(t *testing.T) {
		fresh := staleToken()
		fresh.ExpiresAt = baseTime.Add(time.Hour)
		f := newFixture(t, okTokens("unused", "unused"), fresh)

		tok, err := f.manager.ValidToken(context.Background(), 7)
		require.NoError(t, err)
		require.Equal(t, "old-access", tok.AccessToken)
		require.Zero(t, f.calls.Load())
	})

	t.Run("token inside the buffer is refreshed first", func(t *testing.T) {
		f := newFixture(t, okTokens("new-access", "new-refresh"), staleToken())
		tok, err := f.manager.ValidToken(context.Background(), 7)
		require.NoError(t, err)
		require.Equal(t, "new-access", tok.AccessToken)
		require.False(t, tok.NeedsRefresh(baseTime, f.manager.RefreshBuffer()))
	})

	t.Run("missing token requires reauthentication", func(t *testing.T) {
		f := newFixture(t, okTokens("unused", "unused"))
		_, err := f.manager.ValidToken(context.Background(), 7)
		require.Equal(t, domainoauth.KindReauthRequired, domainoauth.KindOf(err))
	})
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	ok := okTokens("new-access", "new-refresh")
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		ok(w, r)
	}, staleToken())

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := f.manager.ValidToken(context.Background(), 7)
			results[i], errs[i] = tok.AccessToken, err
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), f.calls.Load())
	for i, access := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "new-access", access)
	}
}

func TestRefreshSurvivesFirstCallerCancelling(t *testing.T) {
	ok := okTokens("new-access", "new-refresh")
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		ok(w, r)
	}, staleToken())

	impatient, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.manager.ValidToken(impatient, 7)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	tok, err := f.manager.ValidToken(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "new-access", tok.AccessToken)
	require.Equal(t, int32(1), f.calls.Load())
	require.Equal(t, "new-access", f.active(t).AccessToken)

	err = <-firstErr
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, domainoauth.KindServiceUnavailable, domainoauth.KindOf(err))
}

func TestRefreshFlightIsBounded(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		okTokens("late-access", "late-refresh")(w, r)
	}, staleToken())
	f.manager.opts.FlightTimeout = 50 * time.Millisecond
	f.manager.opts.MaxRetries = 0

	_, err := f.manager.ValidToken(context.Background(), 7)
	require.Error(t, err)
	require.Equal(t, "old-access", f.active(t).AccessToken)
}

func TestRefreshAfterUnauthorizedSkipsReplacedToken(t *testing.T) {
	f := newFixture(t, okTokens("newer-access", "newer-refresh"), staleToken())

	tok, err := f.manager.RefreshAfterUnauthorized(context.Background(), 7, "some-older-access")
	require.NoError(t, err)
	require.Equal(t, "old-access", tok.AccessToken)
	require.Zero(t, f.calls.Load())

	tok, err = f.manager.RefreshAfterUnauthorized(context.Background(), 7, "old-access")
	require.NoError(t, err)
	require.Equal(t, "newer-access", tok.AccessToken)
	require.Equal(t, int32(1), f.calls.Load())
}

func TestRotate(t *testing.T) {
	t.Run("with supplied refresh token", func(t *testing.T) {
		f := newFixture(t, okTokens("unused", "unused"), staleToken())
		rotated, err := f.manager.Rotate(context.Background(), 7, "supplied-refresh")
		require.NoError(t, err)
		require.Zero(t, f.calls.Load())
		require.Equal(t, 2, rotated.Version)
		require.Equal(t, "old-access", rotated.AccessToken)
		require.Equal(t, "supplied-refresh", rotated.RefreshToken)

		rows, err := f.tokens.ListByUser(context.Background(), 7, domain.ProviderNationBuilder)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		var active, superseded int
		for _, row := range rows {
			if row.Active() {
				active++
				require.Equal(t, rotated.ID, row.ID)
			} else {
				superseded++
				require.Equal(t, int64(1), row.ID)
				require.Equal(t, baseTime, *row.RotatedAt)
			}
		}
		require.Equal(t, 1, active)
		require.Equal(t, 1, superseded)
		require.Equal(t, rotated.ID, f.active(t).ID)
	})

	t.Run("without refresh token the provider issues a new pair", func(t *testing.T) {
		f := newFixture(t, okTokens("fresh-access", "fresh-refresh"), staleToken())
		rotated, err := f.manager.Rotate(context.Background(), 7, "")
		require.NoError(t, err)
		require.Equal(t, int32(1), f.calls.Load())
		require.Equal(t, "fresh-access", rotated.AccessToken)
		require.Equal(t, "fresh-refresh", rotated.RefreshToken)
		require.Equal(t, 2, rotated.Version)
	})

	t.Run("no active token", func(t *testing.T) {
		f := newFixture(t, okTokens("unused", "unused"))
		_, err := f.manager.Rotate(context.Background(), 7, "x")
		require.ErrorIs(t, err, domainoauth.ErrTokenNotFound)
	})
}

func TestCleanupRotatedTokens(t *testing.T) {
	old := baseTime.Add(-100 * 24 * time.Hour)
	recent := baseTime.Add(-time.Hour)
	expiredOld := staleToken()
	expiredOld.ID, expiredOld.RotatedAt = 10, &old
	expiredRecent := staleToken()
	expiredRecent.ID, expiredRecent.RotatedAt = 11, &recent
	active := staleToken()
	active.ExpiresAt = baseTime.Add(-400 * 24 * time.Hour)

	f := newFixture(t, okTokens("unused", "unused"), expiredOld, expiredRecent, active)
	n, err := f.manager.CleanupRotatedTokens(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rows, err := f.tokens.ListByUser(context.Background(), 7, domain.ProviderNationBuilder)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, active.ID, f.active(t).ID)

	_, err = f.manager.CleanupRotatedTokens(context.Background(), 0)
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)

	sweeper := NewSweeper(f.manager, time.Minute, time.Hour, zap.NewNop())
	n, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	sweeper.Start(context.Background())
	sweeper.Stop()
	sweeper.Stop()
}

func TestExchangeCode(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t, okTokens("a", "r"))
		resp, err := f.manager.ExchangeCode(context.Background(), "code")
		require.NoError(t, err)
		require.Equal(t, "a", resp.AccessToken)
	})

	t.Run("provider error keeps the code", func(t *testing.T) {
		f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"redirect_uri_mismatch","error_description":"bad redirect"}`))
		})
		_, err := f.manager.ExchangeCode(context.Background(), "code")
		var exchangeErr *domainoauth.TokenExchangeError
		require.True(t, errors.As(err, &exchangeErr))
		require.Equal(t, "redirect_uri_mismatch", exchangeErr.Code)
		require.False(t, exchangeErr.IsChallenge())
		require.Equal(t, domainoauth.KindProviderError, domainoauth.KindOf(err))
	})

	t.Run("cloudflare challenge", func(t *testing.T) {
		f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<div id="challenge-stage"></div>`))
		})
		_, err := f.manager.ExchangeCode(context.Background(), "code")
		var exchangeErr *domainoauth.TokenExchangeError
		require.True(t, errors.As(err, &exchangeErr))
		require.True(t, exchangeErr.IsChallenge())
		require.Equal(t, domainoauth.ChallengeBrowser, exchangeErr.Challenge.Type)
		require.Equal(t, domainoauth.KindChallenge, domainoauth.KindOf(err))
	})

	t.Run("blank code", func(t *testing.T) {
		f := newFixture(t, okTokens("a", "r"))
		_, err := f.manager.ExchangeCode(context.Background(), " ")
		require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
		require.Zero(t, f.calls.Load())
	})
}

func TestStoreExchanged(t *testing.T) {
	f := newFixture(t, okTokens("unused", "unused"))
	ctx := context.Background()

	created, err := f.manager.StoreExchanged(ctx, 7, &domainoauth.TokenResponse{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 60})
	require.NoError(t, err)
	require.Equal(t, 1, created.Version)
	require.Equal(t, baseTime.Add(time.Minute), created.ExpiresAt)

	updated, err := f.manager.StoreExchanged(ctx, 7, &domainoauth.TokenResponse{AccessToken: "a2"})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, "a2", updated.AccessToken)
	require.Equal(t, "r1", updated.RefreshToken)
	require.Equal(t, baseTime.Add(domainoauth.DefaultTokenLifetime), updated.ExpiresAt)

	rows, err := f.tokens.ListByUser(ctx, 7, domain.ProviderNationBuilder)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
