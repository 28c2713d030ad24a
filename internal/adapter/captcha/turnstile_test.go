package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newVerifier(endpoint string) *TurnstileVerifier {
	v := NewTurnstileVerifier("test-secret")
	v.Endpoint = endpoint
	return v
}

func TestTurnstileVerifier_Verify(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			require.Equal(t, "test-secret", r.PostForm.Get("secret"))
			require.Equal(t, "token", r.PostForm.Get("response"))
			require.Equal(t, "127.0.0.1", r.PostForm.Get("remoteip"))
			_, _ = w.Write([]byte(`{"success":true}`))
		}))
		defer srv.Close()

		require.NoError(t, newVerifier(srv.URL).Verify(context.Background(), "token", "127.0.0.1"))
	})

	t.Run("rejected token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		}))
		defer srv.Close()

		err := newVerifier(srv.URL).Verify(context.Background(), "bad", "")
		require.ErrorContains(t, err, "invalid-input-response")
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		require.Error(t, newVerifier(srv.URL).Verify(context.Background(), "token", ""))
	})

	t.Run("malformed json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()
		require.Error(t, newVerifier(srv.URL).Verify(context.Background(), "token", ""))
	})

	t.Run("empty token never leaves the process", func(t *testing.T) {
		require.ErrorContains(t, newVerifier("http://127.0.0.1:1").Verify(context.Background(), " ", ""), "missing token")
	})
}
