package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://jupiter@localhost/jupiter")
	t.Setenv("ADMIN_EMAIL", " Admin@Example.org ")
	t.Setenv("NATIONBUILDER_NATION_SLUG", "testnation")
	t.Setenv("NATIONBUILDER_CLIENT_ID", "client")
	t.Setenv("NATIONBUILDER_CLIENT_SECRET", "secret")
	t.Setenv("NATIONBUILDER_REDIRECT_URI", "https://portal.test/auth/oauth/callback")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "admin@example.org", cfg.AdminEmail)
	require.Equal(t, "https://testnation.nationbuilder.com", cfg.NationBuilderBaseURL)
	require.Equal(t, 5*time.Minute, cfg.TokenRefreshBuffer)
	require.Equal(t, 90*24*time.Hour, cfg.TokenRetention)
	require.Equal(t, 15*time.Minute, cfg.ChallengeTTL)
	require.Equal(t, 30*time.Second, cfg.RefreshLockTTL)
	require.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	require.NotEmpty(t, cfg.SessionSecret)
	require.NotEmpty(t, cfg.TokenEncryptionKey)
	require.True(t, cfg.MigrateOnStart)

	provider := cfg.Provider()
	require.Equal(t, "https://testnation.nationbuilder.com/oauth/token", provider.TokenURL())
	require.Equal(t, []string{"default"}, provider.Scopes)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("NATIONBUILDER_BASE_URL", "https://nb.internal/")
	t.Setenv("TOKEN_REFRESH_BUFFER", "10m")
	t.Setenv("CHALLENGE_TTL", "5m")
	t.Setenv("MIGRATE_ON_START", "off")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("OTEL_TRACES_SAMPLER_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://nb.internal", cfg.NationBuilderBaseURL)
	require.Equal(t, 10*time.Minute, cfg.TokenRefreshBuffer)
	require.Equal(t, 5*time.Minute, cfg.ChallengeTTL)
	require.False(t, cfg.MigrateOnStart)
	require.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 0.25, cfg.TelemetrySampleRatio)
}

func TestLoadRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("NATIONBUILDER_CLIENT_SECRET", "")
	_, err := Load()
	require.ErrorContains(t, err, "NATIONBUILDER_CLIENT_SECRET")
}

func TestLoadSecretsOutsideDevelopment(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("SESSION_SECRET", "")
	_, err := Load()
	require.ErrorContains(t, err, "SESSION_SECRET")

	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "")
	_, err = Load()
	require.ErrorContains(t, err, "TOKEN_ENCRYPTION_KEY")
}
