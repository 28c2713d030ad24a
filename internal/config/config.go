package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

const (
	devSessionSecret   = "development-session-secret-change-me"
	devEncryptionKey   = "development-token-key-change-me"
	defaultNationScope = "default"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	DatabaseURL string
	AdminEmail  string

	NationSlug                string
	NationBuilderBaseURL      string
	NationBuilderClientID     string
	NationBuilderClientSecret string
	NationBuilderRedirectURI  string
	NationBuilderScopes       []string
	NationBuilderAPIRPS       float64

	SessionSecret       string
	SessionTTL          time.Duration
	TokenEncryptionKey  string
	TokenEncryptionSalt string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenRefreshBuffer   time.Duration
	TokenRetention       time.Duration
	TokenCleanupInterval time.Duration
	RefreshLockTTL       time.Duration
	ProviderTimeout      time.Duration
	ChallengeTTL         time.Duration

	TurnstileSecretKey string
	TurnstileSiteKey   string

	MigrateOnStart       bool
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AdminEmail:  strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))),

		NationSlug:                strings.TrimSpace(os.Getenv("NATIONBUILDER_NATION_SLUG")),
		NationBuilderBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("NATIONBUILDER_BASE_URL")), "/"),
		NationBuilderClientID:     strings.TrimSpace(os.Getenv("NATIONBUILDER_CLIENT_ID")),
		NationBuilderClientSecret: strings.TrimSpace(os.Getenv("NATIONBUILDER_CLIENT_SECRET")),
		NationBuilderRedirectURI:  strings.TrimSpace(os.Getenv("NATIONBUILDER_REDIRECT_URI")),
		NationBuilderScopes:       getList("NATIONBUILDER_SCOPES", []string{defaultNationScope}),
		NationBuilderAPIRPS:       getFloat("NATIONBUILDER_API_RPS", 10),

		SessionSecret:       os.Getenv("SESSION_SECRET"),
		SessionTTL:          getDuration("SESSION_TTL", 12*time.Hour),
		TokenEncryptionKey:  os.Getenv("TOKEN_ENCRYPTION_KEY"),
		TokenEncryptionSalt: getEnv("TOKEN_ENCRYPTION_SALT", "jupiter-token-encryption"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		TokenRefreshBuffer:   getDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute),
		TokenRetention:       getDuration("TOKEN_RETENTION", 90*24*time.Hour),
		TokenCleanupInterval: getDuration("TOKEN_CLEANUP_INTERVAL", 24*time.Hour),
		RefreshLockTTL:       getDuration("REFRESH_LOCK_TTL", 30*time.Second),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		ChallengeTTL:         getDuration("CHALLENGE_TTL", 15*time.Minute),

		TurnstileSecretKey: os.Getenv("TURNSTILE_SECRET_KEY"),
		TurnstileSiteKey:   os.Getenv("TURNSTILE_SITE_KEY"),

		MigrateOnStart:       getBool("MIGRATE_ON_START", true),
		ServiceName:          getEnv("SERVICE_NAME", "jupiter"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if cfg.NationBuilderBaseURL == "" && cfg.NationSlug != "" {
		cfg.NationBuilderBaseURL = fmt.Sprintf("https://%s.nationbuilder.com", cfg.NationSlug)
	}

	required := []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"ADMIN_EMAIL", cfg.AdminEmail},
		{"NATIONBUILDER_NATION_SLUG or NATIONBUILDER_BASE_URL", cfg.NationBuilderBaseURL},
		{"NATIONBUILDER_CLIENT_ID", cfg.NationBuilderClientID},
		{"NATIONBUILDER_CLIENT_SECRET", cfg.NationBuilderClientSecret},
		{"NATIONBUILDER_REDIRECT_URI", cfg.NationBuilderRedirectURI},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s is required", r.key)
		}
	}

	if cfg.IsDevelopment() {
		if cfg.SessionSecret == "" {
			cfg.SessionSecret = devSessionSecret
		}
		if cfg.TokenEncryptionKey == "" {
			cfg.TokenEncryptionKey = devEncryptionKey
		}
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required outside development")
	}
	if cfg.TokenEncryptionKey == "" {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required outside development")
	}

	if cfg.TokenRefreshBuffer < 0 {
		cfg.TokenRefreshBuffer = 5 * time.Minute
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 15 * time.Minute
	}

	return cfg, nil
}

// IsDevelopment reports whether APP_ENV selects development defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Provider returns the explicit NationBuilder client configuration.
func (c Config) Provider() domainoauth.ProviderConfig {
	return domainoauth.ProviderConfig{
		Name:         "nationbuilder",
		BaseURL:      c.NationBuilderBaseURL,
		ClientID:     c.NationBuilderClientID,
		ClientSecret: c.NationBuilderClientSecret,
		RedirectURI:  c.NationBuilderRedirectURI,
		Scopes:       c.NationBuilderScopes,
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
