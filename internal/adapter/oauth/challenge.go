package oauth

import (
	"net/http"
	"regexp"
	"strings"

	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

var (
	turnstileSiteKeyPattern = regexp.MustCompile(`(?is)class\s*=\s*["'][^"']*cf-turnstile[^"']*["'][^>]*?data-sitekey\s*=\s*["']([^"']+)["']`)
	anySiteKeyPattern       = regexp.MustCompile(`(?is)data-sitekey\s*=\s*["']([^"']+)["']`)
)

var challengeStageMarkers = []string{
	"challenge-stage",
	"cf-challenge",
	"cf_chl_opt",
	"challenge-platform",
	"cf-browser-verification",
}

// DetectChallenge inspects a provider response for Cloudflare anti-bot
// markers. Explicit Turnstile markup wins over generic challenge markup,
// which wins over a 429 status, which wins over the legacy "Just a moment"
// interstitial text.
func DetectChallenge(status int, header http.Header, body []byte) (*domainoauth.Challenge, bool) {
	text := string(body)
	lower := strings.ToLower(text)
	retryAfter := ""
	if header != nil {
		retryAfter = strings.TrimSpace(header.Get("Retry-After"))
	}

	if strings.Contains(lower, "cf-turnstile") {
		return domainoauth.NewChallenge(domainoauth.ChallengeTurnstile, extractSiteKey(text), status, retryAfter, false), true
	}
	for _, marker := range challengeStageMarkers {
		if strings.Contains(lower, marker) {
			return domainoauth.NewChallenge(domainoauth.ChallengeBrowser, "", status, retryAfter, false), true
		}
	}
	if status == http.StatusTooManyRequests {
		return domainoauth.NewChallenge(domainoauth.ChallengeRateLimit, "", status, retryAfter, false), true
	}
	if strings.Contains(lower, "just a moment") {
		return domainoauth.NewChallenge(domainoauth.ChallengeBrowser, "", status, retryAfter, true), true
	}
	return nil, false
}

func extractSiteKey(body string) string {
	if m := turnstileSiteKeyPattern.FindStringSubmatch(body); len(m) == 2 {
		return m[1]
	}
	if m := anySiteKeyPattern.FindStringSubmatch(body); len(m) == 2 {
		return m[1]
	}
	return ""
}
