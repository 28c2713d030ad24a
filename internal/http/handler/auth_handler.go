package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/http/middleware"
	authsvc "github.com/ebrett/jupiter-sub001/internal/service/auth"
)

// SignInService is the sign-in flow the handlers drive.
type SignInService interface {
	StartAuthorization(ctx context.Context, sessionID string) (*authsvc.StartAuthorizationOutput, error)
	HandleCallback(ctx context.Context, in authsvc.CallbackInput) (*authsvc.SignInResult, error)
	GetChallenge(ctx context.Context, id, sessionID string) (*domainoauth.CloudflareChallenge, error)
	ResumeAfterChallenge(ctx context.Context, in authsvc.ResumeInput) (*authsvc.SignInResult, error)
}

// ProfileSource loads the signed-in member's NationBuilder profile.
type ProfileSource interface {
	Me(ctx context.Context, userID int64) (*domainoauth.Profile, error)
}

// AuthHandler serves the NationBuilder sign-in endpoints.
type AuthHandler struct {
	SignIn   SignInService
	Profiles ProfileSource
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(signIn SignInService, profiles ProfileSource) *AuthHandler {
	return &AuthHandler{SignIn: signIn, Profiles: profiles}
}

// OAuthStart returns the NationBuilder authorization URL bound to the browser session.
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	output, err := h.SignIn.StartAuthorization(c.Request.Context(), middleware.BrowserSessionID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("redirect") == "1" {
		c.Redirect(http.StatusFound, output.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": output.AuthorizationURL,
		"state":             output.State,
	})
}

// OAuthCallback completes sign-in, or answers 202 with a challenge to resolve.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": providerErr, "error_description": c.Query("error_description")})
		return
	}
	input := authsvc.CallbackInput{
		Code:      c.Query("code"),
		State:     c.Query("state"),
		SessionID: middleware.BrowserSessionID(c),
		Extra:     map[string]string{},
	}
	if strings.TrimSpace(input.Code) == "" || strings.TrimSpace(input.State) == "" {
		invalidRequest(c, "code and state are required.")
		return
	}
	for key, values := range c.Request.URL.Query() {
		if key == "code" || key == "state" || len(values) == 0 {
			continue
		}
		input.Extra[key] = values[0]
	}

	result, err := h.SignIn.HandleCallback(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	respondSignIn(c, result)
}

// GetChallenge returns a pending challenge to the browser that created it.
func (h *AuthHandler) GetChallenge(c *gin.Context) {
	ch, err := h.SignIn.GetChallenge(c.Request.Context(), c.Param("id"), middleware.BrowserSessionID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, challengeView(*ch))
}

// CompleteChallenge resumes the sign-in after the challenge was solved.
func (h *AuthHandler) CompleteChallenge(c *gin.Context) {
	var req struct {
		TurnstileToken string `json:"turnstile_token" form:"cf-turnstile-response"`
	}
	if err := c.ShouldBind(&req); err != nil {
		invalidRequest(c, "Invalid challenge completion.")
		return
	}
	result, err := h.SignIn.ResumeAfterChallenge(c.Request.Context(), authsvc.ResumeInput{
		ChallengeID:    c.Param("id"),
		SessionID:      middleware.BrowserSessionID(c),
		TurnstileToken: req.TurnstileToken,
		RemoteIP:       c.ClientIP(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondSignIn(c, result)
}

func respondSignIn(c *gin.Context, result *authsvc.SignInResult) {
	c.JSON(http.StatusOK, gin.H{
		"access_token": result.SessionToken,
		"token_type":   "Bearer",
		"expires_at":   result.ExpiresAt,
		"user":         userView(result.User),
	})
}

// Me returns the session user.
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session required."})
		return
	}
	c.JSON(http.StatusOK, userView(user))
}

// NationBuilderProfile fetches people/me with the member's stored token.
func (h *AuthHandler) NationBuilderProfile(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session required."})
		return
	}
	profile, err := h.Profiles.Me(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         profile.ID,
		"email":      profile.Email,
		"first_name": profile.FirstName,
		"last_name":  profile.LastName,
	})
}
