package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/http/middleware"
	"github.com/ebrett/jupiter-sub001/internal/jwt"
	authsvc "github.com/ebrett/jupiter-sub001/internal/service/auth"
	"github.com/ebrett/jupiter-sub001/internal/workflow"
)

// respondError maps service errors onto the JSON error envelope.
func respondError(c *gin.Context, err error) {
	logger := zap.L().With(zap.String("request_id", middleware.RequestID(c)))

	var (
		challengeErr  *authsvc.ChallengeRequiredError
		validationErr *workflow.ValidationError
		transitionErr *workflow.InvalidTransitionError
		exchangeErr   *domainoauth.TokenExchangeError
	)
	switch {
	case errors.As(err, &challengeErr):
		ch := challengeErr.Challenge
		c.JSON(http.StatusAccepted, gin.H{
			"error":             "challenge_required",
			"error_description": "Complete the verification to continue signing in.",
			"challenge":         challengeView(ch),
		})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "error_description": validationErr.Message, "field": validationErr.Field})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "error_description": transitionErr.Error(), "status": string(transitionErr.Status)})
	case errors.Is(err, workflow.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "You are not allowed to perform this action."})
	case errors.Is(err, workflow.ErrFeatureDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "feature_disabled", "error_description": "This feature is not enabled for your account."})
	case errors.Is(err, workflow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Request not found."})
	case errors.Is(err, domainoauth.ErrChallengeExpired):
		c.JSON(http.StatusGone, gin.H{"error": "challenge_expired", "error_description": "The verification has expired. Please sign in again."})
	case errors.Is(err, domainoauth.ErrChallengeSessionMismatch):
		logger.Warn("challenge resumed from foreign session", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "challenge_session_mismatch", "error_description": "The verification belongs to another browser session."})
	case errors.Is(err, domainoauth.ErrChallengeVerification):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "challenge_verification_failed", "error_description": "Verification failed. Please try again."})
	case errors.Is(err, domainoauth.ErrInvalidState), errors.Is(err, domainoauth.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, jwt.ErrInvalidSession):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid session token."})
	case errors.As(err, &exchangeErr) && !exchangeErr.IsChallenge() && domainoauth.KindOf(err) == domainoauth.KindProviderError:
		logger.Warn("nationbuilder token exchange failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": exchangeErr.Code, "error_description": exchangeDescription(exchangeErr)})
	default:
		respondKind(c, logger, err)
	}
}

// respondKind maps the provider error kinds that survive from the token
// manager and the API client.
func respondKind(c *gin.Context, logger *zap.Logger, err error) {
	switch domainoauth.KindOf(err) {
	case domainoauth.KindReauthRequired, domainoauth.KindAuthenticationFailed:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reauthentication_required", "error_description": "Please sign in with NationBuilder again."})
	case domainoauth.KindChallenge:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cloudflare_challenge", "error_description": "NationBuilder is asking for a browser verification. Please sign in again."})
	case domainoauth.KindRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "error_description": "NationBuilder is rate limiting requests. Try again shortly."})
	case domainoauth.KindServiceUnavailable, domainoauth.KindServerError:
		logger.Warn("nationbuilder unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable", "error_description": "NationBuilder is temporarily unavailable."})
	case domainoauth.KindProviderError, domainoauth.KindClientError:
		logger.Warn("nationbuilder rejected request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_error", "error_description": "NationBuilder rejected the request."})
	default:
		logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func exchangeDescription(err *domainoauth.TokenExchangeError) string {
	switch err.Code {
	case "invalid_grant":
		return "The sign-in link has expired or was already used. Please sign in again."
	case "invalid_client":
		return "The NationBuilder application credentials are misconfigured."
	case "redirect_uri_mismatch":
		return "The NationBuilder redirect URI does not match this portal."
	}
	if err.Description != "" {
		return err.Description
	}
	return "NationBuilder rejected the sign-in."
}

func invalidRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": description})
}
