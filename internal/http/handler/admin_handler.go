package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

// TokenAdmin is the token maintenance surface exposed to system administrators.
type TokenAdmin interface {
	Rotate(ctx context.Context, userID int64, newRefreshToken string) (domain.OAuthToken, error)
	CleanupRotatedTokens(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AdminHandler serves /api/admin.
type AdminHandler struct {
	Tokens    TokenAdmin
	Retention time.Duration
}

// NewAdminHandler creates the handler set.
func NewAdminHandler(tokens TokenAdmin, retention time.Duration) *AdminHandler {
	return &AdminHandler{Tokens: tokens, Retention: retention}
}

// RotateToken rotates a member's NationBuilder token.
func (h *AdminHandler) RotateToken(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		invalidRequest(c, "user_id must be numeric.")
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	tok, err := h.Tokens.Rotate(c.Request.Context(), userID, body.RefreshToken)
	if errors.Is(err, domainoauth.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token_not_found", "error_description": "The member has no active NationBuilder token."})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenView(tok))
}

// CleanupTokens deletes rotated tokens past the retention window.
func (h *AdminHandler) CleanupTokens(c *gin.Context) {
	retention := h.Retention
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			invalidRequest(c, "older_than must be a positive duration.")
			return
		}
		retention = d
	}
	deleted, err := h.Tokens.CleanupRotatedTokens(c.Request.Context(), retention)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "older_than": retention.String()})
}
