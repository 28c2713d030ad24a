package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/jwt"
)

const (
	currentUserKey    = "currentUser"
	currentSessionKey = "currentSession"
)

// Authenticator resolves a session bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*jwt.Session, domain.User, error)
}

// Auth validates the Authorization header and attaches the session user.
type Auth struct {
	Authenticator Authenticator
}

// RequireSession ensures the request carries a valid session token.
func (m *Auth) RequireSession(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	session, user, err := m.Authenticator.Authenticate(c.Request.Context(), strings.TrimSpace(parts[1]))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid session token."})
		return
	}
	c.Set(currentSessionKey, session)
	c.Set(currentUserKey, user)
	c.Next()
}

// RequireRole rejects users holding none of roles. It must run after RequireSession.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session required."})
			return
		}
		if !user.HasRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "You are not allowed to perform this action."})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user.
func CurrentUser(c *gin.Context) (domain.User, bool) {
	value, ok := c.Get(currentUserKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := value.(domain.User)
	return user, ok
}

// CurrentSession returns the verified session claims.
func CurrentSession(c *gin.Context) (*jwt.Session, bool) {
	value, ok := c.Get(currentSessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*jwt.Session)
	return session, ok
}
