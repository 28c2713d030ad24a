package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionCookie names the browser session cookie that binds the OAuth flow.
const SessionCookie = "jupiter_sid"

const browserSessionKey = "browserSession"

// BrowserSession makes sure every request carries a jupiter_sid cookie,
// minting one when absent.
func BrowserSession(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(SessionCookie)
		sid = strings.TrimSpace(sid)
		if err != nil || sid == "" {
			sid = uuid.NewString()
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     SessionCookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				Secure:   secure || c.Request.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}
		c.Set(browserSessionKey, sid)
		c.Next()
	}
}

// BrowserSessionID returns the jupiter_sid of the request.
func BrowserSessionID(c *gin.Context) string {
	if value, ok := c.Get(browserSessionKey); ok {
		if sid, ok := value.(string); ok {
			return sid
		}
	}
	sid, _ := c.Cookie(SessionCookie)
	return strings.TrimSpace(sid)
}
