package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/config"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/http/handler"
	httpmiddleware "github.com/ebrett/jupiter-sub001/internal/http/middleware"
	"github.com/ebrett/jupiter-sub001/internal/middleware"
)

// Handlers groups the handler sets mounted by NewRouter.
type Handlers struct {
	Auth     *handler.AuthHandler
	Requests *handler.RequestHandler
	Admin    *handler.AdminHandler
}

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, h Handlers, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	oauth := r.Group("/auth/oauth", httpmiddleware.BrowserSession(!cfg.IsDevelopment()))
	{
		oauth.GET("/start", h.Auth.OAuthStart)
		oauth.GET("/callback", h.Auth.OAuthCallback)
		oauth.GET("/challenges/:id", h.Auth.GetChallenge)
		oauth.POST("/challenges/:id/complete", h.Auth.CompleteChallenge)
	}

	api := r.Group("/api", authMiddleware.RequireSession)
	{
		api.GET("/me", h.Auth.Me)
		api.GET("/me/nationbuilder", h.Auth.NationBuilderProfile)

		requests := api.Group("/requests")
		{
			requests.POST("", h.Requests.Create)
			requests.GET("", h.Requests.List)
			requests.POST("/bulk_approve", h.Requests.BulkApprove)
			requests.GET("/:id", h.Requests.Show)
			requests.POST("/:id/submit", h.Requests.Submit)
			requests.POST("/:id/approve", h.Requests.Approve)
			requests.POST("/:id/reject", h.Requests.Reject)
			requests.POST("/:id/request_info", h.Requests.RequestInfo)
			requests.POST("/:id/mark_paid", h.Requests.MarkPaid)
		}

		admin := api.Group("/admin", httpmiddleware.RequireRole(domain.RoleSystemAdministrator))
		{
			admin.POST("/tokens/:user_id/rotate", h.Admin.RotateToken)
			admin.POST("/tokens/cleanup", h.Admin.CleanupTokens)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Route not found."})
	})

	return r
}
