package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/crowdpost/connect/internal/config"
	"github.com/crowdpost/connect/internal/http/handler"
	httpmiddleware "github.com/crowdpost/connect/internal/http/middleware"
	"github.com/crowdpost/connect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, connectHandler *handler.ConnectHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", connectHandler.Health)

	connectGroup := r.Group("/connect")
	{
		connectGroup.GET("/platforms", connectHandler.ListPlatforms)
		connectGroup.GET("/:platform/start", httpmiddleware.RequireUser(), connectHandler.Start)
		// The callback arrives from the platform redirect; the state token
		// identifies the user, not headers.
		connectGroup.GET("/:platform/callback", connectHandler.Callback)
	}

	connections := r.Group("/connections", httpmiddleware.RequireUser())
	{
		connections.GET("", connectHandler.ListConnections)
		connections.POST("/:id/token", connectHandler.Token)
		connections.POST("/:id/auth-failure", connectHandler.AuthFailure)
	}

	return r
}
