package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the gin engine serving the appservice API.
func NewRouter(h *Handler, hsToken string, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	SetupRoutes(r, h, hsToken)
	return r
}

func SetupRoutes(r *gin.Engine, h *Handler, hsToken string) {
	// Health check (no auth required)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	appservice := r.Group("/_matrix/app/v1")
	appservice.Use(HSTokenMiddleware(hsToken))
	{
		appservice.PUT("/transactions/:txnId", h.PutTransaction)
		appservice.GET("/users/:userId", h.QueryUser)
		appservice.GET("/rooms/:alias", h.QueryAlias)
	}

	// unversioned paths used by older homeservers
	legacy := r.Group("")
	legacy.Use(HSTokenMiddleware(hsToken))
	{
		legacy.PUT("/transactions/:txnId", h.PutTransaction)
		legacy.GET("/users/:userId", h.QueryUser)
		legacy.GET("/rooms/:alias", h.QueryAlias)
	}
}
