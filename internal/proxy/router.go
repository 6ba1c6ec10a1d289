package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hydrangea-dev/grok-gateway/internal/auth"
	"github.com/hydrangea-dev/grok-gateway/internal/metrics"
	"github.com/hydrangea-dev/grok-gateway/internal/settings"
)

// RouterDeps collects the handlers the HTTP surface is assembled from.
type RouterDeps struct {
	Chat   *ChatHandler
	Admin  *AdminHandler
	Assets *AssetHandler
	Auth   *auth.Service

	// Settings holds the gateway API key the /v1 surface is guarded with.
	Settings *settings.Store
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	// Proxied asset URLs are embedded in completion bodies, so this route
	// carries no API key. The encoded path itself gates what can be fetched.
	router.GET("/images/:encoded", deps.Assets.Serve)

	v1 := router.Group("/v1")
	v1.Use(auth.RequireAPIKey(currentAPIKey(deps.Settings)))
	{
		v1.POST("/chat/completions", deps.Chat.ChatCompletions)
		v1.GET("/models", Models)
	}

	router.POST("/admin/login", deps.Admin.Login)

	admin := router.Group("/admin")
	admin.Use(deps.Auth.RequireAdmin())
	{
		admin.GET("/settings", deps.Admin.GetSettings)
		admin.PUT("/settings", deps.Admin.PutSettings)

		admin.GET("/stats", deps.Admin.Stats)
		admin.GET("/logs", deps.Admin.Logs)

		admin.GET("/tokens", deps.Admin.ListTokens)
		admin.PUT("/tokens", deps.Admin.PutToken)
		admin.DELETE("/tokens/:key_name", deps.Admin.DeleteToken)

		admin.POST("/tokens/refresh", deps.Admin.StartRefresh)
		admin.GET("/tokens/refresh/progress", deps.Admin.RefreshProgress)

		admin.GET("/tasks/:id/events", deps.Admin.TaskEvents)
		admin.POST("/tasks/:id/cancel", deps.Admin.CancelTask)
	}

	return router
}

// currentAPIKey reads the gateway API key from settings on every check so an
// admin update takes effect without a restart. An empty key leaves the /v1
// surface open.
func currentAPIKey(store *settings.Store) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bundle, err := store.Load(ctx)
		if err != nil {
			return ""
		}
		return bundle.Global.APIKey
	}
}
