package proxy

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// gatewayModels is the fixed catalog the OpenAI surface advertises. The
// suffixed variants steer gateway behavior (search toggles web search,
// imagine selects image generation).
var gatewayModels = []string{
	"grok-4",
	"grok-4-mini",
	"grok-4-heavy",
	"grok-4-search",
	"grok-4-imagine",
	"grok-4-imagine-video",
}

// Models handles GET /v1/models.
func Models(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0, len(gatewayModels))
	for _, id := range gatewayModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "grok-gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
