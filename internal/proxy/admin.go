package proxy

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hydrangea-dev/grok-gateway/internal/auth"
	"github.com/hydrangea-dev/grok-gateway/internal/batch"
	"github.com/hydrangea-dev/grok-gateway/internal/config"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/settings"
	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
	"github.com/hydrangea-dev/grok-gateway/internal/tokenpool"
	"github.com/hydrangea-dev/grok-gateway/internal/tracking"
	"github.com/hydrangea-dev/grok-gateway/internal/upstream"
)

// AdminHandler serves the management surface: settings, token pool, stats,
// and the token refresh batch.
type AdminHandler struct {
	auth      *auth.Service
	settings  *settings.Store
	tracking  *tracking.Service
	tokens    *pg.TokenStore
	progress  *pg.ProgressStore
	registry  *batch.Registry
	refresher *tokenpool.Refresher

	// bridge is nil in single-instance deployments.
	bridge *batch.DistributedCancelService

	log *logger.Logger
}

func NewAdminHandler(
	authSvc *auth.Service,
	store *settings.Store,
	trackingSvc *tracking.Service,
	tokens *pg.TokenStore,
	progress *pg.ProgressStore,
	registry *batch.Registry,
	refresher *tokenpool.Refresher,
	bridge *batch.DistributedCancelService,
	log *logger.Logger,
) *AdminHandler {
	return &AdminHandler{
		auth:      authSvc,
		settings:  store,
		tracking:  trackingSvc,
		tokens:    tokens,
		progress:  progress,
		registry:  registry,
		refresher: refresher,
		bridge:    bridge,
		log:       log.WithComponent("admin"),
	}
}

// Login exchanges admin credentials for a JWT.
func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cfg := config.AppConfig
	if cfg.AdminPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login disabled"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.auth.IssueToken(req.Username)
	if err != nil {
		h.log.Error("failed to issue admin token", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AdminHandler) GetSettings(c *gin.Context) {
	bundle, err := h.settings.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (h *AdminHandler) PutSettings(c *gin.Context) {
	// Merge the submitted bundle over current values so partial updates
	// do not zero untouched sections.
	bundle, err := h.settings.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := c.ShouldBindJSON(bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings body"})
		return
	}
	if err := h.settings.Save(c.Request.Context(), bundle); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.settings.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.tracking.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *AdminHandler) Logs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.tracking.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (h *AdminHandler) ListTokens(c *gin.Context) {
	tokens, err := h.tokens.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Tokens leave the server masked; only suffixes are shown.
	out := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gin.H{
			"key_name":     t.KeyName,
			"token_suffix": tokenpool.Suffix(t.Token),
			"tier":         t.Tier,
			"disabled":     t.Disabled,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

func (h *AdminHandler) PutToken(c *gin.Context) {
	var req struct {
		KeyName  string `json:"key_name"`
		Token    string `json:"token"`
		Tier     string `json:"tier"`
		Disabled bool   `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.KeyName == "" || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key_name and token are required"})
		return
	}
	err := h.tokens.Upsert(c.Request.Context(), pg.PoolToken{
		KeyName:  req.KeyName,
		Token:    req.Token,
		Tier:     req.Tier,
		Disabled: req.Disabled,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *AdminHandler) DeleteToken(c *gin.Context) {
	err := h.tokens.Delete(c.Request.Context(), c.Param("key_name"))
	if errors.Is(err, pg.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartRefresh launches the token refresh batch task.
func (h *AdminHandler) StartRefresh(c *gin.Context) {
	bundle, err := h.settings.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cfg := upstream.RequestConfig{
		BaseURL:     bundle.Grok.BaseURL,
		CfClearance: bundle.Grok.CfClearance,
		Proxy:       bundle.Grok.Proxy,
	}
	concurrency := bundle.Token.RefreshConcurrency
	if concurrency <= 0 {
		concurrency = config.AppConfig.RefreshConcurrency
	}

	task, err := h.refresher.Start(c.Request.Context(), cfg, concurrency)
	if errors.Is(err, tokenpool.ErrRefreshRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID()})
}

// RefreshProgress returns the durable refresh snapshot.
func (h *AdminHandler) RefreshProgress(c *gin.Context) {
	progress, err := h.progress.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":    progress.Running,
		"current":    progress.Current,
		"total":      progress.Total,
		"success":    progress.Success,
		"failed":     progress.Failed,
		"updated_at": progress.UpdatedAt,
	})
}

// TaskEvents attaches an SSE subscriber to a batch task.
func (h *AdminHandler) TaskEvents(c *gin.Context) {
	task, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	batch.ServeSSE(c, task)
}

// CancelTask cancels a task locally, falling back to the cluster bridge
// when this instance does not own it.
func (h *AdminHandler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if h.registry.Cancel(id) {
		c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
		return
	}
	if h.bridge != nil {
		resp, err := h.bridge.RequestCancel(c.Request.Context(), id, "admin request")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if resp.Found {
			c.JSON(http.StatusOK, gin.H{"status": "cancelling", "instance_id": resp.InstanceID})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
}
