package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hydrangea-dev/grok-gateway/internal/config"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/metrics"
	"github.com/hydrangea-dev/grok-gateway/internal/settings"
	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
	"github.com/hydrangea-dev/grok-gateway/internal/tokenpool"
	"github.com/hydrangea-dev/grok-gateway/internal/tracking"
	"github.com/hydrangea-dev/grok-gateway/internal/transcode"
	"github.com/hydrangea-dev/grok-gateway/internal/upstream"
)

// ChatHandler serves the OpenAI-compatible completion surface.
type ChatHandler struct {
	settings *settings.Store
	pool     *tokenpool.Pool
	client   *upstream.Client
	tracking *tracking.Service
	log      *logger.Logger
}

func NewChatHandler(store *settings.Store, pool *tokenpool.Pool, client *upstream.Client, trackingSvc *tracking.Service, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		settings: store,
		pool:     pool,
		client:   client,
		tracking: trackingSvc,
		log:      log.WithComponent("chat"),
	}
}

// ChatCompletions handles POST /v1/chat/completions, streaming and not.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openaiError("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, openaiError("messages must not be empty", "invalid_request_error"))
		return
	}

	bundle, err := h.settings.Load(c.Request.Context())
	if err != nil {
		h.log.Error("failed to load settings", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, openaiError("settings unavailable", "server_error"))
		return
	}

	token, err := h.pool.Pick(c.Request.Context(), req.Model)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, openaiError("no upstream credential available", "server_error"))
		return
	}

	cfg := upstream.RequestConfig{
		BaseURL:     bundle.Grok.BaseURL,
		Token:       token.Token,
		CfClearance: bundle.Grok.CfClearance,
		Proxy:       bundle.Grok.Proxy,
	}

	body, err := h.openUpstream(c.Request.Context(), cfg, bundle, req)
	if err != nil {
		h.logRequest(c, req.Model, token, 0, http.StatusBadGateway, err.Error())
		c.JSON(http.StatusBadGateway, openaiError("upstream request failed", "server_error"))
		return
	}

	opts := h.transcodeOptions(c, bundle, req)
	if req.Stream {
		h.serveStream(c, body, opts, req.Model, token)
		return
	}
	h.serveJSON(c, body, opts, req.Model, token)
}

// openUpstream picks the transport by model and configured method: the
// imagine websocket for experimental image generation, plain HTTP NDJSON
// otherwise.
func (h *ChatHandler) openUpstream(ctx context.Context, cfg upstream.RequestConfig, bundle *settings.Settings, req ChatCompletionRequest) (io.ReadCloser, error) {
	prompt := BuildPrompt(req.Messages)
	imageMode := isImageModel(req.Model)

	if imageMode && bundle.Grok.ImageGenerationMethod == settings.ImageGenImagineWS {
		wsURL := config.AppConfig.GrokImagineWS
		if wsURL == "" {
			wsURL = upstream.ImagineWSURL(bundle.Grok.BaseURL)
		}
		return h.client.OpenImagineStream(ctx, cfg, wsURL, map[string]interface{}{
			"prompt": prompt,
			"model":  upstreamModelName(req.Model),
		})
	}

	payload := grokPayload{
		Temporary:             bundle.Grok.TempConversation,
		ModelName:             upstreamModelName(req.Model),
		Message:               prompt,
		FileAttachments:       []string{},
		ImageAttachments:      []string{},
		EnableImageGeneration: imageMode,
		ImageGenerationCount:  2,
		ToolOverrides:         map[string]bool{},
	}
	if strings.Contains(strings.ToLower(req.Model), "search") {
		payload.ToolOverrides["webSearch"] = true
	}
	return h.client.OpenConversationStream(ctx, cfg, payload)
}

func (h *ChatHandler) transcodeOptions(c *gin.Context, bundle *settings.Settings, req ChatCompletionRequest) transcode.Options {
	perf := bundle.Performance
	return transcode.Options{
		StreamID:             uuid.NewString(),
		Model:                req.Model,
		FilterTags:           bundle.Global.FilterTags,
		ShowThinking:         bundle.Global.ShowThinking,
		FirstResponseTimeout: time.Duration(perf.FirstResponseTimeoutSeconds) * time.Second,
		ChunkTimeout:         time.Duration(perf.ChunkTimeoutSeconds) * time.Second,
		TotalTimeout:         time.Duration(perf.TotalTimeoutSeconds) * time.Second,
		IdleTimeout:          time.Duration(perf.IdleTimeoutSeconds) * time.Second,
		VideoIdleTimeout:     time.Duration(perf.VideoIdleTimeoutSeconds) * time.Second,
		VideoPosterPreview:   bundle.Global.VideoPosterPreview,
		AssetBaseURL:         bundle.Global.BaseURL,
		Origin:               requestOrigin(c),
		Logger:               h.log,
	}
}

func (h *ChatHandler) serveStream(c *gin.Context, body io.ReadCloser, opts transcode.Options, model string, token *pg.PoolToken) {
	metrics.StreamStarted()
	opts.OnFinish = func(info transcode.FinishInfo) {
		metrics.StreamEnded()
		metrics.ObserveRequest(model, info.Status, info.Duration)
		h.logRequest(c, model, token, info.Duration, info.Status, "")
	}

	reader := transcode.Transcode(body, opts)
	defer reader.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *ChatHandler) serveJSON(c *gin.Context, body io.ReadCloser, opts transcode.Options, model string, token *pg.PoolToken) {
	start := time.Now()
	completion, status := transcode.Collect(body, opts)

	metrics.ObserveRequest(model, status, time.Since(start))
	h.logRequest(c, model, token, time.Since(start), status, "")

	c.JSON(status, completion)
}

func (h *ChatHandler) logRequest(c *gin.Context, model string, token *pg.PoolToken, duration time.Duration, status int, errMsg string) {
	info := tracking.RequestInfo{
		IP:       c.ClientIP(),
		Model:    model,
		Duration: duration,
		Status:   status,
		Error:    errMsg,
	}
	if token != nil {
		info.KeyName = token.KeyName
		info.TokenSuffix = tokenpool.Suffix(token.Token)
	}
	if err := h.tracking.LogAsync(info); err != nil {
		metrics.TrackingEntryDropped()
	}
}

func openaiError(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}
