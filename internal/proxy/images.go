package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/hydrangea-dev/grok-gateway/internal/config"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/settings"
	"github.com/hydrangea-dev/grok-gateway/internal/transcode"
	"github.com/hydrangea-dev/grok-gateway/internal/upstream"
)

// AssetHandler serves /images/:encoded, the proxied asset surface the
// transcoder's rewritten URLs point at. Bytes come from upstream with the
// pool-independent gateway credential settings; an optional local file
// cache short-circuits repeat fetches.
type AssetHandler struct {
	settings *settings.Store
	client   *upstream.Client
	log      *logger.Logger
}

func NewAssetHandler(store *settings.Store, client *upstream.Client, log *logger.Logger) *AssetHandler {
	return &AssetHandler{settings: store, client: client, log: log.WithComponent("assets")}
}

// Serve handles GET /images/:encoded.
func (h *AssetHandler) Serve(c *gin.Context) {
	encoded := c.Param("encoded")
	raw, ok := transcode.DecodeAssetPath(encoded)
	if !ok {
		c.String(http.StatusBadRequest, "bad asset path")
		return
	}

	bundle, err := h.settings.Load(c.Request.Context())
	if err != nil {
		h.log.Error("failed to load settings", slog.String("error", err.Error()))
		c.String(http.StatusInternalServerError, "settings unavailable")
		return
	}

	if bundle.Cache.EnableImageCache {
		if path, ok := h.cachedPath(bundle.Cache, encoded); ok {
			c.File(path)
			return
		}
	}

	cfg := upstream.RequestConfig{
		BaseURL:     bundle.Grok.BaseURL,
		CfClearance: bundle.Grok.CfClearance,
		Proxy:       bundle.Grok.Proxy,
	}
	resp, err := h.client.FetchAsset(c.Request.Context(), cfg, config.AppConfig.GrokAssetsBase, raw)
	if err != nil {
		h.log.Warn("asset fetch failed", slog.String("error", err.Error()))
		c.String(http.StatusBadGateway, "asset unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.String(resp.StatusCode, "upstream asset error")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "public, max-age=86400")
	c.Status(http.StatusOK)

	var body io.Reader = resp.Body
	if bundle.Cache.EnableImageCache {
		if w, path, err := h.cacheWriter(bundle.Cache, encoded); err == nil {
			defer func() {
				w.Close()
				// A partial file must not poison later hits.
				if c.Request.Context().Err() != nil {
					os.Remove(path)
				}
			}()
			body = io.TeeReader(resp.Body, w)
		}
	}
	io.Copy(c.Writer, body)
}

// cacheKey keeps filenames short and filesystem-safe regardless of how long
// the encoded path is.
func cacheKey(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:])
}

func (h *AssetHandler) cachedPath(cache settings.CacheSettings, encoded string) (string, bool) {
	path := filepath.Join(cache.CacheDir, cacheKey(encoded))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return "", false
	}
	return path, true
}

func (h *AssetHandler) cacheWriter(cache settings.CacheSettings, encoded string) (io.WriteCloser, string, error) {
	if err := os.MkdirAll(cache.CacheDir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(cache.CacheDir, cacheKey(encoded))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
