package settings

import "strings"

// Section keys as persisted in the settings table.
const (
	KeyGlobal      = "global"
	KeyGrok        = "grok"
	KeyToken       = "token"
	KeyCache       = "cache"
	KeyPerformance = "performance"
	KeyRegister    = "register"
)

// SectionKeys lists all six persisted sections in canonical order.
var SectionKeys = []string{KeyGlobal, KeyGrok, KeyToken, KeyCache, KeyPerformance, KeyRegister}

// Image generation methods after normalization.
const (
	ImageGenLegacy    = "legacy"
	ImageGenImagineWS = "imagine_ws_experimental"

	cfClearancePrefix = "cf_clearance="
)

// GlobalSettings controls the client-facing behavior of the gateway.
type GlobalSettings struct {
	// APIKey protects the OpenAI-compatible surface; empty disables auth.
	APIKey string `json:"api_key"`

	// BaseURL overrides the request origin when building proxied asset URLs.
	BaseURL string `json:"base_url"`

	ShowThinking       bool     `json:"show_thinking"`
	FilterTags         []string `json:"filter_tags"`
	VideoPosterPreview bool     `json:"video_poster_preview"`
}

// GrokSettings configures the upstream connection.
type GrokSettings struct {
	BaseURL string `json:"base_url"`

	// CfClearance is stored without the "cf_clearance=" cookie prefix and
	// exposed with it, ready to join a Cookie header.
	CfClearance string `json:"cf_clearance"`

	Proxy            string `json:"proxy"`
	TempConversation bool   `json:"temp_conversation"`

	// ImageGenerationMethod is normalized to "legacy" or
	// "imagine_ws_experimental" on both read and write.
	ImageGenerationMethod string `json:"image_generation_method"`
}

// TokenSettings configures pool token refresh.
type TokenSettings struct {
	AutoRefresh          bool `json:"auto_refresh"`
	RefreshIntervalHours int  `json:"refresh_interval_hours"`
	RefreshConcurrency   int  `json:"refresh_concurrency"`
}

// CacheSettings configures local asset caching.
type CacheSettings struct {
	EnableImageCache bool   `json:"enable_image_cache"`
	CacheDir         string `json:"cache_dir"`
	MaxCacheSizeMB   int    `json:"max_cache_size_mb"`
}

// PerformanceSettings carries the streaming timeout budgets in seconds.
// Zero values for total and idle disable the respective budget.
type PerformanceSettings struct {
	FirstResponseTimeoutSeconds int `json:"first_response_timeout_seconds"`
	ChunkTimeoutSeconds         int `json:"chunk_timeout_seconds"`
	TotalTimeoutSeconds         int `json:"total_timeout_seconds"`
	IdleTimeoutSeconds          int `json:"idle_timeout_seconds"`
	VideoIdleTimeoutSeconds     int `json:"video_idle_timeout_seconds"`
}

// RegisterSettings configures upstream account registration.
type RegisterSettings struct {
	Enabled     bool   `json:"enabled"`
	EmailDomain string `json:"email_domain"`
	MaxPerDay   int    `json:"max_per_day"`
}

// Settings is the full six-section bundle.
type Settings struct {
	Global      GlobalSettings      `json:"global"`
	Grok        GrokSettings        `json:"grok"`
	Token       TokenSettings       `json:"token"`
	Cache       CacheSettings       `json:"cache"`
	Performance PerformanceSettings `json:"performance"`
	Register    RegisterSettings    `json:"register"`
}

// Defaults returns the bundle used when nothing is stored. Stored sections
// are JSON-merged over these, so adding a field here gives every existing
// deployment a value.
func Defaults() Settings {
	return Settings{
		Global: GlobalSettings{
			ShowThinking: true,
			FilterTags:   []string{"xaiartifact", "xai:tool_usage_card", "grok:render"},
		},
		Grok: GrokSettings{
			BaseURL:               "https://grok.com",
			ImageGenerationMethod: ImageGenLegacy,
		},
		Token: TokenSettings{
			AutoRefresh:          false,
			RefreshIntervalHours: 24,
			RefreshConcurrency:   5,
		},
		Cache: CacheSettings{
			EnableImageCache: false,
			CacheDir:         "./cache",
			MaxCacheSizeMB:   1024,
		},
		Performance: PerformanceSettings{
			FirstResponseTimeoutSeconds: 30,
			ChunkTimeoutSeconds:         120,
			TotalTimeoutSeconds:         0,
			IdleTimeoutSeconds:          0,
			VideoIdleTimeoutSeconds:     300,
		},
		Register: RegisterSettings{
			Enabled:   false,
			MaxPerDay: 10,
		},
	}
}

// imageGenAliases maps accepted spellings to canonical methods. Lookup is
// case-insensitive; anything unknown falls back to legacy.
var imageGenAliases = map[string]string{
	"":                        ImageGenLegacy,
	"legacy":                  ImageGenLegacy,
	"default":                 ImageGenLegacy,
	"old":                     ImageGenLegacy,
	"imagine_ws_experimental": ImageGenImagineWS,
	"imagine_ws":              ImageGenImagineWS,
	"imagine-ws":              ImageGenImagineWS,
	"websocket":               ImageGenImagineWS,
	"ws":                      ImageGenImagineWS,
	"experimental":            ImageGenImagineWS,
}

// NormalizeImageGenerationMethod canonicalizes a user-supplied method name.
func NormalizeImageGenerationMethod(raw string) string {
	if canonical, ok := imageGenAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return canonical
	}
	return ImageGenLegacy
}

// ExposedCfClearance returns the stored value re-prefixed for Cookie use.
func ExposedCfClearance(stored string) string {
	if stored == "" {
		return ""
	}
	return cfClearancePrefix + stored
}

// StripCfClearance removes the cookie prefix however the value arrived.
func StripCfClearance(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), cfClearancePrefix)
}

// normalize applies the read-path canonicalization in place.
func (s *Settings) normalize() {
	s.Grok.ImageGenerationMethod = NormalizeImageGenerationMethod(s.Grok.ImageGenerationMethod)
	s.Grok.CfClearance = ExposedCfClearance(StripCfClearance(s.Grok.CfClearance))
}
