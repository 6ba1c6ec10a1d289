package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// ChatCompletionRequest is the OpenAI-compatible request surface. Message
// content is either a plain string or the multimodal part array; only text
// parts survive the flattening.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text extracts the message text, flattening multimodal part arrays.
func (m ChatMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" && p.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// BuildPrompt flattens the conversation into the single message field the
// upstream API accepts. The final user turn goes last, untagged; earlier
// turns keep role prefixes so context survives.
func BuildPrompt(messages []ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) == 1 {
		return messages[0].Text()
	}

	var b strings.Builder
	for _, m := range messages[:len(messages)-1] {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	last := messages[len(messages)-1]
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(last.Text())
	return b.String()
}

// grokPayload is the upstream conversation request body.
type grokPayload struct {
	Temporary             bool              `json:"temporary"`
	ModelName             string            `json:"modelName"`
	Message               string            `json:"message"`
	FileAttachments       []string          `json:"fileAttachments"`
	ImageAttachments      []string          `json:"imageAttachments"`
	DisableSearch         bool              `json:"disableSearch"`
	EnableImageGeneration bool              `json:"enableImageGeneration"`
	ImageGenerationCount  int               `json:"imageGenerationCount"`
	ToolOverrides         map[string]bool   `json:"toolOverrides"`
	CustomInstructions    string            `json:"customInstructions"`
	ModelMode             map[string]string `json:"modelMode,omitempty"`
}

// isImageModel reports whether a requested model targets image generation.
func isImageModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "imagine") || strings.Contains(m, "image")
}

// upstreamModelName strips gateway-side suffixes the upstream does not know.
func upstreamModelName(model string) string {
	m := strings.TrimSpace(model)
	for _, suffix := range []string{"-video", "-imagine", "-image", "-search", "-thinking"} {
		m = strings.TrimSuffix(m, suffix)
	}
	if m == "" {
		m = "grok-4"
	}
	return m
}

// requestOrigin reconstructs the external origin for proxied asset URLs,
// trusting the usual forwarding headers.
func requestOrigin(c *gin.Context) string {
	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + host
}
