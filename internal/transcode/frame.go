package transcode

import (
	"bytes"
	"encoding/json"
)

// Frame is one upstream NDJSON line. Upstream frames are heterogeneous; every
// field is optional and unrecognized shapes decode to the zero value and are
// dropped by the transcoder.
type Frame struct {
	Error  *FrameError  `json:"error,omitempty"`
	Result *FrameResult `json:"result,omitempty"`
}

type FrameError struct {
	Message string `json:"message"`
}

type FrameResult struct {
	Response *FrameResponse `json:"response,omitempty"`
}

// FrameResponse is the nested envelope carrying the actual stream payload.
type FrameResponse struct {
	UserResponse *UserResponse `json:"userResponse,omitempty"`

	// Token is a text delta. Upstream occasionally sends arrays here; their
	// semantics are undocumented and they are ignored.
	Token json.RawMessage `json:"token,omitempty"`

	IsThinking bool   `json:"isThinking,omitempty"`
	MessageTag string `json:"messageTag,omitempty"`

	// ImageAttachmentInfo presence switches the stream into image mode.
	ImageAttachmentInfo json.RawMessage `json:"imageAttachmentInfo,omitempty"`

	ModelResponse *ModelResponse `json:"modelResponse,omitempty"`

	StreamingVideoGenerationResponse *VideoGeneration `json:"streamingVideoGenerationResponse,omitempty"`

	ToolUsageCardID  string            `json:"toolUsageCardId,omitempty"`
	WebSearchResults *WebSearchResults `json:"webSearchResults,omitempty"`
}

type UserResponse struct {
	Model string `json:"model"`
}

type ModelResponse struct {
	Model              string   `json:"model,omitempty"`
	Message            string   `json:"message,omitempty"`
	Error              string   `json:"error,omitempty"`
	GeneratedImageUrls []string `json:"generatedImageUrls,omitempty"`
}

type VideoGeneration struct {
	Progress          int    `json:"progress"`
	VideoURL          string `json:"videoUrl,omitempty"`
	ThumbnailImageURL string `json:"thumbnailImageUrl,omitempty"`
}

type WebSearchResults struct {
	Results []SearchResult `json:"results"`
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Preview string `json:"preview"`
}

// ParseFrame decodes one NDJSON line. Returns nil for lines that are not
// valid JSON objects; per the wire contract those are skipped, not fatal.
func ParseFrame(line []byte) *Frame {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil
	}
	return &f
}

// Response returns the nested response envelope, or nil.
func (f *Frame) Response() *FrameResponse {
	if f == nil || f.Result == nil {
		return nil
	}
	return f.Result.Response
}

// TokenString returns the token delta if it is a plain string. Array-valued
// tokens report ok=false and are ignored by callers.
func (r *FrameResponse) TokenString() (string, bool) {
	if r == nil || len(r.Token) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Token, &s); err != nil {
		return "", false
	}
	return s, true
}
