package transcode

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Collect consumes a complete upstream NDJSON body and builds one
// OpenAI-style completion object. Frame semantics match the streaming
// transcoder; the accumulated text passes through the same tag filter.
// Timeout budgets are the caller's concern (HTTP client deadline).
func Collect(body io.ReadCloser, opts Options) (*Completion, int) {
	defer body.Close()

	filter := NewTagFilter(opts.FilterTags)
	model := opts.Model
	status := 200
	finishReason := "stop"
	isImage := false
	isThinking := false
	thinkingFinished := false

	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

scan:
	for scanner.Scan() {
		f := ParseFrame(scanner.Bytes())
		if f == nil {
			continue
		}

		if f.Error != nil && f.Error.Message != "" {
			content.Reset()
			content.WriteString("Error: " + f.Error.Message)
			status = 500
			break
		}

		r := f.Response()
		if r == nil {
			continue
		}
		if r.UserResponse != nil && r.UserResponse.Model != "" {
			model = r.UserResponse.Model
		}
		if v := r.StreamingVideoGenerationResponse; v != nil {
			if v.VideoURL != "" {
				src := ImgProxyURL(opts.AssetBaseURL, opts.Origin, EncodeAssetPath(v.VideoURL))
				poster := ""
				if v.ThumbnailImageURL != "" {
					poster = ImgProxyURL(opts.AssetBaseURL, opts.Origin, EncodeAssetPath(v.ThumbnailImageURL))
				}
				content.WriteString(VideoHTML(src, poster, opts.VideoPosterPreview))
			}
			continue
		}
		if len(r.ImageAttachmentInfo) > 0 {
			isImage = true
		}
		if isImage {
			if r.ModelResponse != nil {
				if urls := NormalizeGeneratedAssetURLs(r.ModelResponse.GeneratedImageUrls); len(urls) > 0 {
					content.Reset()
					for i, u := range urls {
						if i > 0 {
							content.WriteString("\n")
						}
						proxied := ImgProxyURL(opts.AssetBaseURL, opts.Origin, EncodeAssetPath(u))
						fmt.Fprintf(&content, "![image](%s)", proxied)
					}
					break scan
				}
			}
			if tok, ok := r.TokenString(); ok && tok != "" {
				content.WriteString(tok)
			}
			continue
		}

		tok, ok := r.TokenString()
		if !ok || tok == "" {
			continue
		}
		filtered := filter.Filter(tok)
		if filtered == "" {
			continue
		}

		switch {
		case r.IsThinking && !opts.ShowThinking:
			continue
		case r.IsThinking && thinkingFinished:
			continue
		case r.IsThinking && !isThinking:
			filtered = "<think>\n" + filtered
		case !r.IsThinking && isThinking:
			if opts.ShowThinking {
				filtered = "\n</think>\n" + filtered
			}
			thinkingFinished = true
		}
		content.WriteString(filtered)
		isThinking = r.IsThinking
	}

	if err := scanner.Err(); err != nil {
		if isHTTP2StreamError(err) {
			// Transport reset mid-body: keep what arrived, report the
			// same status the streaming path uses.
			status = 502
		} else {
			content.Reset()
			content.WriteString("处理错误: " + err.Error())
			finishReason = "error"
			status = 500
		}
	}

	if pending := filter.Flush(); pending != "" {
		content.WriteString(pending)
	}

	return &Completion{
		ID:      "chatcmpl-" + opts.StreamID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content.String()},
			FinishReason: finishReason,
		}},
	}, status
}
