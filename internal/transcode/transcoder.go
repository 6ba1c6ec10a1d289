package transcode

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

const (
	defaultFirstResponseTimeout = 30 * time.Second
	defaultChunkTimeout         = 120 * time.Second

	// Scanner sizing for upstream NDJSON lines. Image frames carry inline
	// metadata and can get large.
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// Options configures one transcoding run. One Options value per stream.
type Options struct {
	// StreamID is the base for the SSE chunk id ("chatcmpl-<id>").
	StreamID string

	// Model is the display model until upstream reports an authoritative one.
	Model string

	FilterTags   []string
	ShowThinking bool

	// Timeout budgets. FirstResponse and Chunk fall back to defaults when
	// zero; Total, Idle and VideoIdle are disabled when zero.
	FirstResponseTimeout time.Duration
	ChunkTimeout         time.Duration
	TotalTimeout         time.Duration
	IdleTimeout          time.Duration
	VideoIdleTimeout     time.Duration

	VideoPosterPreview bool

	// AssetBaseURL wins over Origin when rewriting asset URLs.
	AssetBaseURL string
	Origin       string

	// OnFinish is invoked exactly once on every terminal path.
	OnFinish func(FinishInfo)

	Logger *logger.Logger
}

// FinishInfo reports how a stream ended.
type FinishInfo struct {
	Status   int
	Duration time.Duration
}

type lineResult struct {
	line []byte
	err  error
}

// streamState is the per-stream mode tracked across frames.
type streamState struct {
	model            string
	isImage          bool
	isVideo          bool
	isThinking       bool
	thinkingFinished bool

	videoProgressStarted bool
	lastVideoProgress    int

	sentRole bool
	closed   bool
	status   int
}

// Transcode converts an upstream NDJSON body into an OpenAI SSE byte stream.
// The returned reader yields "data: <json>\n\n" records ending with exactly
// one finish_reason chunk and one [DONE] sentinel, however the stream
// terminates. The upstream body is always closed.
func Transcode(body io.ReadCloser, opts Options) io.ReadCloser {
	if opts.FirstResponseTimeout <= 0 {
		opts.FirstResponseTimeout = defaultFirstResponseTimeout
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = defaultChunkTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(logger.Config{Level: slog.LevelError})
	}

	pr, pw := io.Pipe()
	t := &transcoder{
		opts:   opts,
		sw:     &sseWriter{w: pw},
		pw:     pw,
		filter: NewTagFilter(opts.FilterTags),
		log:    opts.Logger.WithComponent("transcoder"),
		state:  streamState{model: opts.Model, status: 200},
		start:  time.Now(),
	}
	go t.run(body)
	return pr
}

type transcoder struct {
	opts   Options
	sw     *sseWriter
	pw     *io.PipeWriter
	filter *TagFilter
	log    *logger.Logger

	state streamState
	start time.Time

	finishOnce sync.Once
}

func (t *transcoder) run(body io.ReadCloser) {
	defer body.Close()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("panic in transcoder loop", slog.Any("panic", r))
			t.emitProcessingError(fmt.Sprintf("%v", r))
		}
		t.finish()
	}()

	done := make(chan struct{})
	defer close(done)

	lines := make(chan lineResult, 16)
	go readLines(body, lines, done)

	lastChunk := t.start
	firstReceived := false

	for {
		now := time.Now()

		// Deadlines, checked in order; the first that fires wins.
		if !firstReceived && now.Sub(t.start) > t.opts.FirstResponseTimeout {
			t.log.Warn("first response timeout", slog.Duration("budget", t.opts.FirstResponseTimeout))
			t.flushStop()
			return
		}
		if t.opts.TotalTimeout > 0 && now.Sub(t.start) > t.opts.TotalTimeout {
			t.log.Warn("total timeout", slog.Duration("budget", t.opts.TotalTimeout))
			t.flushStop()
			return
		}
		effIdle := t.opts.IdleTimeout
		if t.state.isVideo && t.opts.VideoIdleTimeout > 0 {
			effIdle = t.opts.VideoIdleTimeout
		}
		if firstReceived && effIdle > 0 && now.Sub(lastChunk) > effIdle {
			// Idle is a clean stop with the status reached so far.
			t.log.Warn("idle timeout", slog.Duration("budget", effIdle), slog.Bool("video", t.state.isVideo))
			t.flushStop()
			return
		}
		if firstReceived && now.Sub(lastChunk) > t.opts.ChunkTimeout {
			t.log.Warn("chunk timeout", slog.Duration("budget", t.opts.ChunkTimeout))
			t.flushStop()
			return
		}

		wait := t.readTimeout(now, lastChunk, firstReceived, effIdle)

		timer := time.NewTimer(wait)
		select {
		case res, ok := <-lines:
			timer.Stop()
			if !ok {
				// Upstream EOF.
				t.flushStop()
				return
			}
			if res.err != nil {
				t.handleReadError(res.err)
				return
			}

			frame := ParseFrame(res.line)
			if frame == nil {
				continue // unparseable line, skipped by contract
			}

			firstReceived = true
			lastChunk = time.Now()

			t.handleFrame(frame)
			if t.state.closed {
				return
			}

		case <-timer.C:
			// Loop back; the deadline checks decide which budget fired.
		}
	}
}

// readTimeout computes how long one read may block: the remaining per-read
// budget (first-response before the first frame, chunk after), further capped
// by the remaining total and idle budgets so their deadlines are observed
// promptly.
func (t *transcoder) readTimeout(now, lastChunk time.Time, firstReceived bool, effIdle time.Duration) time.Duration {
	budget := t.opts.FirstResponseTimeout - now.Sub(t.start)
	if firstReceived {
		budget = t.opts.ChunkTimeout - now.Sub(lastChunk)
	}
	if t.opts.TotalTimeout > 0 {
		if remaining := t.opts.TotalTimeout - now.Sub(t.start); remaining < budget {
			budget = remaining
		}
	}
	if firstReceived && effIdle > 0 {
		if remaining := effIdle - now.Sub(lastChunk); remaining < budget {
			budget = remaining
		}
	}
	if budget < 10*time.Millisecond {
		budget = 10 * time.Millisecond
	}
	return budget
}

func readLines(body io.Reader, lines chan<- lineResult, done <-chan struct{}) {
	defer close(lines)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		b := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- lineResult{line: b}:
		case <-done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case lines <- lineResult{err: err}:
		case <-done:
		}
	}
}

func (t *transcoder) handleFrame(f *Frame) {
	if f.Error != nil && f.Error.Message != "" {
		t.emitContent("Error: "+f.Error.Message, "stop")
		t.writeDone()
		t.state.status = 500
		t.state.closed = true
		return
	}

	r := f.Response()
	if r == nil {
		return
	}

	if r.UserResponse != nil && r.UserResponse.Model != "" {
		t.state.model = r.UserResponse.Model
	}

	if v := r.StreamingVideoGenerationResponse; v != nil {
		t.handleVideo(v)
		return
	}

	if len(r.ImageAttachmentInfo) > 0 {
		t.state.isImage = true
	}

	if t.state.isImage {
		t.handleImage(r)
		return
	}

	t.handleText(r)
}

func (t *transcoder) handleVideo(v *VideoGeneration) {
	t.state.isVideo = true

	if v.Progress > t.state.lastVideoProgress && t.opts.ShowThinking {
		line := fmt.Sprintf("视频已生成%d%%", v.Progress)
		if v.Progress >= 100 {
			line += "</think>\n"
		} else {
			line += "\n"
		}
		if !t.state.videoProgressStarted {
			line = "<think>" + line
			t.state.videoProgressStarted = true
		}
		t.emitDelta(line)
		t.state.lastVideoProgress = v.Progress
	}

	if v.VideoURL != "" {
		src := ImgProxyURL(t.opts.AssetBaseURL, t.opts.Origin, EncodeAssetPath(v.VideoURL))
		poster := ""
		if v.ThumbnailImageURL != "" {
			poster = ImgProxyURL(t.opts.AssetBaseURL, t.opts.Origin, EncodeAssetPath(v.ThumbnailImageURL))
		}
		t.emitDelta(VideoHTML(src, poster, t.opts.VideoPosterPreview))
	}
}

func (t *transcoder) handleImage(r *FrameResponse) {
	if r.ModelResponse != nil {
		if urls := NormalizeGeneratedAssetURLs(r.ModelResponse.GeneratedImageUrls); len(urls) > 0 {
			links := make([]string, 0, len(urls))
			for _, u := range urls {
				proxied := ImgProxyURL(t.opts.AssetBaseURL, t.opts.Origin, EncodeAssetPath(u))
				links = append(links, fmt.Sprintf("![image](%s)", proxied))
			}
			t.emitContent(strings.Join(links, "\n"), "stop")
			t.writeDone()
			t.state.closed = true
			return
		}
	}

	// Image-mode text deltas bypass the tag filter.
	if tok, ok := r.TokenString(); ok && tok != "" {
		t.emitDelta(tok)
	}
}

func (t *transcoder) handleText(r *FrameResponse) {
	tok, ok := r.TokenString()
	if !ok || tok == "" {
		return
	}

	filtered := t.filter.Filter(tok)
	if filtered == "" {
		return
	}

	currentThinking := r.IsThinking

	if r.ToolUsageCardID != "" && r.WebSearchResults != nil && len(r.WebSearchResults.Results) > 0 {
		if !currentThinking || !t.opts.ShowThinking {
			return
		}
		var b strings.Builder
		b.WriteString(filtered)
		for _, res := range r.WebSearchResults.Results {
			preview := strings.ReplaceAll(res.Preview, "\n", " ")
			fmt.Fprintf(&b, "\n- [%s](%s %q)", res.Title, res.URL, preview)
		}
		b.WriteString("\n")
		filtered = b.String()
	}

	if r.MessageTag == "header" {
		filtered = "\n\n" + filtered + "\n\n"
	}

	switch {
	case currentThinking && !t.opts.ShowThinking:
		return
	case currentThinking && t.state.thinkingFinished:
		// A thinking region must not re-open.
		return
	case currentThinking && !t.state.isThinking:
		filtered = "<think>\n" + filtered
	case !currentThinking && t.state.isThinking:
		if t.opts.ShowThinking {
			filtered = "\n</think>\n" + filtered
		}
		t.state.thinkingFinished = true
	}

	t.emitDelta(filtered)
	t.state.isThinking = currentThinking
}

// handleReadError classifies a failed upstream read and emits the matching
// terminal sequence.
func (t *transcoder) handleReadError(err error) {
	if isHTTP2StreamError(err) {
		t.log.Warn("upstream transport hiccup", slog.String("error", err.Error()))
		t.flushStop()
		t.state.status = 502
		return
	}
	t.emitProcessingError(err.Error())
}

// isHTTP2StreamError identifies transport-level stream resets by message
// substring. The bare "stream" check over-matches; such errors become a
// clean stop with status 502 rather than a client-visible error.
func isHTTP2StreamError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "http/2") ||
		strings.Contains(msg, "curl: (92)") ||
		strings.Contains(msg, "stream")
}

func (t *transcoder) emitProcessingError(msg string) {
	if t.state.closed {
		return
	}
	t.emitContent("处理错误: "+msg, "error")
	t.writeDone()
	t.state.status = 500
	t.state.closed = true
}

// flushStop ends the stream cleanly: pending filter bytes, one stop chunk,
// the [DONE] sentinel.
func (t *transcoder) flushStop() {
	if t.state.closed {
		return
	}
	if pending := t.filter.Flush(); pending != "" {
		t.emitDelta(pending)
	}
	t.emitContent("", "stop")
	t.writeDone()
	t.state.closed = true
}

func (t *transcoder) emitDelta(content string) {
	t.writeChunk(content, nil)
}

func (t *transcoder) emitContent(content, finishReason string) {
	t.writeChunk(content, finishReason)
}

func (t *transcoder) writeChunk(content string, finishReason interface{}) {
	delta := ChunkDelta{Content: content}
	if !t.state.sentRole {
		delta.Role = "assistant"
		t.state.sentRole = true
	}
	chunk := CompletionChunk{
		ID:      "chatcmpl-" + t.opts.StreamID,
		Object:  "chat.completion.chunk",
		Created: t.start.Unix(),
		Model:   t.state.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	if err := t.sw.writeEvent(chunk); err != nil {
		// Client went away; stop producing.
		t.state.closed = true
	}
}

func (t *transcoder) writeDone() {
	_ = t.sw.writeDone()
}

func (t *transcoder) finish() {
	t.finishOnce.Do(func() {
		if t.opts.OnFinish != nil {
			t.opts.OnFinish(FinishInfo{
				Status:   t.state.status,
				Duration: time.Since(t.start),
			})
		}
		t.pw.Close()
	})
}
