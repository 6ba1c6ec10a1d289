package transcode

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func ndjson(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func tokenFrame(token string, thinking bool) string {
	f := map[string]interface{}{
		"result": map[string]interface{}{
			"response": map[string]interface{}{
				"token":      token,
				"isThinking": thinking,
			},
		},
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func videoFrame(progress int, videoURL, thumbURL string) string {
	resp := map[string]interface{}{"progress": progress}
	if videoURL != "" {
		resp["videoUrl"] = videoURL
	}
	if thumbURL != "" {
		resp["thumbnailImageUrl"] = thumbURL
	}
	f := map[string]interface{}{
		"result": map[string]interface{}{
			"response": map[string]interface{}{
				"streamingVideoGenerationResponse": resp,
			},
		},
	}
	b, _ := json.Marshal(f)
	return string(b)
}

// drainSSE reads the whole SSE stream and splits it into decoded chunks plus
// a count of [DONE] sentinels.
func drainSSE(t *testing.T, r io.Reader) (chunks []CompletionChunk, doneCount int) {
	t.Helper()
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	for _, block := range strings.Split(string(raw), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		payload := strings.TrimPrefix(block, "data: ")
		if payload == "[DONE]" {
			doneCount++
			continue
		}
		var c CompletionChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, doneCount
}

func joinContent(chunks []CompletionChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			b.WriteString(ch.Delta.Content)
		}
	}
	return b.String()
}

func finishReasons(chunks []CompletionChunk) []string {
	var out []string
	for _, c := range chunks {
		for _, ch := range c.Choices {
			if ch.FinishReason != nil {
				out = append(out, fmt.Sprintf("%v", ch.FinishReason))
			}
		}
	}
	return out
}

func TestTranscodeThinkingShown(t *testing.T) {
	body := ndjson(
		tokenFrame("A", true),
		tokenFrame("B", true),
		tokenFrame("C", false),
	)
	var info FinishInfo
	r := Transcode(body, Options{
		StreamID:     "test1",
		Model:        "grok-4",
		ShowThinking: true,
		OnFinish:     func(fi FinishInfo) { info = fi },
	})

	chunks, done := drainSSE(t, r)
	got := joinContent(chunks)
	want := "<think>\nAB\n</think>\nC"
	if got != want {
		t.Errorf("content %q, want %q", got, want)
	}
	if done != 1 {
		t.Errorf("got %d [DONE] sentinels, want 1", done)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want exactly one stop", fr)
	}
	if info.Status != 200 {
		t.Errorf("final status %d, want 200", info.Status)
	}
}

func TestTranscodeThinkingHidden(t *testing.T) {
	body := ndjson(
		tokenFrame("A", true),
		tokenFrame("B", true),
		tokenFrame("C", false),
	)
	r := Transcode(body, Options{StreamID: "test2", ShowThinking: false})

	chunks, _ := drainSSE(t, r)
	if got := joinContent(chunks); got != "C" {
		t.Errorf("content %q, want %q", got, "C")
	}
}

func TestTranscodeThinkingDoesNotReopen(t *testing.T) {
	body := ndjson(
		tokenFrame("A", true),
		tokenFrame("B", false),
		tokenFrame("X", true),
		tokenFrame("C", false),
	)
	r := Transcode(body, Options{StreamID: "test3", ShowThinking: true})

	chunks, _ := drainSSE(t, r)
	want := "<think>\nA\n</think>\nBC"
	if got := joinContent(chunks); got != want {
		t.Errorf("content %q, want %q", got, want)
	}
}

func TestTranscodeFirstChunkCarriesRole(t *testing.T) {
	body := ndjson(tokenFrame("hi", false))
	r := Transcode(body, Options{StreamID: "test4"})

	chunks, _ := drainSSE(t, r)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk role %q, want assistant", chunks[0].Choices[0].Delta.Role)
	}
	for i, c := range chunks[1:] {
		if c.Choices[0].Delta.Role != "" {
			t.Errorf("chunk %d repeats role", i+1)
		}
	}
}

func TestTranscodeVideoProgress(t *testing.T) {
	body := ndjson(
		videoFrame(10, "", ""),
		videoFrame(60, "", ""),
		videoFrame(100, "https://assets.grok.com/v.mp4", ""),
	)
	r := Transcode(body, Options{
		StreamID:     "test5",
		ShowThinking: true,
		Origin:       "http://localhost:8080",
	})

	chunks, done := drainSSE(t, r)
	got := joinContent(chunks)

	for _, want := range []string{
		"<think>视频已生成10%\n",
		"视频已生成60%\n",
		"视频已生成100%</think>\n",
		"<video src=\"http://localhost:8080/images/u_",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("content missing %q\ncontent: %q", want, got)
		}
	}
	if strings.Count(got, "<think>") != 1 {
		t.Errorf("thinking opened %d times, want 1", strings.Count(got, "<think>"))
	}
	if done != 1 {
		t.Errorf("got %d [DONE] sentinels, want 1", done)
	}
}

func TestTranscodeVideoNonIncreasingProgressSkipped(t *testing.T) {
	body := ndjson(
		videoFrame(50, "", ""),
		videoFrame(50, "", ""),
		videoFrame(40, "", ""),
	)
	r := Transcode(body, Options{StreamID: "test6", ShowThinking: true})

	chunks, _ := drainSSE(t, r)
	got := joinContent(chunks)
	if strings.Count(got, "视频已生成") != 1 {
		t.Errorf("progress emitted more than once: %q", got)
	}
}

func TestTranscodeImageModeEndsWithMarkdownLinks(t *testing.T) {
	attach := `{"result":{"response":{"imageAttachmentInfo":{"w":1024},"token":"drawing"}}}`
	final := `{"result":{"response":{"modelResponse":{"generatedImageUrls":["https://assets.grok.com/img/1.jpg","","/"]}}}}`
	trailing := tokenFrame("ignored", false)

	r := Transcode(ndjson(attach, final, trailing), Options{
		StreamID: "test7",
		Origin:   "http://localhost:8080",
	})

	chunks, done := drainSSE(t, r)
	got := joinContent(chunks)
	if !strings.Contains(got, "drawing") {
		t.Errorf("image-mode token missing from %q", got)
	}
	if strings.Count(got, "![image](http://localhost:8080/images/u_") != 1 {
		t.Errorf("want exactly one image link, got %q", got)
	}
	if strings.Contains(got, "ignored") {
		t.Errorf("frames after image close leaked: %q", got)
	}
	if done != 1 {
		t.Errorf("got %d [DONE] sentinels, want 1", done)
	}
}

func TestTranscodeUpstreamErrorFrame(t *testing.T) {
	body := ndjson(
		tokenFrame("partial", false),
		`{"error":{"message":"quota exceeded"}}`,
	)
	var info FinishInfo
	r := Transcode(body, Options{
		StreamID: "test8",
		OnFinish: func(fi FinishInfo) { info = fi },
	})

	chunks, done := drainSSE(t, r)
	got := joinContent(chunks)
	if !strings.Contains(got, "Error: quota exceeded") {
		t.Errorf("content %q missing error text", got)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want one stop", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if info.Status != 500 {
		t.Errorf("status %d, want 500", info.Status)
	}
}

type errReader struct {
	data string
	err  error
	done bool
}

func (e *errReader) Read(p []byte) (int, error) {
	if !e.done {
		e.done = true
		return copy(p, e.data), nil
	}
	return 0, e.err
}
func (e *errReader) Close() error { return nil }

func TestTranscodeTransportResetIsCleanStop(t *testing.T) {
	body := &errReader{
		data: tokenFrame("hello", false) + "\n",
		err:  fmt.Errorf("http2: stream closed"),
	}
	var info FinishInfo
	r := Transcode(body, Options{StreamID: "test9", OnFinish: func(fi FinishInfo) { info = fi }})

	chunks, done := drainSSE(t, r)
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want one stop", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if info.Status != 502 {
		t.Errorf("status %d, want 502", info.Status)
	}
	if got := joinContent(chunks); !strings.Contains(got, "hello") {
		t.Errorf("content before reset lost: %q", got)
	}
}

func TestTranscodeReadErrorBecomesProcessingError(t *testing.T) {
	body := &errReader{
		data: tokenFrame("x", false) + "\n",
		err:  fmt.Errorf("connection refused"),
	}
	var info FinishInfo
	r := Transcode(body, Options{StreamID: "test10", OnFinish: func(fi FinishInfo) { info = fi }})

	chunks, done := drainSSE(t, r)
	got := joinContent(chunks)
	if !strings.Contains(got, "处理错误: connection refused") {
		t.Errorf("content %q missing processing error", got)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "error" {
		t.Errorf("finish reasons %v, want one error", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if info.Status != 500 {
		t.Errorf("status %d, want 500", info.Status)
	}
}

func TestTranscodeFirstResponseTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var calls atomic.Int32
	r := Transcode(pr, Options{
		StreamID:             "test11",
		FirstResponseTimeout: 50 * time.Millisecond,
		OnFinish:             func(FinishInfo) { calls.Add(1) },
	})

	start := time.Now()
	chunks, done := drainSSE(t, r)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stream did not end near the budget, took %v", elapsed)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want one stop", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if calls.Load() != 1 {
		t.Errorf("OnFinish called %d times, want 1", calls.Load())
	}
}

func TestTranscodeIdleTimeoutAfterFirstChunk(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var info FinishInfo
	finished := make(chan struct{})
	r := Transcode(pr, Options{
		StreamID:    "test12",
		IdleTimeout: 60 * time.Millisecond,
		OnFinish: func(fi FinishInfo) {
			info = fi
			close(finished)
		},
	})

	go func() {
		io.WriteString(pw, tokenFrame("alive", false)+"\n")
		// Then stall past the idle budget.
	}()

	chunks, done := drainSSE(t, r)
	<-finished

	if got := joinContent(chunks); !strings.Contains(got, "alive") {
		t.Errorf("content %q missing pre-stall token", got)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want one stop", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if info.Status != 200 {
		t.Errorf("idle stop status %d, want 200", info.Status)
	}
}

func TestTranscodeVideoIdleBudgetReplacesIdle(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var info FinishInfo
	finished := make(chan struct{})
	r := Transcode(pr, Options{
		StreamID:         "test19",
		IdleTimeout:      60 * time.Millisecond,
		VideoIdleTimeout: 250 * time.Millisecond,
		OnFinish: func(fi FinishInfo) {
			info = fi
			close(finished)
		},
	})

	start := time.Now()
	go func() {
		io.WriteString(pw, videoFrame(42, "", "")+"\n")
		// Then stall past the plain idle budget but under the video one.
	}()

	chunks, done := drainSSE(t, r)
	<-finished
	elapsed := time.Since(start)

	if elapsed < 200*time.Millisecond {
		t.Errorf("stream ended after %v, video idle budget was not applied", elapsed)
	}
	if fr := finishReasons(chunks); len(fr) != 1 || fr[0] != "stop" {
		t.Errorf("finish reasons %v, want one stop", fr)
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
	if info.Status != 200 {
		t.Errorf("video idle stop status %d, want 200", info.Status)
	}
}

func TestTranscodeModelSwitchesToUpstreamReported(t *testing.T) {
	userResp := `{"result":{"response":{"userResponse":{"model":"grok-4-mini"}}}}`
	body := ndjson(userResp, tokenFrame("hi", false))
	r := Transcode(body, Options{StreamID: "test13", Model: "requested"})

	chunks, _ := drainSSE(t, r)
	var sawReported bool
	for _, c := range chunks {
		if c.Model == "grok-4-mini" {
			sawReported = true
		}
	}
	if !sawReported {
		t.Error("upstream-reported model never used in chunks")
	}
}

func TestTranscodeSkipsMalformedLines(t *testing.T) {
	body := ndjson(
		"not json at all",
		`{"result":{"response":{"token":["array","token"]}}}`,
		tokenFrame("ok", false),
	)
	r := Transcode(body, Options{StreamID: "test14"})

	chunks, done := drainSSE(t, r)
	if got := joinContent(chunks); got != "ok" {
		t.Errorf("content %q, want %q", got, "ok")
	}
	if done != 1 {
		t.Errorf("got %d [DONE], want 1", done)
	}
}

func TestTranscodeHeaderTagPadded(t *testing.T) {
	header := `{"result":{"response":{"token":"Chapter 1","messageTag":"header"}}}`
	body := ndjson(header, tokenFrame("body", false))
	r := Transcode(body, Options{StreamID: "test15"})

	chunks, _ := drainSSE(t, r)
	want := "\n\nChapter 1\n\nbody"
	if got := joinContent(chunks); got != want {
		t.Errorf("content %q, want %q", got, want)
	}
}

func TestTranscodeWebSearchCitations(t *testing.T) {
	search := `{"result":{"response":{"token":"searching","isThinking":true,"toolUsageCardId":"c1","webSearchResults":{"results":[{"title":"Go","url":"https://go.dev","preview":"The Go\nlanguage"}]}}}}`
	body := ndjson(search, tokenFrame("done", false))

	r := Transcode(body, Options{StreamID: "test16", ShowThinking: true})
	chunks, _ := drainSSE(t, r)
	got := joinContent(chunks)
	if !strings.Contains(got, "- [Go](https://go.dev \"The Go language\")") {
		t.Errorf("citation missing from %q", got)
	}

	// Hidden thinking drops the whole citation frame.
	r = Transcode(ndjson(search, tokenFrame("done", false)), Options{StreamID: "test17"})
	chunks, _ = drainSSE(t, r)
	if got := joinContent(chunks); got != "done" {
		t.Errorf("content %q, want %q", got, "done")
	}
}

func TestCollectNonStreaming(t *testing.T) {
	body := ndjson(
		tokenFrame("A", true),
		tokenFrame("hello ", false),
		tokenFrame("world", false),
	)
	c, status := Collect(body, Options{StreamID: "nstest", Model: "grok-4"})
	if status != 200 {
		t.Fatalf("status %d, want 200", status)
	}
	if got := c.Choices[0].Message.Content; got != "hello world" {
		t.Errorf("content %q, want %q", got, "hello world")
	}
	if c.Object != "chat.completion" {
		t.Errorf("object %q", c.Object)
	}
	if c.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason %q, want stop", c.Choices[0].FinishReason)
	}
}

func TestCollectTransportResetKeepsContent(t *testing.T) {
	body := &errReader{
		data: tokenFrame("partial", false) + "\n",
		err:  fmt.Errorf("http2: stream closed"),
	}
	completion, status := Collect(body, Options{StreamID: "test21"})

	if status != 502 {
		t.Errorf("status %d, want 502", status)
	}
	choice := completion.Choices[0]
	if !strings.Contains(choice.Message.Content, "partial") {
		t.Errorf("content before reset lost: %q", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish reason %q, want stop", choice.FinishReason)
	}
}

func TestCollectErrorFrame(t *testing.T) {
	body := ndjson(`{"error":{"message":"boom"}}`)
	c, status := Collect(body, Options{StreamID: "nstest2"})
	if status != 500 {
		t.Fatalf("status %d, want 500", status)
	}
	if got := c.Choices[0].Message.Content; got != "Error: boom" {
		t.Errorf("content %q", got)
	}
}
