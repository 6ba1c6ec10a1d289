package transcode

import (
	"encoding/json"
	"fmt"
	"io"
)

// OpenAI wire shapes. Only the fields the gateway emits; clients tolerate
// the rest being absent.

type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason interface{} `json:"finish_reason"`
}

type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   interface{}        `json:"usage"`
}

// sseWriter frames JSON payloads as SSE data lines on an underlying writer.
type sseWriter struct {
	w io.Writer
}

func (s *sseWriter) writeEvent(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

func (s *sseWriter) writeDone() error {
	_, err := io.WriteString(s.w, "data: [DONE]\n\n")
	return err
}
