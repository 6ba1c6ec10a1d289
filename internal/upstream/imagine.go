package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const imagineHandshakeTimeout = 15 * time.Second

// OpenImagineStream connects to the experimental imagine websocket and
// adapts its messages into an NDJSON byte stream, so the transcoder consumes
// websocket-generated frames exactly like HTTP ones.
//
// The returned reader yields one JSON message per line. Closing it tears
// down the websocket; a websocket read error surfaces as the reader's error.
func (c *Client) OpenImagineStream(ctx context.Context, cfg RequestConfig, wsURL string, payload interface{}) (io.ReadCloser, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid imagine ws url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: imagineHandshakeTimeout,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set("Origin", "https://"+u.Host)
	if cookie := BuildCookie(cfg.Token, cfg.CfClearance); cookie != "" {
		header.Set("Cookie", cookie)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: "websocket handshake rejected"}
		}
		return nil, fmt.Errorf("imagine ws dial failed: %w", err)
	}

	if err := conn.WriteJSON(payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("imagine ws send failed: %w", err)
	}

	pr, pw := io.Pipe()
	go c.pumpImagine(conn, pw)
	return &imagineStream{PipeReader: pr, conn: conn}, nil
}

// pumpImagine copies websocket messages onto the pipe, one message per line.
func (c *Client) pumpImagine(conn *websocket.Conn, pw *io.PipeWriter) {
	defer conn.Close()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pw.Close()
			} else {
				pw.CloseWithError(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		line := append(msg, '\n')
		if _, err := pw.Write(line); err != nil {
			// Reader side gone; stop pumping.
			return
		}
	}
}

type imagineStream struct {
	*io.PipeReader
	conn *websocket.Conn
}

func (s *imagineStream) Close() error {
	s.conn.Close()
	return s.PipeReader.Close()
}

// ImagineWSURL derives the websocket endpoint from an http(s) base when no
// explicit endpoint is configured.
func ImagineWSURL(base string) string {
	ws := strings.Replace(base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimRight(ws, "/") + "/ws/imagine"
}
