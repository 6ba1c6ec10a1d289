package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

const (
	newConversationPath = "/rest/app-chat/conversations/new"
	rateLimitsPath      = "/rest/rate-limits"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"
)

// RequestConfig carries everything one upstream call needs. Token is the sso
// cookie value; CfClearance arrives ready for the Cookie header (prefixed)
// or empty.
type RequestConfig struct {
	BaseURL     string
	Token       string
	CfClearance string
	Proxy       string
}

// StatusError is a non-2xx upstream response with its body snippet.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Grok web API. One instance is shared by all streams;
// per-call state travels in RequestConfig.
type Client struct {
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(log *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &Client{
		// No overall timeout: NDJSON bodies stream for minutes. The
		// transcoder's budgets bound the read side.
		httpClient: &http.Client{Transport: transport},
		log:        log.WithComponent("upstream"),
	}
}

// OpenConversationStream starts a chat completion upstream and returns the
// NDJSON body. The caller owns the body on success.
func (c *Client) OpenConversationStream(ctx context.Context, cfg RequestConfig, payload interface{}) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(cfg.BaseURL, "/")+newConversationPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	c.decorate(req, cfg)

	resp, err := c.do(req, cfg)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return resp.Body, nil
}

// CheckToken probes the rate-limits endpoint. A 200 means the sso token is
// still alive; 401/403 means it expired.
func (c *Client) CheckToken(ctx context.Context, cfg RequestConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(cfg.BaseURL, "/")+rateLimitsPath, nil)
	if err != nil {
		return fmt.Errorf("building token check request: %w", err)
	}
	c.decorate(req, cfg)

	resp, err := c.do(req, cfg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// FetchAsset retrieves an upstream image or video for the asset proxy. raw
// is either an absolute URL (u_ paths) or a path joined onto the assets
// host.
func (c *Client) FetchAsset(ctx context.Context, cfg RequestConfig, assetsBase, raw string) (*http.Response, error) {
	target := raw
	if strings.HasPrefix(raw, "/") {
		target = strings.TrimRight(assetsBase, "/") + raw
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building asset request: %w", err)
	}
	c.decorate(req, cfg)

	return c.do(req, cfg)
}

// decorate sets the headers every upstream call shares.
func (c *Client) decorate(req *http.Request, cfg RequestConfig) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if cookie := BuildCookie(cfg.Token, cfg.CfClearance); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

func (c *Client) do(req *http.Request, cfg RequestConfig) (*http.Response, error) {
	client := c.httpClient
	if cfg.Proxy != "" {
		proxied, err := c.proxiedClient(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		client = proxied
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) proxiedClient(proxy string) (*http.Client, error) {
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(u),
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &http.Client{Transport: transport}, nil
}

// BuildCookie assembles the upstream Cookie header from the sso token and
// the optional pre-prefixed cf_clearance value.
func BuildCookie(token, cfClearance string) string {
	parts := make([]string, 0, 2)
	if token != "" {
		parts = append(parts, "sso="+token)
	}
	if cfClearance != "" {
		parts = append(parts, cfClearance)
	}
	return strings.Join(parts, "; ")
}
