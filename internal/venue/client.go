package venue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"locates-desk/internal/config"
	"locates-desk/internal/metrics"
)

const maxBodyBytes = 8 << 20

// Doer 抽象一次站点调用，便于在测试中替换。
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Client 负责与站点进行单次 HTTP 往返。Cookie 状态由 session 包维护，这里不保存任何会话信息。
type Client struct {
	cfg    config.VenueConfig
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

var _ Doer = (*Client)(nil)

// NewClient 创建站点客户端。重定向一律不跟随，由调用方根据 Location 决定下一步。
func NewClient(cfg config.VenueConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("venue: base_url 非法 %q", cfg.BaseURL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

// URL 将相对路径解析为站点上的绝对地址。
func (c *Client) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// Do 执行一次请求。传输层超时统一映射为 ErrTransportTimeout。
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	step := req.Step
	if step == "" {
		step = strings.ToLower(method)
	}

	var body io.Reader
	if req.Form != nil && method != http.MethodGet {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URL(req.Path), body)
	if err != nil {
		return Response{}, fmt.Errorf("venue: 构造 %s 请求失败: %w", step, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if len(req.Cookies) > 0 {
		httpReq.Header.Set("Cookie", strings.Join(req.Cookies, "; "))
	}
	referer := req.Referer
	if referer == "" {
		referer = c.URL(c.cfg.LandingPath)
	}
	httpReq.Header.Set("Referer", referer)
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		normalized := classifyError(step, err)
		outcome := "error"
		if errors.Is(normalized, ErrTransportTimeout) {
			outcome = "timeout"
		}
		metrics.ObserveVenueCall(step, outcome, latency)
		c.logger.Warn("站点调用失败",
			zap.String("step", step),
			zap.Duration("latency", latency),
			zap.Error(normalized),
		)
		return Response{}, normalized
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		normalized := classifyError(step, err)
		metrics.ObserveVenueCall(step, "error", latency)
		return Response{}, normalized
	}

	out := Response{
		Status:     resp.StatusCode,
		Body:       string(raw),
		Location:   resp.Header.Get("Location"),
		SetCookies: cookiePairs(resp.Cookies()),
	}

	metrics.ObserveVenueCall(step, strconv.Itoa(resp.StatusCode), latency)
	c.logger.Debug("站点调用完成",
		zap.String("step", step),
		zap.Int("status", out.Status),
		zap.Duration("latency", latency),
		zap.Int("body_bytes", len(raw)),
		zap.Int("set_cookies", len(out.SetCookies)),
		zap.Bool("redirect", out.IsRedirect()),
	)

	return out, nil
}

// cookiePairs 只保留 name=value，过期/删除指令被丢弃。
func cookiePairs(cookies []*http.Cookie) []string {
	now := time.Now()
	pairs := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == "" || ck.MaxAge < 0 {
			continue
		}
		if !ck.Expires.IsZero() && ck.Expires.Before(now) {
			continue
		}
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	return pairs
}
