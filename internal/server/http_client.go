package server

import (
	"net"
	"net/http"
	"time"

	"github.com/lunara/lunara/internal/config"
	"github.com/lunara/lunara/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于版本目录与插件市场等小体积 JSON 请求。
// 上游（Mojang/PaperMC/Hangar）要求请求携带可识别的 User-Agent。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout: upstreamTimeout(cfg),
		Transport: &userAgentTransport{
			base:      defaultTransport.Clone(),
			userAgent: UserAgent(),
		},
	}
}

// NewDownloadClient 返回构件下载专用的 http.Client。整体不设超时，大文件在慢速链路上
// 也能完成；只限制等待响应头的时间，读取停滞由 fetcher 的空闲超时处理。
func NewDownloadClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = upstreamTimeout(cfg)

	return &http.Client{
		Transport: &userAgentTransport{
			base:      transport,
			userAgent: UserAgent(),
		},
	}
}

func upstreamTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		return cfg.Global.UpstreamTimeout.DurationValue()
	}
	return 30 * time.Second
}

// UserAgent 返回发往上游的 User-Agent。
func UserAgent() string {
	return "lunara/" + version.Version + " (+https://github.com/lunara/lunara)"
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(cloned)
}
