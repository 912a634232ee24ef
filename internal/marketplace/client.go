// Package marketplace 访问 Hangar 插件市场：热门插件分页列表与插件下载地址。
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/config"
	"github.com/lunara/lunara/internal/upstream"
)

// PluginSummary 是热门列表中的单个插件摘要。
type PluginSummary struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	Slug      string `json:"slug"`
	Downloads int64  `json:"downloads"`
	Stars     int64  `json:"stars"`
	AvatarURL string `json:"avatar_url"`
}

// Client 查询插件市场，页大小与平台来自配置。
type Client struct {
	client   *http.Client
	upstream config.UpstreamConfig
	logger   *logrus.Logger
}

// New 构造 Client，upstream 中空字段会被填充为默认值。
func New(client *http.Client, cfg config.UpstreamConfig, logger *logrus.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	config.ApplyUpstreamDefaults(&cfg)
	return &Client{client: client, upstream: cfg, logger: logger}
}

type projectsResponse struct {
	Result []project `json:"result"`
}

type project struct {
	Name      string `json:"name"`
	Namespace struct {
		Owner string `json:"owner"`
		Slug  string `json:"slug"`
	} `json:"namespace"`
	Stats struct {
		Downloads int64 `json:"downloads"`
		Stars     int64 `json:"stars"`
	} `json:"stats"`
	AvatarURL string `json:"avatarUrl"`
}

// FetchTrending 按星标倒序返回第 page 页插件，page 小于 1 时按第 1 页处理。
func (c *Client) FetchTrending(ctx context.Context, page int) ([]PluginSummary, error) {
	if page < 1 {
		page = 1
	}
	size := c.upstream.TrendingPageSize

	query := url.Values{}
	query.Set("sort", "-stars")
	query.Set("limit", strconv.Itoa(size))
	query.Set("offset", strconv.Itoa((page-1)*size))
	target := c.upstream.HangarAPI + "/projects?" + query.Encode()

	var payload projectsResponse
	if err := upstream.GetJSON(ctx, c.client, c.logger, "hangar", target, &payload); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	if payload.Result == nil {
		return nil, fmt.Errorf("%w: projects result missing", apperr.ErrMalformedUpstreamResponse)
	}

	out := make([]PluginSummary, 0, len(payload.Result))
	for _, p := range payload.Result {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: project without name", apperr.ErrMalformedUpstreamResponse)
		}
		out = append(out, PluginSummary{
			Name:      p.Name,
			Owner:     p.Namespace.Owner,
			Slug:      p.Namespace.Slug,
			Downloads: p.Stats.Downloads,
			Stars:     p.Stats.Stars,
			AvatarURL: p.AvatarURL,
		})
	}
	return out, nil
}

// DownloadURL 返回插件指定版本的构件地址：<HangarAPI>/projects/{name}/versions/{version}/{platform}/download。
func (c *Client) DownloadURL(name, version string) string {
	return c.upstream.HangarAPI + "/projects/" + url.PathEscape(name) +
		"/versions/" + url.PathEscape(version) + "/" + c.upstream.PluginPlatform + "/download"
}
