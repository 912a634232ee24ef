// Package resolver 把 (品牌, 版本) 解析为不可变的服务端构件下载地址。
package resolver

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
	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/upstream"
)

// LatestAlias 在 vanilla 品牌下解析为清单中的 latest.release。
const LatestAlias = "latest"

// Resolver 查询 Mojang 版本清单与 PaperMC 构建列表，自身不做重试。
type Resolver struct {
	client   *http.Client
	upstream config.UpstreamConfig
	logger   *logrus.Logger
}

// New 构建 Resolver，upstream 中空字段会被填充为默认地址。
func New(client *http.Client, cfg config.UpstreamConfig, logger *logrus.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	config.ApplyUpstreamDefaults(&cfg)
	return &Resolver{client: client, upstream: cfg, logger: logger}
}

// Resolve 返回指定品牌与版本的服务端 jar 下载地址。
func (r *Resolver) Resolve(ctx context.Context, brand instance.Brand, version string) (string, error) {
	if version == "" {
		return "", fmt.Errorf("%w: version required", apperr.ErrInvalidInput)
	}

	var (
		resolved string
		err      error
	)
	switch brand {
	case instance.BrandVanilla:
		resolved, err = r.resolveVanilla(ctx, version)
	case instance.BrandPaper:
		resolved, err = r.resolvePaper(ctx, version)
	default:
		return "", fmt.Errorf("%w: unknown brand %q", apperr.ErrInvalidInput, brand)
	}
	if err != nil {
		return "", err
	}

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"action":  "resolve",
			"brand":   brand.String(),
			"version": version,
			"url":     resolved,
		}).Info("版本解析完成")
	}
	return resolved, nil
}

type versionManifest struct {
	Latest struct {
		Release string `json:"release"`
	} `json:"latest"`
	Versions []manifestEntry `json:"versions"`
}

type manifestEntry struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type versionDetail struct {
	Downloads struct {
		Server *struct {
			URL string `json:"url"`
		} `json:"server"`
	} `json:"downloads"`
}

func (r *Resolver) resolveVanilla(ctx context.Context, version string) (string, error) {
	var manifest versionManifest
	if err := r.get(ctx, "manifest", r.upstream.ManifestURL, &manifest); err != nil {
		return "", err
	}
	if manifest.Versions == nil {
		return "", fmt.Errorf("%w: manifest has no versions list", apperr.ErrMalformedUpstreamResponse)
	}

	wanted := version
	if version == LatestAlias {
		if manifest.Latest.Release == "" {
			return "", fmt.Errorf("%w: manifest has no latest release", apperr.ErrMalformedUpstreamResponse)
		}
		wanted = manifest.Latest.Release
	}

	var entry *manifestEntry
	for idx := range manifest.Versions {
		if manifest.Versions[idx].ID == wanted {
			entry = &manifest.Versions[idx]
			break
		}
	}
	if entry == nil {
		return "", fmt.Errorf("%w: vanilla %s", apperr.ErrVersionNotFound, version)
	}
	if entry.URL == "" {
		return "", fmt.Errorf("%w: manifest entry %s has no url", apperr.ErrMalformedUpstreamResponse, wanted)
	}

	var detail versionDetail
	if err := r.get(ctx, "manifest", entry.URL, &detail); err != nil {
		return "", err
	}
	if detail.Downloads.Server == nil || detail.Downloads.Server.URL == "" {
		return "", fmt.Errorf("%w: version %s has no server download", apperr.ErrMalformedUpstreamResponse, wanted)
	}
	return detail.Downloads.Server.URL, nil
}

type paperBuilds struct {
	Builds []paperBuild `json:"builds"`
}

type paperBuild struct {
	Build     *int `json:"build"`
	Downloads struct {
		Application *struct {
			Name string `json:"name"`
		} `json:"application"`
	} `json:"downloads"`
}

func (r *Resolver) resolvePaper(ctx context.Context, version string) (string, error) {
	versionBase := r.upstream.PaperAPI + "/versions/" + url.PathEscape(version)

	var payload paperBuilds
	if err := r.get(ctx, "paper", versionBase+"/builds", &payload); err != nil {
		return "", err
	}
	if payload.Builds == nil {
		return "", fmt.Errorf("%w: builds list missing", apperr.ErrMalformedUpstreamResponse)
	}
	if len(payload.Builds) == 0 {
		return "", fmt.Errorf("%w: paper %s has no builds", apperr.ErrVersionNotFound, version)
	}

	// 以上游返回顺序的最后一个构建为准，不按编号排序。
	last := payload.Builds[len(payload.Builds)-1]
	if last.Build == nil {
		return "", fmt.Errorf("%w: build id missing", apperr.ErrMalformedUpstreamResponse)
	}
	if last.Downloads.Application == nil || last.Downloads.Application.Name == "" {
		return "", fmt.Errorf("%w: build %d has no application download", apperr.ErrMalformedUpstreamResponse, *last.Build)
	}

	return versionBase + "/builds/" + strconv.Itoa(*last.Build) + "/downloads/" +
		url.PathEscape(last.Downloads.Application.Name), nil
}

func (r *Resolver) get(ctx context.Context, target, rawURL string, out any) error {
	err := upstream.GetJSON(ctx, r.client, r.logger, target, rawURL, out)
	if errors.Is(err, upstream.ErrNotFound) {
		return fmt.Errorf("%w: %v", apperr.ErrVersionNotFound, err)
	}
	return err
}
