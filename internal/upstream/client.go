// Package upstream 封装对外部版本目录与插件市场的 JSON 请求，统一错误分类、日志与指标。
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/logging"
	"github.com/lunara/lunara/internal/metrics"
)

// ErrNotFound 表示上游返回 404，具体业务含义由调用方决定。
var ErrNotFound = errors.New("upstream returned 404")

// maxBodyBytes 限制单个 JSON 文档的大小，防止异常响应占满内存。
const maxBodyBytes = 16 << 20

// GetJSON 发起 GET 请求并把响应体解码到 out。
//
// 错误分类：404 → ErrNotFound；传输失败或其他非 2xx → apperr.ErrUpstreamUnavailable；
// 无法解码 → apperr.ErrMalformedUpstreamResponse。不做重试。
func GetJSON(ctx context.Context, client *http.Client, logger *logrus.Logger, target, rawURL string, out any) error {
	start := time.Now()
	status, err := getJSON(ctx, client, rawURL, out)
	metrics.UpstreamRequests.WithLabelValues(target, metrics.Result(err)).Inc()

	if logger != nil {
		fields := logging.UpstreamFields("upstream_get", target, rawURL, status)
		fields["elapsed_ms"] = time.Since(start).Milliseconds()
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("上游请求失败")
		} else {
			logger.WithFields(fields).Debug("上游请求完成")
		}
	}
	return err
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", apperr.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, fmt.Errorf("%w: %s returned %d", apperr.ErrUpstreamUnavailable, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedUpstreamResponse, rawURL, err)
	}
	return resp.StatusCode, nil
}
