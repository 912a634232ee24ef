// Package fetcher 负责把已解析的构件地址完整下载到实例目录。
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/metrics"
	"github.com/lunara/lunara/internal/storage"
)

// DefaultFileName 在 URL 无法推导出文件名时使用。
const DefaultFileName = "server.jar"

const (
	kindServer = "server"
	kindPlugin = "plugin"
)

// DefaultIdleTimeout 是下载过程中允许连续无数据到达的最长时间。
const DefaultIdleTimeout = time.Minute

var errStalled = errors.New("download stalled")

// Fetcher 通过 http.Client 下载构件，并经由 storage.Store 原子写入磁盘。
// 下载总时长不设上限，只要数据持续到达；不支持断点续传，重试即重新下载。
type Fetcher struct {
	client      *http.Client
	store       storage.Store
	logger      *logrus.Logger
	idleTimeout time.Duration
}

// Option 调整 Fetcher 的可选参数。
type Option func(*Fetcher)

// WithIdleTimeout 设置无数据到达的超时，非正值使用 DefaultIdleTimeout。
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.idleTimeout = d
		}
	}
}

// New 构造 Fetcher。
func New(client *http.Client, store storage.Store, logger *logrus.Logger, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{client: client, store: store, logger: logger, idleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 把 rawURL 下载到实例目录根下，文件名取 URL 最后一段，返回实际写入的文件名。
func (f *Fetcher) Fetch(ctx context.Context, rawURL, instance string) (string, error) {
	name := FileNameFromURL(rawURL)
	if err := f.download(ctx, rawURL, storage.Locator{Instance: instance, Path: name}, kindServer); err != nil {
		return "", err
	}
	return name, nil
}

// FetchAs 以显式相对路径保存构件，插件地址以 /download 结尾，无法从 URL 推导文件名。
func (f *Fetcher) FetchAs(ctx context.Context, rawURL, instance, relPath string) error {
	return f.download(ctx, rawURL, storage.Locator{Instance: instance, Path: relPath}, kindPlugin)
}

func (f *Fetcher) download(ctx context.Context, rawURL string, locator storage.Locator, kind string) error {
	start := time.Now()
	fields := logrus.Fields{
		"action": "fetch",
		"kind":   kind,
		"server": locator.Instance,
		"file":   locator.Path,
		"url":    rawURL,
	}

	entry, err := f.transfer(ctx, rawURL, locator)
	elapsed := time.Since(start)
	fields["elapsed_ms"] = elapsed.Milliseconds()
	metrics.UpstreamRequests.WithLabelValues("artifact", metrics.Result(err)).Inc()

	if err != nil {
		if f.logger != nil {
			f.logger.WithFields(fields).WithError(err).Warn("构件下载失败")
		}
		return err
	}

	metrics.ArtifactBytes.WithLabelValues(kind).Add(float64(entry.SizeBytes))
	metrics.FetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if f.logger != nil {
		fields["bytes"] = entry.SizeBytes
		f.logger.WithFields(fields).Info("构件下载完成")
	}
	return nil
}

func (f *Fetcher) transfer(parent context.Context, rawURL string, locator storage.Locator) (*storage.Entry, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	watchdog := time.AfterFunc(f.idleTimeout, func() { cancel(errStalled) })
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperr.ErrTransfer, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(parent, ctx, fmt.Errorf("%w: %v", apperr.ErrTransfer, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s returned %d", apperr.ErrTransfer, rawURL, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperr.Permanent(err)
		}
		return nil, err
	}

	body := &idleReader{r: resp.Body, timer: watchdog, idle: f.idleTimeout}
	watchdog.Reset(f.idleTimeout)
	entry, err := f.store.Put(ctx, locator, body, storage.PutOptions{})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
		}
		return nil, f.classify(parent, ctx, fmt.Errorf("%w: write %s: %v", apperr.ErrTransfer, locator.Path, err))
	}
	return entry, nil
}

// classify 区分调用方取消与下载停滞：前者原样返回 ctx 错误，后者按可重试的传输失败处理。
func (f *Fetcher) classify(parent, ctx context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(context.Cause(ctx), errStalled) {
		return fmt.Errorf("%w: no data received for %s", apperr.ErrTransfer, f.idleTimeout)
	}
	return err
}

// idleReader 每读到数据就重置看门狗计时器。
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	if n > 0 {
		i.timer.Reset(i.idle)
	}
	return n, err
}

// FileNameFromURL 返回 URL 路径最后一段（已解码），无法推导时回退为 DefaultFileName。
func FileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFileName
	}
	base := path.Base(parsed.Path)
	switch base {
	case "", ".", "/", "..":
		return DefaultFileName
	}
	if storage.ValidateInstanceName(base) != nil {
		return DefaultFileName
	}
	return base
}
