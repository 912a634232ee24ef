// Package logs 维护实例最新日志文件的内存快照，并按字节切分为惰性分块序列。
package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/storage"
)

// DefaultRelativePath 是服务端写入的最新日志文件位置。
const DefaultRelativePath = "logs/latest.log"

// Reader 按需重新读取日志文件。快照不会持久化，也不会自动刷新。
type Reader struct {
	store   storage.Store
	relPath string
	logger  *logrus.Logger

	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewReader 构造 Reader，relPath 为空时使用 DefaultRelativePath。
func NewReader(store storage.Store, relPath string, logger *logrus.Logger) *Reader {
	if relPath == "" {
		relPath = DefaultRelativePath
	}
	return &Reader{
		store:     store,
		relPath:   relPath,
		logger:    logger,
		snapshots: make(map[string][]byte),
	}
}

// Refresh 完整读取日志文件并替换快照；文件不存在（例如从未启动）时返回 ErrNotFound。
func (r *Reader) Refresh(ctx context.Context, name string) error {
	res, err := r.store.Get(ctx, storage.Locator{Instance: name, Path: r.relPath})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: log file %s for server %q", apperr.ErrNotFound, r.relPath, name)
		}
		return err
	}
	defer res.Reader.Close()

	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return fmt.Errorf("read log file: %w", err)
	}

	r.mu.Lock()
	r.snapshots[strings.Clone(name)] = data
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "refresh_log",
			"server": name,
			"bytes":  len(data),
		}).Debug("日志快照已刷新")
	}
	return nil
}

// Snapshot 返回最近一次刷新的快照，未刷新时返回 nil。
func (r *Reader) Snapshot(name string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[name]
}

// Chunks 返回快照的分块序列，每块至多 size 字节，size 小于 1 时按 1 处理。
// 序列可重复遍历；之后的 Refresh 不影响已返回的序列。
func (r *Reader) Chunks(name string, size int) iter.Seq[[]byte] {
	return Split(r.Snapshot(name), size)
}

// Drop 丢弃实例的快照。
func (r *Reader) Drop(name string) {
	r.mu.Lock()
	delete(r.snapshots, name)
	r.mu.Unlock()
}

// Split 以精确字节边界切分 data，不做拷贝。
func Split(data []byte, size int) iter.Seq[[]byte] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]byte) bool) {
		for start := 0; start < len(data); start += size {
			end := min(start+size, len(data))
			if !yield(data[start:end:end]) {
				return
			}
		}
	}
}

// ChunkText 把分块转为文本；切分点落在多字节字符内部导致非法 UTF-8 时返回空串。
func ChunkText(chunk []byte) string {
	if !utf8.Valid(chunk) {
		return ""
	}
	return string(chunk)
}
