package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理实例目录下的文件读写。磁盘布局遵循：
//
//	<StoragePath>/<Instance>/<path>    # 服务端 jar、plugins/*.jar、logs/latest.log
//
// 目录名即实例名，这是注册表与文件系统之间唯一的寻址方式。
type Store interface {
	// Get 返回一个可流式读取的文件。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将正文写入目标文件，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件；父目录按需创建。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个文件，文件不存在视为成功。
	Remove(ctx context.Context, locator Locator) error

	// RemoveTree 递归删除整个实例目录，目录不存在视为成功。
	RemoveTree(ctx context.Context, instance string) error

	// Exists 报告实例目录是否存在。
	Exists(instance string) (bool, error)

	// Dir 返回实例目录的绝对路径。
	Dir(instance string) (string, error)

	// BasePath 返回存储根目录。
	BasePath() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个文件（实例名 + 实例目录内的相对路径），路径均为 URL 路径风格。
type Locator struct {
	Instance string
	Path     string
}

// Entry 表示一次写入或读取的文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于调用方直接流式读取。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示文件不存在。
	ErrNotFound = errors.New("storage entry not found")
	// ErrInvalidName 表示实例名不能安全地作为目录名使用。
	ErrInvalidName = errors.New("invalid instance name")
)
