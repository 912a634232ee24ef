package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建实例存储，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		trees:    make(map[string]*treeLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
// 单个文件的写入与删除持有实例目录的读锁，RemoveTree 持有写锁，两者互斥。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
	trees map[string]*treeLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type treeLock struct {
	mu   sync.RWMutex
	refs int
}

func (s *fileStore) BasePath() string {
	return s.basePath
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	release := s.lockTree(locator.Instance, false)
	defer release()
	unlock := s.lockEntry(locatorKey(locator))
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".download-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := s.lockTree(locator.Instance, false)
	defer release()
	unlock := s.lockEntry(locatorKey(locator))
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) RemoveTree(ctx context.Context, instance string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := s.lockTree(instance, true)
	defer release()

	dir, err := s.Dir(instance)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) Exists(instance string) (bool, error) {
	dir, err := s.Dir(instance)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Dir(instance string) (string, error) {
	if err := ValidateInstanceName(instance); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, instance), nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// lockTree 获取实例目录锁，exclusive 为 true 时独占整个目录。
func (s *fileStore) lockTree(instance string, exclusive bool) func() {
	s.mu.Lock()
	lock := s.trees[instance]
	if lock == nil {
		lock = &treeLock{}
		s.trees[instance] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if exclusive {
		lock.mu.Lock()
	} else {
		lock.mu.RLock()
	}
	return func() {
		if exclusive {
			lock.mu.Unlock()
		} else {
			lock.mu.RUnlock()
		}
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.trees, instance)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	dir, err := s.Dir(locator.Instance)
	if err != nil {
		return "", err
	}

	rel := path.Clean("/" + locator.Path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", errors.New("file path required")
	}

	filePath := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, dir+string(filepath.Separator)) {
		return "", errors.New("invalid storage path")
	}
	return filePath, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Instance + "::" + locator.Path
}
