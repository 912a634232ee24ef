package instance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/lunara/lunara/internal/apperr"
)

// registryFile 是注册表在磁盘上的 TOML 结构，每个实例对应一个 [[servers]] 表。
type registryFile struct {
	Servers []Instance `toml:"servers"`
}

// Registry 以单个 TOML 文件持久化全部实例记录。所有修改都是“读-改-整文件重写”，
// 由同一把互斥锁串行化，写入通过临时文件 + rename 保证原子性。
type Registry struct {
	path string

	mu        sync.Mutex
	instances []Instance
}

// OpenRegistry 加载 path 指向的注册表；文件不存在时视为空列表。
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path required")
	}

	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("read registry: %w", err)
	}

	if len(data) == 0 {
		return r, nil
	}
	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	for _, inst := range file.Servers {
		// 早期记录没有 options 表，按默认值补齐。
		if inst.Options.MaxPlayers == 0 {
			inst.Options.MaxPlayers = DefaultMaxPlayers
		}
		r.instances = append(r.instances, inst.clone())
	}
	return r, nil
}

// Path 返回注册表文件路径。
func (r *Registry) Path() string {
	return r.path
}

// List 返回全部实例的拷贝，顺序与写入顺序一致。
func (r *Registry) List() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.clone())
	}
	return out
}

// Len 返回实例数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Find 按名称线性查找实例。
func (r *Registry) Find(name string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexOf(name); idx >= 0 {
		return r.instances[idx].clone(), nil
	}
	return Instance{}, fmt.Errorf("%w: server %q", apperr.ErrNotFound, name)
}

// Add 追加新实例并落盘，名称重复时返回 ErrDuplicateName。
func (r *Registry) Add(inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(inst.Name) >= 0 {
		return fmt.Errorf("%w: server %q", apperr.ErrDuplicateName, inst.Name)
	}
	next := append(r.snapshot(), inst.clone())
	return r.commit(next)
}

// Update 以同名记录替换已有实例并落盘。
func (r *Registry) Update(inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(inst.Name)
	if idx < 0 {
		return fmt.Errorf("%w: server %q", apperr.ErrNotFound, inst.Name)
	}
	next := r.snapshot()
	next[idx] = inst.clone()
	return r.commit(next)
}

// Remove 删除实例记录并落盘。
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(name)
	if idx < 0 {
		return fmt.Errorf("%w: server %q", apperr.ErrNotFound, name)
	}
	next := r.snapshot()
	next = append(next[:idx], next[idx+1:]...)
	return r.commit(next)
}

func (r *Registry) indexOf(name string) int {
	for idx := range r.instances {
		if r.instances[idx].Name == name {
			return idx
		}
	}
	return -1
}

func (r *Registry) snapshot() []Instance {
	return append([]Instance(nil), r.instances...)
}

// commit 先写盘再替换内存状态，写盘失败时内存保持不变。
func (r *Registry) commit(next []Instance) error {
	if next == nil {
		next = []Instance{}
	}
	data, err := toml.Marshal(registryFile{Servers: next})
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	r.instances = next
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if syncErr := tmp.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
