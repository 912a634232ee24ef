package instance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/fetcher"
	"github.com/lunara/lunara/internal/logging"
	"github.com/lunara/lunara/internal/metrics"
	"github.com/lunara/lunara/internal/storage"
)

// Resolver 把品牌与版本解析为构件下载地址。
type Resolver interface {
	Resolve(ctx context.Context, brand Brand, version string) (string, error)
}

// Fetcher 把构件下载到实例目录。
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, instance string) (string, error)
	FetchAs(ctx context.Context, rawURL, instance, relPath string) error
}

// PluginSource 生成插件下载地址。
type PluginSource interface {
	DownloadURL(name, version string) string
}

// Runtime 负责启动实例进程与清理实例目录。
type Runtime interface {
	Start(ctx context.Context, inst Instance) error
	Teardown(ctx context.Context, name string) error
}

// LogSource 维护实例日志快照。
type LogSource interface {
	Refresh(ctx context.Context, name string) error
	Chunks(name string, size int) iter.Seq[[]byte]
	Drop(name string)
}

// ManagerConfig 汇总 Manager 的依赖与重试参数。
type ManagerConfig struct {
	Registry *Registry
	Store    storage.Store
	Resolver Resolver
	Fetcher  Fetcher
	Plugins  PluginSource
	Runtime  Runtime
	Logs     LogSource
	Logger   *logrus.Logger

	// MaxRetries 为下载失败后的最大重试次数，0 表示不重试。
	MaxRetries     int
	InitialBackoff time.Duration
}

// CreateRequest 描述一次实例创建请求，Name 为空时以构件文件名命名，
// Options 为空时使用 DefaultQuickOptions。
type CreateRequest struct {
	Brand   Brand
	Version string
	Name    string
	Options *QuickOptions
}

// Manager 编排实例的创建、插件管理、删除、启动与日志读取。
// 同名操作通过引用计数的按名互斥锁串行执行，不同名称之间互不阻塞。
type Manager struct {
	registry *Registry
	store    storage.Store
	resolver Resolver
	fetcher  Fetcher
	plugins  PluginSource
	runtime  Runtime
	logs     LogSource
	logger   *logrus.Logger

	maxRetries     int
	initialBackoff time.Duration

	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager 校验依赖并构造 Manager。
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("manager: registry required")
	case cfg.Store == nil:
		return nil, errors.New("manager: store required")
	case cfg.Resolver == nil:
		return nil, errors.New("manager: resolver required")
	case cfg.Fetcher == nil:
		return nil, errors.New("manager: fetcher required")
	case cfg.Plugins == nil:
		return nil, errors.New("manager: plugin source required")
	case cfg.Runtime == nil:
		return nil, errors.New("manager: runtime required")
	case cfg.Logs == nil:
		return nil, errors.New("manager: log source required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	metrics.Instances.Set(float64(cfg.Registry.Len()))

	return &Manager{
		registry:       cfg.Registry,
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		fetcher:        cfg.Fetcher,
		plugins:        cfg.Plugins,
		runtime:        cfg.Runtime,
		logs:           cfg.Logs,
		logger:         logger,
		maxRetries:     retries,
		initialBackoff: backoff,
		locks:          make(map[string]*nameLock),
	}, nil
}

// List 返回全部实例。
func (m *Manager) List() []Instance {
	return m.registry.List()
}

// FindByName 按名称查找实例。
func (m *Manager) FindByName(name string) (Instance, error) {
	return m.registry.Find(name)
}

// CreateInstance 解析版本、下载服务端构件并登记实例。下载失败时不会写入注册表。
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (inst Instance, err error) {
	defer observe("create", &err)

	switch req.Brand {
	case BrandVanilla, BrandPaper:
	default:
		return Instance{}, fmt.Errorf("%w: unknown brand %q", apperr.ErrInvalidInput, req.Brand)
	}
	if req.Version == "" {
		return Instance{}, fmt.Errorf("%w: version required", apperr.ErrInvalidInput)
	}
	options := DefaultQuickOptions()
	if req.Options != nil {
		options = *req.Options
	}
	if err := options.Validate(); err != nil {
		return Instance{}, err
	}

	name := req.Name
	if name != "" {
		if err := storage.ValidateInstanceName(name); err != nil {
			return Instance{}, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
		}
		unlock := m.lockName(name)
		defer unlock()
		if err := m.ensureAvailable(name); err != nil {
			return Instance{}, err
		}
	}

	artifactURL, err := m.resolver.Resolve(ctx, req.Brand, req.Version)
	if err != nil {
		return Instance{}, err
	}

	if name == "" {
		name = fetcher.FileNameFromURL(artifactURL)
		unlock := m.lockName(name)
		defer unlock()
		if err := m.ensureAvailable(name); err != nil {
			return Instance{}, err
		}
	}

	fields := logging.InstanceFields("create", name, req.Brand.String(), req.Version)
	existed, err := m.store.Exists(name)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}

	var artifact string
	err = m.withRetry(ctx, fields, func() error {
		var fetchErr error
		artifact, fetchErr = m.fetcher.Fetch(ctx, artifactURL, name)
		return fetchErr
	})
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		inst = Instance{
			Brand:     req.Brand,
			Build:     BuildInfo{Version: req.Version},
			Name:      name,
			Artifact:  artifact,
			Options:   options,
			Plugins:   []Plugin{},
			CreatedAt: time.Now().UTC(),
		}
		err = m.registry.Add(inst)
	}
	if err != nil {
		if !existed {
			m.cleanup(name, fields)
		}
		m.logger.WithFields(fields).WithError(err).Warn("实例创建失败")
		return Instance{}, err
	}

	metrics.Instances.Set(float64(m.registry.Len()))
	m.logger.WithFields(fields).WithField("artifact", artifact).Info("实例创建完成")
	return inst, nil
}

// AddPlugin 为 paper 实例安装指定插件版本。
func (m *Manager) AddPlugin(ctx context.Context, instanceName, pluginName, version string) (plugin Plugin, err error) {
	defer observe("add_plugin", &err)

	if pluginName == "" || version == "" {
		return Plugin{}, fmt.Errorf("%w: plugin name and version required", apperr.ErrInvalidInput)
	}
	fileName := PluginFileName(pluginName, version)
	if err := storage.ValidateInstanceName(fileName); err != nil {
		return Plugin{}, fmt.Errorf("%w: plugin file %q", apperr.ErrInvalidInput, fileName)
	}

	unlock := m.lockName(instanceName)
	defer unlock()

	inst, err := m.registry.Find(instanceName)
	if err != nil {
		return Plugin{}, err
	}
	if !inst.Brand.SupportsPlugins() {
		return Plugin{}, fmt.Errorf("%w: %s servers do not support plugins", apperr.ErrUnsupportedOperation, inst.Brand)
	}
	if inst.HasPlugin(pluginName, version) {
		return Plugin{}, fmt.Errorf("%w: plugin %s %s already installed", apperr.ErrDuplicateName, pluginName, version)
	}

	fields := logging.InstanceFields("add_plugin", inst.Name, inst.Brand.String(), inst.Build.Version)
	fields["plugin"] = pluginName
	fields["plugin_version"] = version

	relPath := PluginPath(pluginName, version)
	downloadURL := m.plugins.DownloadURL(pluginName, version)
	err = m.withRetry(ctx, fields, func() error {
		return m.fetcher.FetchAs(ctx, downloadURL, inst.Name, relPath)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		plugin = Plugin{Name: pluginName, Version: version, File: fileName}
		inst.Plugins = append(inst.Plugins, plugin)
		err = m.registry.Update(inst)
	}
	if err != nil {
		if removeErr := m.store.Remove(context.Background(), storage.Locator{Instance: inst.Name, Path: relPath}); removeErr != nil {
			m.logger.WithFields(fields).WithError(removeErr).Warn("插件文件清理失败")
		}
		m.logger.WithFields(fields).WithError(err).Warn("插件安装失败")
		return Plugin{}, err
	}

	m.logger.WithFields(fields).Info("插件安装完成")
	return plugin, nil
}

// DeletePlugin 删除插件文件与描述，文件已缺失时仅移除描述。
func (m *Manager) DeletePlugin(ctx context.Context, instanceName, pluginName, version string) (err error) {
	defer observe("delete_plugin", &err)

	unlock := m.lockName(instanceName)
	defer unlock()

	inst, err := m.registry.Find(instanceName)
	if err != nil {
		return err
	}
	idx := inst.pluginIndex(pluginName, version)
	if idx < 0 {
		return fmt.Errorf("%w: plugin %s %s on server %q", apperr.ErrNotFound, pluginName, version, instanceName)
	}

	file := inst.Plugins[idx].File
	if file == "" {
		file = inst.Plugins[idx].FileName()
	}
	if err := m.store.Remove(ctx, storage.Locator{Instance: inst.Name, Path: "plugins/" + file}); err != nil {
		return fmt.Errorf("remove plugin file: %w", err)
	}

	inst.Plugins = append(inst.Plugins[:idx], inst.Plugins[idx+1:]...)
	if err := m.registry.Update(inst); err != nil {
		return err
	}

	fields := logging.InstanceFields("delete_plugin", inst.Name, inst.Brand.String(), inst.Build.Version)
	fields["plugin"] = pluginName
	fields["plugin_version"] = version
	m.logger.WithFields(fields).Info("插件已删除")
	return nil
}

// DeleteInstance 依次删除实例目录与注册表记录，任一步失败都会返回错误。
func (m *Manager) DeleteInstance(ctx context.Context, name string) (err error) {
	defer observe("delete", &err)

	unlock := m.lockName(name)
	defer unlock()

	inst, err := m.registry.Find(name)
	if err != nil {
		return err
	}
	fields := logging.InstanceFields("delete", inst.Name, inst.Brand.String(), inst.Build.Version)

	if err := m.runtime.Teardown(ctx, inst.Name); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("实例目录删除失败")
		return fmt.Errorf("remove server directory: %w", err)
	}
	if err := m.registry.Remove(inst.Name); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("注册表记录删除失败")
		return err
	}
	m.logs.Drop(inst.Name)

	metrics.Instances.Set(float64(m.registry.Len()))
	m.logger.WithFields(fields).Info("实例已删除")
	return nil
}

// Start 在实例目录中启动服务端进程，启动失败不会修改注册表。
// 与同名删除互斥，避免启动前写入的配置文件重新创建已删除的目录。
func (m *Manager) Start(ctx context.Context, name string) (err error) {
	defer observe("start", &err)

	unlock := m.lockName(name)
	defer unlock()

	inst, err := m.registry.Find(name)
	if err != nil {
		return err
	}
	return m.runtime.Start(ctx, inst)
}

// RefreshLog 重新读取实例日志文件，替换缓存快照。
func (m *Manager) RefreshLog(ctx context.Context, name string) (err error) {
	defer observe("refresh_log", &err)

	if _, err := m.registry.Find(name); err != nil {
		return err
	}
	return m.logs.Refresh(ctx, name)
}

// LogChunks 返回最近一次快照的分块序列。
func (m *Manager) LogChunks(name string, size int) (iter.Seq[[]byte], error) {
	if _, err := m.registry.Find(name); err != nil {
		return nil, err
	}
	return m.logs.Chunks(name, size), nil
}

func (m *Manager) ensureAvailable(name string) error {
	if _, err := m.registry.Find(name); err == nil {
		return fmt.Errorf("%w: server %q", apperr.ErrDuplicateName, name)
	}
	return nil
}

// withRetry 对可重试错误按指数退避重试，ctx 取消时立即返回。
func (m *Manager) withRetry(ctx context.Context, fields logrus.Fields, fn func() error) error {
	backoff := m.initialBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !apperr.Retryable(err) || attempt >= m.maxRetries {
			return err
		}

		m.logger.WithFields(fields).WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("下载失败，准备重试")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (m *Manager) cleanup(name string, fields logrus.Fields) {
	if err := m.store.RemoveTree(context.Background(), name); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("实例目录清理失败")
	}
}

func (m *Manager) lockName(name string) func() {
	m.mu.Lock()
	lock := m.locks[name]
	if lock == nil {
		lock = &nameLock{}
		m.locks[name] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, name)
		}
		m.mu.Unlock()
	}
}

func observe(operation string, errp *error) {
	code := "ok"
	if *errp != nil {
		code = apperr.Code(*errp)
	}
	metrics.Operations.WithLabelValues(operation, code).Inc()
}
