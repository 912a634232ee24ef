// Package process 在实例目录中启动服务端 JVM 进程，并负责删除实例目录树。
//
// 进程以后台方式启动，不等待退出；停止与运行状态监控暂未实现。
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/config"
	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/storage"
)

// Controller 持有 JVM 启动参数与实例存储。
type Controller struct {
	global config.GlobalConfig
	store  storage.Store
	logger *logrus.Logger
}

// New 构造 Controller。
func New(global config.GlobalConfig, store storage.Store, logger *logrus.Logger) *Controller {
	return &Controller{global: global, store: store, logger: logger}
}

// Command 返回启动实例所需的可执行文件与参数：java -Xms -Xmx [extra] -jar <artifact> nogui。
func (c *Controller) Command(inst instance.Instance) (string, []string) {
	args := append(c.global.JVMArgs(), "-jar", inst.Artifact, "nogui")
	return c.global.JavaPath, args
}

// Start 启动实例进程后立即返回，由后台 goroutine 回收进程并记录退出状态。启动失败不做重试。
func (c *Controller) Start(ctx context.Context, inst instance.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := c.store.Dir(inst.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if inst.Artifact == "" {
		return fmt.Errorf("%w: server %q has no artifact recorded", apperr.ErrNotFound, inst.Name)
	}
	if _, err := os.Stat(filepath.Join(dir, inst.Artifact)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: artifact %s missing in %s", apperr.ErrNotFound, inst.Artifact, dir)
		}
		return fmt.Errorf("stat artifact: %w", err)
	}

	if c.global.AcceptEULA {
		if _, err := c.store.Put(ctx, storage.Locator{Instance: inst.Name, Path: "eula.txt"}, strings.NewReader("eula=true\n"), storage.PutOptions{}); err != nil {
			return fmt.Errorf("writing eula.txt: %w", err)
		}
	}
	if err := c.writeProperties(ctx, inst); err != nil {
		return fmt.Errorf("writing %s: %w", PropertiesFile, err)
	}

	name, args := c.Command(inst)
	binary, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("java runtime not found at %s: %w", name, err)
	}

	// 进程生命周期独立于请求，不能使用 CommandContext。
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}

	fields := logrus.Fields{
		"action":  "start",
		"server":  inst.Name,
		"brand":   inst.Brand.String(),
		"version": inst.Build.Version,
		"pid":     cmd.Process.Pid,
	}
	c.emit(fields, nil, "服务端进程已启动")

	started := time.Now()
	go func() {
		err := cmd.Wait()
		exitFields := logrus.Fields{}
		for k, v := range fields {
			exitFields[k] = v
		}
		exitFields["action"] = "exit"
		exitFields["uptime_ms"] = time.Since(started).Milliseconds()
		if cmd.ProcessState != nil {
			exitFields["exit_code"] = cmd.ProcessState.ExitCode()
		}
		c.emit(exitFields, err, "服务端进程已退出")
	}()
	return nil
}

// Teardown 递归删除实例目录，目录不存在视为成功。
func (c *Controller) Teardown(ctx context.Context, name string) error {
	if err := c.store.RemoveTree(ctx, name); err != nil {
		return err
	}
	c.emit(logrus.Fields{"action": "teardown", "server": name}, nil, "实例目录已删除")
	return nil
}

func (c *Controller) emit(fields logrus.Fields, err error, msg string) {
	if c.logger == nil {
		return
	}
	entry := c.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn(msg)
		return
	}
	entry.Info(msg)
}
