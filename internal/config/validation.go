package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedLogLevels[strings.ToLower(strings.TrimSpace(g.LogLevel))]; !ok {
		return newFieldError("Global.LogLevel", "仅支持 trace/debug/info/warn/error/fatal/panic")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.RegistryPath == "" {
		return newFieldError("Global.RegistryPath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if strings.TrimSpace(g.JavaPath) == "" {
		return newFieldError("Global.JavaPath", "不能为空")
	}
	if err := validateRelativePath(g.LogRelativePath); err != nil {
		return fmt.Errorf("Global.LogRelativePath: %w", err)
	}

	u := c.Upstream
	if err := validateUpstream(u.ManifestURL); err != nil {
		return fmt.Errorf("%s: %w", upstreamField("ManifestURL"), err)
	}
	if err := validateUpstream(u.PaperAPI); err != nil {
		return fmt.Errorf("%s: %w", upstreamField("PaperAPI"), err)
	}
	if err := validateUpstream(u.HangarAPI); err != nil {
		return fmt.Errorf("%s: %w", upstreamField("HangarAPI"), err)
	}
	if strings.ContainsAny(u.PluginPlatform, "/ ") {
		return newFieldError(upstreamField("PluginPlatform"), "不允许包含路径或空格")
	}
	if u.TrendingPageSize <= 0 || u.TrendingPageSize > 100 {
		return newFieldError(upstreamField("TrendingPageSize"), "必须在 1-100")
	}

	return nil
}

func validateRelativePath(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(raw, "/") {
		return errors.New("必须是实例目录内的相对路径")
	}
	clean := path.Clean(raw)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("不允许跳出实例目录")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
