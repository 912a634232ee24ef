package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、实例目录、注册表与进程启动参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	RegistryPath    string   `mapstructure:"RegistryPath"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	JavaPath        string   `mapstructure:"JavaPath"`
	MinMemory       string   `mapstructure:"MinMemory"`
	MaxMemory       string   `mapstructure:"MaxMemory"`
	ExtraJVMArgs    string   `mapstructure:"ExtraJVMArgs"`
	AcceptEULA      bool     `mapstructure:"AcceptEULA"`
	LogRelativePath string   `mapstructure:"LogRelativePath"`
}

// UpstreamConfig 汇总三个上游目录的基础地址。
type UpstreamConfig struct {
	// ManifestURL 指向 vanilla 版本清单（version_manifest_v2.json）。
	ManifestURL string `mapstructure:"ManifestURL"`
	// PaperAPI 是 paper 项目的 API 根，例如 https://api.papermc.io/v2/projects/paper。
	PaperAPI string `mapstructure:"PaperAPI"`
	// HangarAPI 是插件市场 API 根，例如 https://hangar.papermc.io/api/v1。
	HangarAPI        string `mapstructure:"HangarAPI"`
	PluginPlatform   string `mapstructure:"PluginPlatform"`
	TrendingPageSize int    `mapstructure:"TrendingPageSize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Upstream UpstreamConfig `mapstructure:"Upstream"`
}

// JVMArgs 返回启动参数中位于 -jar 之前的 JVM 选项。
func (g GlobalConfig) JVMArgs() []string {
	args := make([]string, 0, 4)
	if g.MinMemory != "" {
		args = append(args, "-Xms"+g.MinMemory)
	}
	if g.MaxMemory != "" {
		args = append(args, "-Xmx"+g.MaxMemory)
	}
	if extra := strings.TrimSpace(g.ExtraJVMArgs); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	return args
}
