package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultManifestURL    = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"
	defaultPaperAPI       = "https://api.papermc.io/v2/projects/paper"
	defaultHangarAPI      = "https://hangar.papermc.io/api/v1"
	defaultPluginPlatform = "PAPER"
	defaultTrendingSize   = 25
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyUpstreamDefaults(&cfg.Upstream)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5050)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./servers")
	v.SetDefault("RegistryPath", "./cache/servers.toml")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("JavaPath", "java")
	v.SetDefault("MinMemory", "1G")
	v.SetDefault("MaxMemory", "2G")
	v.SetDefault("AcceptEULA", false)
	v.SetDefault("LogRelativePath", "logs/latest.log")
	v.SetDefault("Upstream.ManifestURL", defaultManifestURL)
	v.SetDefault("Upstream.PaperAPI", defaultPaperAPI)
	v.SetDefault("Upstream.HangarAPI", defaultHangarAPI)
	v.SetDefault("Upstream.PluginPlatform", defaultPluginPlatform)
	v.SetDefault("Upstream.TrendingPageSize", defaultTrendingSize)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5050
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if strings.TrimSpace(g.JavaPath) == "" {
		g.JavaPath = "java"
	}
	if strings.TrimSpace(g.LogRelativePath) == "" {
		g.LogRelativePath = "logs/latest.log"
	}
}

// ApplyUpstreamDefaults 为未填写的上游字段补齐官方地址，测试或嵌入场景下也可直接调用。
func ApplyUpstreamDefaults(u *UpstreamConfig) {
	applyUpstreamDefaults(u)
}

func applyUpstreamDefaults(u *UpstreamConfig) {
	if strings.TrimSpace(u.ManifestURL) == "" {
		u.ManifestURL = defaultManifestURL
	}
	if strings.TrimSpace(u.PaperAPI) == "" {
		u.PaperAPI = defaultPaperAPI
	}
	if strings.TrimSpace(u.HangarAPI) == "" {
		u.HangarAPI = defaultHangarAPI
	}
	u.PaperAPI = strings.TrimSuffix(u.PaperAPI, "/")
	u.HangarAPI = strings.TrimSuffix(u.HangarAPI, "/")
	if strings.TrimSpace(u.PluginPlatform) == "" {
		u.PluginPlatform = defaultPluginPlatform
	}
	u.PluginPlatform = strings.ToUpper(strings.TrimSpace(u.PluginPlatform))
	if u.TrendingPageSize <= 0 {
		u.TrendingPageSize = defaultTrendingSize
	}
}

func absolutize(g *GlobalConfig) error {
	absStorage, err := filepath.Abs(g.StoragePath)
	if err != nil {
		return fmt.Errorf("无法解析实例目录: %w", err)
	}
	g.StoragePath = absStorage

	absRegistry, err := filepath.Abs(g.RegistryPath)
	if err != nil {
		return fmt.Errorf("无法解析注册表路径: %w", err)
	}
	g.RegistryPath = absRegistry
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
