package instance

import (
	"fmt"
	"strings"
	"time"

	"github.com/lunara/lunara/internal/apperr"
)

// Brand 是服务端发行品牌，创建后不可变。
type Brand string

const (
	// BrandVanilla 为官方参考发行版，不支持插件。
	BrandVanilla Brand = "vanilla"
	// BrandPaper 为支持插件的发行版。
	BrandPaper Brand = "paper"
)

// ParseBrand 忽略大小写解析品牌名称。
func ParseBrand(raw string) (Brand, error) {
	switch Brand(strings.ToLower(strings.TrimSpace(raw))) {
	case BrandVanilla:
		return BrandVanilla, nil
	case BrandPaper:
		return BrandPaper, nil
	}
	return "", fmt.Errorf("%w: unknown brand %q", apperr.ErrInvalidInput, raw)
}

// SupportsPlugins 报告该品牌是否允许安装插件。
func (b Brand) SupportsPlugins() bool {
	return b == BrandPaper
}

func (b Brand) String() string {
	return string(b)
}

// BuildInfo 记录创建时请求的版本号，仅在解析时与上游目录核对。
type BuildInfo struct {
	Version string `json:"version" toml:"version"`
}

// Plugin 以 (Name, Version) 标识，只在单个实例的插件列表内唯一。
type Plugin struct {
	Name    string `json:"name" toml:"name"`
	Version string `json:"version" toml:"version"`
	File    string `json:"file" toml:"file"`
}

// FileName 返回插件在 plugins/ 目录下的文件名。
func (p Plugin) FileName() string {
	return PluginFileName(p.Name, p.Version)
}

// PluginFileName 构造 <name>-<version>.jar。
func PluginFileName(name, version string) string {
	return name + "-" + version + ".jar"
}

// PluginPath 返回插件文件相对实例目录的路径。
func PluginPath(name, version string) string {
	return "plugins/" + PluginFileName(name, version)
}

// DefaultMaxPlayers 是未指定快捷选项时的玩家上限。
const DefaultMaxPlayers = 10

// QuickOptions 是创建时可选的常用服务端设置，启动前写入 server.properties。
type QuickOptions struct {
	Whitelist     bool `json:"whitelist" toml:"whitelist"`
	CommandBlocks bool `json:"command_blocks" toml:"command_blocks"`
	MaxPlayers    int  `json:"max_players" toml:"max_players"`
}

// DefaultQuickOptions 返回白名单关闭、命令方块关闭、最多 10 名玩家的默认设置。
func DefaultQuickOptions() QuickOptions {
	return QuickOptions{MaxPlayers: DefaultMaxPlayers}
}

// Validate 校验玩家上限为正数。
func (o QuickOptions) Validate() error {
	if o.MaxPlayers < 1 {
		return fmt.Errorf("%w: max_players must be positive, got %d", apperr.ErrInvalidInput, o.MaxPlayers)
	}
	return nil
}

// Instance 是注册表中持久化的服务器实例记录。目录固定为 <StoragePath>/<Name>。
type Instance struct {
	Brand     Brand        `json:"brand" toml:"brand"`
	Build     BuildInfo    `json:"build" toml:"build"`
	Name      string       `json:"name" toml:"name"`
	Artifact  string       `json:"artifact" toml:"artifact"`
	Options   QuickOptions `json:"options" toml:"options"`
	Plugins   []Plugin     `json:"plugins" toml:"plugins"`
	CreatedAt time.Time    `json:"created_at" toml:"created_at"`
}

// HasPlugin 判断实例是否已安装指定插件版本。
func (i *Instance) HasPlugin(name, version string) bool {
	return i.pluginIndex(name, version) >= 0
}

func (i *Instance) pluginIndex(name, version string) int {
	for idx, p := range i.Plugins {
		if p.Name == name && p.Version == version {
			return idx
		}
	}
	return -1
}

// clone 返回深拷贝，避免调用方修改注册表内部状态。
func (i Instance) clone() Instance {
	out := i
	out.Plugins = append([]Plugin(nil), i.Plugins...)
	if out.Plugins == nil {
		out.Plugins = []Plugin{}
	}
	return out
}
