package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/config"
	"github.com/lunara/lunara/internal/fetcher"
	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/logging"
	"github.com/lunara/lunara/internal/logs"
	"github.com/lunara/lunara/internal/marketplace"
	"github.com/lunara/lunara/internal/process"
	"github.com/lunara/lunara/internal/resolver"
	"github.com/lunara/lunara/internal/server"
	"github.com/lunara/lunara/internal/server/routes"
	"github.com/lunara/lunara/internal/storage"
	"github.com/lunara/lunara/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["registry_path"] = cfg.Global.RegistryPath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 按“配置 → 实例目录/注册表 → 上游客户端 → Manager → Fiber 路由”的顺序装配依赖，
// 所有请求共享同一份注册表与存储实例。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, error) {
	store, err := storage.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化实例目录失败: %w", err)
	}

	registry, err := instance.OpenRegistry(cfg.Global.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("加载实例注册表失败: %w", err)
	}

	httpClient := server.NewUpstreamClient(cfg)
	catalog := marketplace.New(httpClient, cfg.Upstream, logger)

	manager, err := instance.NewManager(instance.ManagerConfig{
		Registry:       registry,
		Store:          store,
		Resolver:       resolver.New(httpClient, cfg.Upstream, logger),
		Fetcher:        fetcher.New(server.NewDownloadClient(cfg), store, logger, fetcher.WithIdleTimeout(cfg.Global.UpstreamTimeout.DurationValue())),
		Plugins:        catalog,
		Runtime:        process.New(cfg.Global, store, logger),
		Logs:           logs.NewReader(store, cfg.Global.LogRelativePath, logger),
		Logger:         logger,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterServerRoutes(app, manager)
	routes.RegisterPluginRoutes(app, catalog)
	routes.RegisterDiagnosticsRoutes(app)

	logger.WithFields(logrus.Fields{
		"action":    "bootstrap",
		"instances": registry.Len(),
		"registry":  registry.Path(),
	}).Info("实例注册表已加载")
	return app, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("lunara", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 LUNARA_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("LUNARA_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
