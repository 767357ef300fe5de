package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/backend"
	"github.com/nix-hub/nix-hub/internal/config"
	"github.com/nix-hub/nix-hub/internal/gateway"
	"github.com/nix-hub/nix-hub/internal/logging"
	"github.com/nix-hub/nix-hub/internal/proxy"
	"github.com/nix-hub/nix-hub/internal/server"
	"github.com/nix-hub/nix-hub/internal/version"
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
		fields["mirrors"] = len(cfg.Mirrors)
		fields["origins"] = len(cfg.Origins)
		fields["store_enabled"] = cfg.StoreEnabled()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	resolver, store, err := buildResolver(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化解析引擎失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["mirrors"] = len(cfg.Mirrors)
	fields["origins"] = len(cfg.Origins)
	fields["store_enabled"] = cfg.StoreEnabled()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, resolver, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildResolver 遵循“配置 → HTTP 层 → 对象存储层 → 解析引擎”顺序装配，
// 保证所有请求共享同一批后端实例与合并表。
func buildResolver(cfg *config.Config, logger *logrus.Logger) (*gateway.Resolver, backend.Store, error) {
	httpClient := server.NewUpstreamClient()
	attemptTimeout := cfg.Global.AttemptTimeout.DurationValue()

	var mirrors backend.Backend
	if len(cfg.Mirrors) > 0 {
		tier, err := backend.NewHTTPBackend("mirror", cfg.MirrorURLs(), httpClient, attemptTimeout)
		if err != nil {
			return nil, nil, err
		}
		mirrors = tier
	}

	var store backend.Store
	if cfg.StoreEnabled() {
		tier, err := backend.NewS3Backend(context.Background(), cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		store = tier
	}

	origins, err := backend.NewHTTPBackend("origin", cfg.OriginURLs(), httpClient, attemptTimeout)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := gateway.NewResolver(gateway.Options{
		Mirrors:        mirrors,
		Store:          store,
		Origins:        origins,
		Logger:         logger,
		ResolveTimeout: cfg.Global.ResolveTimeout.DurationValue(),
		NegativeTTL:    cfg.Global.NegativeTTL.DurationValue(),
		TeeWindowBytes: int64(cfg.Global.TeeWindowBytes),
		MaxUploads:     cfg.Global.MaxUploads,
	})
	if err != nil {
		return nil, nil, err
	}
	return resolver, store, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("nix-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NIX_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NIX_HUB_CONFIG")
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

func startHTTPServer(cfg *config.Config, resolver *gateway.Resolver, store backend.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(resolver, store, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Artifacts: handler,
		CacheInfo: server.CacheInfo{
			StoreDir: cfg.Global.StoreDir,
			Priority: cfg.Global.CacheInfoPriority,
		},
		Inflight: resolver.Inflight,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
