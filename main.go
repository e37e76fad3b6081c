package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cache"
	"github.com/any-hub/simple-cache/internal/config"
	"github.com/any-hub/simple-cache/internal/logging"
	"github.com/any-hub/simple-cache/internal/server"
	"github.com/any-hub/simple-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// startupTimeout 限制缓存目录检查与索引加载的等待时间。
const startupTimeout = time.Minute

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
		fields["cache_dir"] = cfg.Cache.CacheDir
		fields["max_bytes"] = cfg.Cache.MaxBytesLabel()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 磁盘缓存 → 热更新 → Fiber server”，
	// 退出时逆序关闭，保证索引在进程结束前落盘。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := startCache(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer client.Close()

	if cfg.Cache.HotReload {
		reloader, err := config.WatchMaxBytes(opts.configPath, cfg.Cache.HotReloadInterval.DurationValue(), cfg.Cache.MaxBytes, client, logger)
		if err != nil {
			logger.WithFields(logging.BaseFields("hot_reload", opts.configPath)).WithError(err).Warn("配置热更新未启用")
		} else {
			defer reloader.Stop()
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = cfg.Cache.CacheDir
	fields["max_bytes"] = cfg.Cache.MaxBytesLabel()
	fields["optimistic"] = cfg.Cache.Optimistic
	fields["backend"] = client.Backend().ID()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, client, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("simple-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SIMPLE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SIMPLE_CACHE_CONFIG")
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

// cacheOptions 把配置映射为缓存后端参数。
func cacheOptions(cfg *config.Config, logger *logrus.Logger) cache.Options {
	return cache.Options{
		Dir:             cfg.Cache.CacheDir,
		MaxBytes:        cfg.Cache.MaxBytes,
		Optimistic:      cfg.Cache.Optimistic,
		Workers:         cfg.Cache.Workers,
		IndexFlushDelay: cfg.Cache.IndexFlushDelay.DurationValue(),
		Logger:          logger,
	}
}

func startCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*cache.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	return cache.Start(ctx, cacheOptions(cfg, logger))
}

func startHTTPServer(ctx context.Context, cfg *config.Config, client *cache.Client, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Store:      client,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("收到退出信号，停止 Fiber 服务")
	if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
