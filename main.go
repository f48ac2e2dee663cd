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

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/config"
	"github.com/any-hub/any-image/internal/logging"
	"github.com/any-hub/any-image/internal/server"
	"github.com/any-hub/any-image/internal/server/routes"
	"github.com/any-hub/any-image/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath   string
	checkOnly    bool
	showVersion  bool
	pruneOnly    bool
	prefetchFile string
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
	os.Exit(runCLI(opts))
}

// runCLI 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func runCLI(opts cliOptions) int {
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
		for k, v := range logging.StartupFields(cfg) {
			fields[k] = v
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer svc.close(logger)

	switch {
	case opts.pruneOnly:
		return runPrune(svc, opts, logger)
	case opts.prefetchFile != "":
		return runPrefetch(svc, opts, logger)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range logging.StartupFields(cfg) {
		fields[k] = v
	}
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-image", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag   string
		checkOnly    bool
		showVer      bool
		pruneOnly    bool
		prefetchFile string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_IMAGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&pruneOnly, "prune", false, "执行一次磁盘清理后退出")
	fs.StringVar(&prefetchFile, "prefetch", "", "预取清单文件（每行一个 URL），完成后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_IMAGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:   path,
		checkOnly:    checkOnly,
		showVersion:  showVer,
		pruneOnly:    pruneOnly,
		prefetchFile: prefetchFile,
	}, nil
}

func runPrune(svc *services, opts cliOptions, logger *logrus.Logger) int {
	result, err := svc.cache.PruneExpiredSync()
	if err != nil {
		fmt.Fprintf(stdErr, "磁盘清理失败: %v\n", err)
		return 1
	}
	fields := logging.BaseFields("prune", opts.configPath)
	fields["expired"] = result.Expired
	fields["trimmed"] = result.Trimmed
	fields["freed_bytes"] = result.FreedBytes
	fields["remaining_files"] = result.Remaining.Count
	fields["remaining_bytes"] = result.Remaining.Bytes
	logger.WithFields(fields).Info("磁盘清理完成")
	return 0
}

func runPrefetch(svc *services, opts cliOptions, logger *logrus.Logger) int {
	urls, err := readURLList(opts.prefetchFile)
	if err != nil {
		fmt.Fprintf(stdErr, "读取预取清单失败: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	finished, skipped := svc.prefetcher.Prefetch(ctx, urls, func(done, total int) {
		logger.WithFields(logrus.Fields{
			"action":   "prefetch",
			"finished": done,
			"total":    total,
		}).Debug("prefetch_progress")
	})

	fields := logging.BaseFields("prefetch", opts.configPath)
	fields["total"] = len(urls)
	fields["finished"] = finished
	fields["skipped"] = skipped
	logger.WithFields(fields).Info("预取完成")
	if ctx.Err() != nil {
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serve 以 run.Group 管理 HTTP 服务、磁盘清理、内存监控、黑名单过期与日志切分，任一退出即全部收尾。
func serve(cfg *config.Config, svc *services, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Manager:    svc.manager,
		Codecs:     svc.codecs,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, svc.manager, logger)
	routes.RegisterMetricsRoute(app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	{
		execute, interrupt := run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM)
		g.Add(execute, interrupt)
	}
	{
		g.Add(func() error {
			logger.WithFields(logrus.Fields{
				"action": "listen",
				"port":   port,
			}).Info("Fiber 服务启动")
			return app.Listen(fmt.Sprintf(":%d", port))
		}, func(error) {
			if err := app.ShutdownWithTimeout(shutdownGracePeriod); err != nil {
				logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 服务关闭失败")
			}
		})
	}
	{
		interval := cfg.Cache.CleanupInterval.DurationValue()
		g.Add(func() error {
			return svc.cache.Run(ctx, interval)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return svc.pressure.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return svc.manager.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		g.Add(func() error {
			for {
				select {
				case <-hup:
					if err := logging.Rotate(logger); err != nil {
						logger.WithError(err).WithField("action", "log_rotate").Warn("日志切分失败")
					}
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			signal.Stop(hup)
			cancel()
		})
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"signal": sig.Signal.String(),
		}).Info("收到退出信号")
		return nil
	}
	return err
}
