package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/config"
	"github.com/any-hub/any-image/internal/download"
	"github.com/any-hub/any-image/internal/manager"
	"github.com/any-hub/any-image/internal/server"
)

const (
	pressureSampleInterval = 30 * time.Second
	shutdownGracePeriod    = 10 * time.Second
)

// services 汇总一次进程生命周期内共享的缓存、下载与编排实例。
type services struct {
	codecs     *codec.Registry
	cache      *cache.ImageCache
	downloader *download.Manager
	manager    *manager.Manager
	prefetcher *manager.Prefetcher
	pressure   *cache.PressureMonitor
}

// buildServices 遵循 “codec → 磁盘/内存缓存 → 下载管理器 → 编排器” 的顺序构建依赖。
func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	codecs := codec.Default()

	imageCache, err := cache.New(cache.Options{
		Root:          cfg.Global.StoragePath,
		Namespace:     cfg.Cache.Namespace,
		ReadOnlyPaths: cfg.Cache.ReadOnlyPaths,
		Config:        cfg.CacheEngineConfig(),
		Codecs:        codecs,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	downloader := download.NewManager(cfg.DownloaderConfig(), server.NewUpstreamClient(cfg), codecs, logger)
	downloader.SetHeadersFilter(server.UpstreamHeadersFilter)

	orchestrator := manager.New(imageCache, downloader, cfg.Download.FailedURLTTL.DurationValue(), logger)

	return &services{
		codecs:     codecs,
		cache:      imageCache,
		downloader: downloader,
		manager:    orchestrator,
		prefetcher: manager.NewPrefetcher(orchestrator, cfg.Download.PrefetchConcurrency, logger),
		pressure:   cache.NewPressureMonitor(imageCache, cfg.Cache.MemoryPressureThreshold, pressureSampleInterval, logger),
	}, nil
}

// close 先让下载收尾，再刷完磁盘队列。
func (s *services) close(logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := s.downloader.Shutdown(ctx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("下载未能在宽限期内结束")
	}
	s.cache.Close()
}

// readURLList 读取预取清单：每行一个 URL，忽略空行与 # 注释。
func readURLList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}
