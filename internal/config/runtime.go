package config

import (
	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/download"
)

// CacheEngineConfig 把配置转换为缓存引擎参数。
func (c *Config) CacheEngineConfig() cache.Config {
	return cache.Config{
		ShouldDecompressImages:    c.Cache.ShouldDecompressImages,
		ShouldCacheImagesInMemory: c.Cache.ShouldCacheImagesInMemory,
		MaxCacheAge:               c.Cache.MaxCacheAge.DurationValue(),
		MaxCacheSize:              c.Cache.MaxCacheSize,
		MaxMemoryCost:             c.Cache.MaxMemoryCost,
		MaxMemoryCountLimit:       c.Cache.MaxMemoryCountLimit,
	}
}

// DownloaderConfig 把配置转换为下载管理器参数。ExecutionOrder 已在 Validate 中校验。
func (c *Config) DownloaderConfig() download.Config {
	order, _ := download.ParseExecutionOrder(c.Download.ExecutionOrder)
	headers := make(map[string]string, len(c.Download.Headers))
	for k, v := range c.Download.Headers {
		headers[k] = v
	}
	return download.Config{
		MaxConcurrentDownloads: c.Download.MaxConcurrentDownloads,
		Timeout:                c.Download.DownloadTimeout.DurationValue(),
		ExecutionOrder:         order,
		ShouldDecompressImages: c.Cache.ShouldDecompressImages,
		Username:               c.Download.Username,
		Password:               c.Download.Password,
		Headers:                headers,
	}
}
