package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/config"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// StartupFields 汇总启动日志需要的缓存与下载参数。
func StartupFields(cfg *config.Config) logrus.Fields {
	return logrus.Fields{
		"listen_port":       cfg.Global.ListenPort,
		"storage_path":      cfg.Global.StoragePath,
		"namespace":         cfg.Cache.Namespace,
		"read_only_paths":   len(cfg.Cache.ReadOnlyPaths),
		"max_cache_age":     cfg.Cache.MaxCacheAge.DurationValue().String(),
		"max_cache_size":    cfg.Cache.MaxCacheSize,
		"max_downloads":     cfg.Download.MaxConcurrentDownloads,
		"execution_order":   cfg.Download.ExecutionOrder,
		"auth_mode":         cfg.Download.AuthMode(),
		"memory_cache":      cfg.Cache.ShouldCacheImagesInMemory,
		"decompress_images": cfg.Cache.ShouldDecompressImages,
	}
}

// RequestFields 提供 url/key/命中层级字段，供图片请求日志复用。
func RequestFields(requestID, url, key, tier string) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"url":        url,
		"key":        key,
		"tier":       tier,
		"cache_hit":  tier != "none",
	}
}
