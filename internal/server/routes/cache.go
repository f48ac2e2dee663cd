package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/imgerr"
	"github.com/any-hub/any-image/internal/manager"
)

// RegisterCacheRoutes 暴露 /-/cache 与 /-/downloads 诊断接口，供 SRE 查看与清理缓存。
func RegisterCacheRoutes(app *fiber.App, m *manager.Manager, logger *logrus.Logger) {
	if app == nil || m == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		imageCache := m.Cache()
		return c.JSON(fiber.Map{
			"stats":  imageCache.Stats(),
			"config": encodeCacheConfig(imageCache.Config()),
		})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		scope := strings.ToLower(strings.TrimSpace(c.Query("scope", "all")))
		imageCache := m.Cache()
		switch scope {
		case "memory":
			imageCache.ClearMemory()
		case "disk", "all":
			if scope == "all" {
				imageCache.ClearMemory()
			}
			done := make(chan error, 1)
			imageCache.ClearDisk(func(err error) { done <- err })
			if err := <-done; err != nil {
				logger.WithError(err).WithField("action", "cache_clear").Warn("cache_clear_failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": errors.ToJSON(err)})
			}
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_scope"})
		}
		logger.WithFields(logrus.Fields{"action": "cache_clear", "scope": scope}).Info("cache_cleared")
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/-/cache/prune", func(c fiber.Ctx) error {
		result, err := m.Cache().PruneExpiredSync()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": errors.ToJSON(err)})
		}
		return c.JSON(result)
	})

	app.Delete("/-/cache/entry", func(c fiber.Ctx) error {
		url := strings.TrimSpace(c.Query("url"))
		if url == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errors.ToJSON(imgerr.InvalidKey("remove"))})
		}
		done := make(chan struct{})
		m.Cache().Remove(m.CacheKeyForURL(url), true, func() { close(done) })
		<-done
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/downloads", func(c fiber.Ctx) error {
		downloader := m.Downloader()
		return c.JSON(fiber.Map{
			"active":          downloader.CurrentDownloadCount(),
			"max_concurrent":  downloader.MaxConcurrentDownloads(),
			"timeout_seconds": downloader.Timeout().Seconds(),
			"suspended":       downloader.IsSuspended(),
		})
	})

	app.Put("/-/downloads", func(c fiber.Ctx) error {
		downloader := m.Downloader()
		if raw := c.Query("suspended"); raw != "" {
			suspended, err := strconv.ParseBool(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_suspended"})
			}
			downloader.SetSuspended(suspended)
		}
		if raw := c.Query("max_concurrent"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_max_concurrent"})
			}
			downloader.SetMaxConcurrentDownloads(n)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/failed", func(c fiber.Ctx) error {
		m.ClearFailed()
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// RegisterMetricsRoute 通过 adaptor 挂载 Prometheus 默认 registry。
func RegisterMetricsRoute(app *fiber.App) {
	if app == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type cacheConfigPayload struct {
	MaxCacheAgeSeconds  int64 `json:"max_cache_age_seconds"`
	MaxCacheSize        int64 `json:"max_cache_size"`
	MaxMemoryCost       int64 `json:"max_memory_cost"`
	MaxMemoryCountLimit int   `json:"max_memory_count_limit"`
	DecompressImages    bool  `json:"decompress_images"`
	MemoryCache         bool  `json:"memory_cache"`
}

func encodeCacheConfig(cfg cache.Config) cacheConfigPayload {
	return cacheConfigPayload{
		MaxCacheAgeSeconds:  int64(cfg.MaxCacheAge.Seconds()),
		MaxCacheSize:        cfg.MaxCacheSize,
		MaxMemoryCost:       cfg.MaxMemoryCost,
		MaxMemoryCountLimit: cfg.MaxMemoryCountLimit,
		DecompressImages:    cfg.ShouldDecompressImages,
		MemoryCache:         cfg.ShouldCacheImagesInMemory,
	}
}
