package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/download"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("LogLevel", "仅支持 panic|fatal|error|warn|info|debug|trace")
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("LogMaxSize/LogMaxBackups", "不能为负数")
	}

	cc := c.Cache
	if strings.TrimSpace(cc.Namespace) == "" {
		return newFieldError("Namespace", "不能为空")
	}
	for _, p := range cc.ReadOnlyPaths {
		if strings.TrimSpace(p) == "" {
			return newFieldError("ReadOnlyPaths", "不允许空路径")
		}
	}
	if cc.MaxCacheAge.DurationValue() < 0 {
		return newFieldError("MaxCacheAge", "不能为负数")
	}
	if cc.MaxCacheSize < 0 {
		return newFieldError("MaxCacheSize", "不能为负数")
	}
	if cc.MaxMemoryCost < 0 {
		return newFieldError("MaxMemoryCost", "不能为负数")
	}
	if cc.MaxMemoryCountLimit < 0 {
		return newFieldError("MaxMemoryCountLimit", "不能为负数")
	}
	if cc.CleanupInterval.DurationValue() < 0 {
		return newFieldError("CleanupInterval", "不能为负数")
	}
	if cc.MemoryPressureThreshold < 0 || cc.MemoryPressureThreshold >= 100 {
		return newFieldError("MemoryPressureThreshold", "必须在 0-100 之间")
	}

	d := c.Download
	if d.MaxConcurrentDownloads <= 0 {
		return newFieldError("MaxConcurrentDownloads", "必须大于 0")
	}
	if d.DownloadTimeout.DurationValue() < 0 {
		return newFieldError("DownloadTimeout", "不能为负数")
	}
	if _, err := download.ParseExecutionOrder(d.ExecutionOrder); err != nil {
		return newFieldError("ExecutionOrder", "仅支持 fifo|lifo")
	}
	if d.Username == "" && d.Password != "" {
		return newFieldError("Username/Password", "提供 Password 时必须提供 Username")
	}
	for key := range d.Headers {
		if strings.TrimSpace(key) == "" {
			return newFieldError("Headers", "请求头名称不能为空")
		}
	}
	if d.FailedURLTTL.DurationValue() < 0 {
		return newFieldError("FailedURLTTL", "不能为负数")
	}
	if d.PrefetchConcurrency < 0 {
		return newFieldError("PrefetchConcurrency", fmt.Sprintf("不能为负数: %d", d.PrefetchConcurrency))
	}

	return nil
}
