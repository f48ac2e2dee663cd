package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志与存储根目录。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
}

// CacheConfig 对应两层缓存与后台清理。
type CacheConfig struct {
	Namespace                 string   `mapstructure:"Namespace"`
	ReadOnlyPaths             []string `mapstructure:"ReadOnlyPaths"`
	ShouldDecompressImages    bool     `mapstructure:"ShouldDecompressImages"`
	ShouldCacheImagesInMemory bool     `mapstructure:"ShouldCacheImagesInMemory"`
	MaxCacheAge               Duration `mapstructure:"MaxCacheAge"`
	MaxCacheSize              int64    `mapstructure:"MaxCacheSize"`
	MaxMemoryCost             int64    `mapstructure:"MaxMemoryCost"`
	MaxMemoryCountLimit       int      `mapstructure:"MaxMemoryCountLimit"`
	CleanupInterval           Duration `mapstructure:"CleanupInterval"`
	// MemoryPressureThreshold 是触发内存层清空的可用内存百分比，0 表示关闭。
	MemoryPressureThreshold float64 `mapstructure:"MemoryPressureThreshold"`
}

// DownloadConfig 对应下载管理器与编排层。
type DownloadConfig struct {
	MaxConcurrentDownloads int               `mapstructure:"MaxConcurrentDownloads"`
	DownloadTimeout        Duration          `mapstructure:"DownloadTimeout"`
	ExecutionOrder         string            `mapstructure:"ExecutionOrder"`
	Username               string            `mapstructure:"Username"`
	Password               string            `mapstructure:"Password"`
	Headers                map[string]string `mapstructure:"Headers"`
	FailedURLTTL           Duration          `mapstructure:"FailedURLTTL"`
	PrefetchConcurrency    int               `mapstructure:"PrefetchConcurrency"`
}

// Config 是 TOML 文件映射的整体结构，所有键均位于顶层。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	Download DownloadConfig `mapstructure:",squash"`
}

// HasCredentials 表示是否配置了上游 Basic 认证。
func (d DownloadConfig) HasCredentials() bool {
	return d.Username != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (d DownloadConfig) AuthMode() string {
	if d.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}
