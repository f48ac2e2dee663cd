package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	for i, p := range cfg.Cache.ReadOnlyPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("无法解析只读目录 %s: %w", p, err)
		}
		cfg.Cache.ReadOnlyPaths[i] = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("Namespace", "default")
	v.SetDefault("ShouldDecompressImages", true)
	v.SetDefault("ShouldCacheImagesInMemory", true)
	v.SetDefault("MaxCacheAge", 7*24*60*60)
	v.SetDefault("MaxCacheSize", 0)
	v.SetDefault("MaxMemoryCost", 64*1024*1024)
	v.SetDefault("MaxMemoryCountLimit", 0)
	v.SetDefault("CleanupInterval", "1h")
	v.SetDefault("MemoryPressureThreshold", 10)
	v.SetDefault("MaxConcurrentDownloads", 6)
	v.SetDefault("DownloadTimeout", "15s")
	v.SetDefault("ExecutionOrder", "fifo")
	v.SetDefault("FailedURLTTL", "10m")
	v.SetDefault("PrefetchConcurrency", 3)
}

func applyGlobalDefaults(cfg *Config) {
	if cfg.Global.ListenPort == 0 {
		cfg.Global.ListenPort = 5000
	}
	if strings.TrimSpace(cfg.Cache.Namespace) == "" {
		cfg.Cache.Namespace = "default"
	}
	if cfg.Download.MaxConcurrentDownloads == 0 {
		cfg.Download.MaxConcurrentDownloads = 6
	}
	if cfg.Download.PrefetchConcurrency == 0 {
		cfg.Download.PrefetchConcurrency = 3
	}
	cfg.Download.ExecutionOrder = strings.ToLower(strings.TrimSpace(cfg.Download.ExecutionOrder))
	if cfg.Download.ExecutionOrder == "" {
		cfg.Download.ExecutionOrder = "fifo"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
