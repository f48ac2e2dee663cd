package cache

import "time"

// DefaultMaxCacheAge 是磁盘条目默认保留时长（一周）。
const DefaultMaxCacheAge = 7 * 24 * time.Hour

// Config 是缓存引擎消费的运行参数。
type Config struct {
	ShouldDecompressImages    bool
	ShouldCacheImagesInMemory bool
	// MaxCacheAge 不大于 0 时不做年龄清理。
	MaxCacheAge time.Duration
	// MaxCacheSize 为 0 时不做容量清理。
	MaxCacheSize int64
	// MaxMemoryCost/MaxMemoryCountLimit 为 0 时不限制。
	MaxMemoryCost       int64
	MaxMemoryCountLimit int
}

// DefaultConfig 返回默认配置：解压、启用内存缓存、磁盘保留一周。
func DefaultConfig() Config {
	return Config{
		ShouldDecompressImages:    true,
		ShouldCacheImagesInMemory: true,
		MaxCacheAge:               DefaultMaxCacheAge,
	}
}

// Tier 标识命中来源。
type Tier int

const (
	TierNone Tier = iota
	TierDisk
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDisk:
		return "disk"
	case TierMemory:
		return "memory"
	default:
		return "none"
	}
}
