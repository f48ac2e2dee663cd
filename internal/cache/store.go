package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责单个命名空间的磁盘读写。磁盘布局遵循：
//
//	<Root>/<md5(namespace)>/<md5(key)>[.ext]    # 原始图片字节
//
// 没有索引文件，文件的 ModTime/Size 由文件系统提供，清理时直接遍历目录。
// ImageCache 只在串行磁盘队列上调用这些方法。
type Store interface {
	// Get 依次查找可写根目录与只读目录，返回可流式读取的条目。不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Put 写入可写根目录。实现需通过临时文件 + rename 保证原子性，并在失败时清理临时文件。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除可写根目录中的条目，不存在时不报错。
	Remove(ctx context.Context, key string) error

	// Exists 判断任一搜索路径中是否存在条目。
	Exists(key string) bool

	// Clear 删除整个命名空间目录并重建。
	Clear(ctx context.Context) error

	// Usage 遍历可写根目录统计文件数与字节数。
	Usage(ctx context.Context) (Usage, error)

	// Prune 执行两阶段清理：先按年龄删除，再在仍超限时按时间从旧到新删到 MaxSize 的一半。
	Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error)

	// AddReadOnlyPath 追加只读搜索目录（例如随包分发的预置缓存）。
	AddReadOnlyPath(path string)

	// Path 返回 key 在可写根目录下的文件路径。
	Path(key string) string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 描述一个磁盘条目，包含绝对文件路径及文件信息。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Usage 是磁盘层的文件数与总字节数。
type Usage struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// PrunePolicy 是一次清理的约束；零值字段表示不启用对应阶段。
type PrunePolicy struct {
	MaxAge  time.Duration
	MaxSize int64
	Now     time.Time
}

// PruneResult 汇总一次清理的结果。
type PruneResult struct {
	Expired    int   `json:"expired"`
	Trimmed    int   `json:"trimmed"`
	FreedBytes int64 `json:"freed_bytes"`
	Remaining  Usage `json:"remaining"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
