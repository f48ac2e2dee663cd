package download

import (
	"fmt"
	"strings"

	"github.com/any-hub/any-image/internal/codec"
)

// Options 是单次下载的开关位集合。
type Options uint

const (
	// LowPriority 排在普通与高优先级操作之后。
	LowPriority Options = 1 << iota
	// ProgressiveDownload 在数据到达过程中回调部分结果。
	ProgressiveDownload
	// UseProtocolCache 允许中间缓存响应；默认请求带 no-cache。
	UseProtocolCache
	// IgnoreCachedResponse 对 304 或带 Age 的缓存响应回调空图片。
	IgnoreCachedResponse
	// ContinueInBackground 的操作在 Shutdown 时不会被取消，而是等待其完成。
	ContinueInBackground
	// HandleCookies 使用管理器共享的 cookie jar。
	HandleCookies
	// AllowInvalidCertificates 跳过 TLS 证书校验，仅在显式开启时使用。
	AllowInvalidCertificates
	// HighPriority 排在所有普通操作之前。
	HighPriority
	// ScaleDownLargeImages 对超出像素上限的图片解码后缩小。
	ScaleDownLargeImages
)

// Has 报告是否包含 flag 中的全部位。
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

func (o Options) priority() int {
	switch {
	case o.Has(HighPriority):
		return 1
	case o.Has(LowPriority):
		return -1
	default:
		return 0
	}
}

// ExecutionOrder 决定同优先级的排队操作的出队顺序。
type ExecutionOrder int

const (
	FIFO ExecutionOrder = iota
	LIFO
)

func (e ExecutionOrder) String() string {
	if e == LIFO {
		return "lifo"
	}
	return "fifo"
}

// ParseExecutionOrder 解析配置中的 fifo/lifo，空字符串视为 fifo。
func ParseExecutionOrder(s string) (ExecutionOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	default:
		return FIFO, fmt.Errorf("unknown execution order %q", s)
	}
}

// ProgressFunc 在收到响应头及每个数据块后被调用；expected 未知时为 -1。
type ProgressFunc func(received, expected int64)

// CompletedFunc 接收下载结果。finished 为 false 时是渐进式的中间结果，img 可能为空；
// 每个订阅者最终恰好收到一次 finished 为 true 的回调，除非它已被取消。
// data 只读，回调返回后仍可能被其他订阅者共享。
type CompletedFunc func(img *codec.Image, data []byte, err error, finished bool)
