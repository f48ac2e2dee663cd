package manager

import (
	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/download"
)

// Options 控制单次 LoadImage 的缓存与下载行为。
type Options uint

const (
	// RetryFailed 忽略失败黑名单。
	RetryFailed Options = 1 << iota
	LowPriority
	// CacheMemoryOnly 下载结果只写内存层。
	CacheMemoryOnly
	ProgressiveDownload
	// RefreshCached 命中缓存后仍然请求网络，由上游缓存语义决定是否返回新数据。
	RefreshCached
	ContinueInBackground
	HandleCookies
	AllowInvalidSSLCertificates
	HighPriority
	ScaleDownLargeImages
	// AvoidAutoStore 下载结果不写入缓存，由调用方自行处理。
	AvoidAutoStore
)

// Has 报告是否包含 flag 中的全部位。
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

func (o Options) download() download.Options {
	var opts download.Options
	pairs := []struct {
		from Options
		to   download.Options
	}{
		{LowPriority, download.LowPriority},
		{ProgressiveDownload, download.ProgressiveDownload},
		{ContinueInBackground, download.ContinueInBackground},
		{HandleCookies, download.HandleCookies},
		{AllowInvalidSSLCertificates, download.AllowInvalidCertificates},
		{HighPriority, download.HighPriority},
		{ScaleDownLargeImages, download.ScaleDownLargeImages},
		{RefreshCached, download.UseProtocolCache | download.IgnoreCachedResponse},
	}
	for _, p := range pairs {
		if o.Has(p.from) {
			opts |= p.to
		}
	}
	return opts
}

// CompletedFunc 接收 LoadImage 的结果。finished 为 false 时是渐进式中间结果，
// 或是 RefreshCached 下先行返回的缓存图片。tier 标识结果来源，网络结果为 TierNone。
type CompletedFunc func(img *codec.Image, data []byte, err error, tier cache.Tier, finished bool, url string)

// CacheKeyFilter 把 URL 映射为缓存 key，例如去掉签名参数。
type CacheKeyFilter func(url string) string
