package manager

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/download"
	"github.com/any-hub/any-image/internal/imgerr"
)

// DefaultFailedURLTTL 是失败 URL 默认的拉黑时长。
const DefaultFailedURLTTL = 10 * time.Minute

// Manager 编排 缓存查询 → 下载 → 解码 → 回写缓存 的完整流程。
type Manager struct {
	cache      *cache.ImageCache
	downloader *download.Manager
	failed     *ttlcache.Cache[string, struct{}]
	logger     *logrus.Logger

	mu        sync.RWMutex
	keyFilter CacheKeyFilter
	running   map[*Handle]struct{}
}

// New 构建编排器；failedTTL <= 0 时使用 DefaultFailedURLTTL。
func New(imageCache *cache.ImageCache, downloader *download.Manager, failedTTL time.Duration, logger *logrus.Logger) *Manager {
	if failedTTL <= 0 {
		failedTTL = DefaultFailedURLTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		cache:      imageCache,
		downloader: downloader,
		failed: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](failedTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		logger:  logger,
		running: make(map[*Handle]struct{}),
	}
}

// Cache 返回底层缓存引擎。
func (m *Manager) Cache() *cache.ImageCache { return m.cache }

// Downloader 返回底层下载管理器。
func (m *Manager) Downloader() *download.Manager { return m.downloader }

// Run 启动黑名单的过期清理，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context) error {
	go m.failed.Start()
	<-ctx.Done()
	m.failed.Stop()
	return nil
}

// SetCacheKeyFilter 安装 URL → key 的映射钩子，nil 表示直接使用 URL。
func (m *Manager) SetCacheKeyFilter(filter CacheKeyFilter) {
	m.mu.Lock()
	m.keyFilter = filter
	m.mu.Unlock()
}

// CacheKeyForURL 返回 URL 对应的缓存 key。
func (m *Manager) CacheKeyForURL(url string) string {
	if url == "" {
		return ""
	}
	m.mu.RLock()
	filter := m.keyFilter
	m.mu.RUnlock()
	if filter != nil {
		return filter(url)
	}
	return url
}

// IsFailed 报告 URL 是否仍在失败黑名单中。
func (m *Manager) IsFailed(url string) bool {
	return m.failed.Get(url) != nil
}

// ClearFailed 清空失败黑名单。
func (m *Manager) ClearFailed() {
	m.failed.DeleteAll()
}

// LoadImage 依次尝试内存、磁盘、网络，结果通过 completed 回调。URL 为空、非法或
// 在黑名单中时同步回调错误并返回 nil；否则返回可取消的句柄，取消后不再回调。
func (m *Manager) LoadImage(url string, opts Options, progress download.ProgressFunc, completed CompletedFunc) *Handle {
	if completed == nil {
		completed = func(*codec.Image, []byte, error, cache.Tier, bool, string) {}
	}
	if url == "" {
		completed(nil, nil, imgerr.InvalidKey("load"), cache.TierNone, true, url)
		return nil
	}
	if !opts.Has(RetryFailed) && m.IsFailed(url) {
		completed(nil, nil, imgerr.Blacklisted(url), cache.TierNone, true, url)
		return nil
	}

	h := &Handle{URL: url, manager: m}
	m.mu.Lock()
	m.running[h] = struct{}{}
	m.mu.Unlock()

	key := m.CacheKeyForURL(url)
	query := m.cache.Query(key, func(img *codec.Image, data []byte, tier cache.Tier) {
		if h.Cancelled() {
			return
		}
		if img != nil {
			m.logger.WithFields(logrus.Fields{
				"action": "load",
				"url":    url,
				"tier":   tier.String(),
			}).Debug("load_cache_hit")
			if !opts.Has(RefreshCached) {
				m.deliver(h, completed, img, data, nil, tier, true)
				return
			}
			completed(img, data, nil, tier, false, url)
		}
		m.fetch(h, key, opts, progress, completed, img, tier)
	})
	h.setQuery(query)
	return h
}

// fetch 在缓存未命中（或 RefreshCached）时发起下载。cached 是 RefreshCached 下先行返回的缓存图片。
func (m *Manager) fetch(h *Handle, key string, opts Options, progress download.ProgressFunc, completed CompletedFunc, cached *codec.Image, cachedTier cache.Tier) {
	url := h.URL
	token := m.downloader.Download(url, opts.download(), progress, func(img *codec.Image, data []byte, err error, finished bool) {
		if h.Cancelled() {
			return
		}
		if !finished {
			completed(img, data, nil, cache.TierNone, false, url)
			return
		}
		if err != nil {
			if imgerr.Permanent(err) {
				m.failed.Set(url, struct{}{}, ttlcache.DefaultTTL)
			}
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action": "load",
				"url":    url,
			}).Warn("load_download_failed")
			m.deliver(h, completed, nil, nil, err, cache.TierNone, true)
			return
		}

		if opts.Has(RetryFailed) {
			m.failed.Delete(url)
		}
		if img == nil && cached != nil {
			// 上游确认缓存仍然有效。
			m.deliver(h, completed, cached, nil, nil, cachedTier, true)
			return
		}
		if img != nil && !opts.Has(AvoidAutoStore) {
			m.cache.Store(img, data, key, !opts.Has(CacheMemoryOnly), nil)
		}
		m.deliver(h, completed, img, data, nil, cache.TierNone, true)
	})
	if token == nil {
		err := imgerr.InvalidURL(url)
		if download.ValidURL(url) && m.downloader.Closed() {
			err = imgerr.Cancelled("download")
		}
		m.deliver(h, completed, nil, nil, err, cache.TierNone, true)
		return
	}
	h.setToken(token)
}

func (m *Manager) deliver(h *Handle, completed CompletedFunc, img *codec.Image, data []byte, err error, tier cache.Tier, finished bool) {
	m.release(h)
	if h.Cancelled() {
		return
	}
	completed(img, data, err, tier, finished, h.URL)
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	delete(m.running, h)
	m.mu.Unlock()
}

// IsRunning 报告是否还有未结束的 LoadImage。
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running) > 0
}

// CancelAll 取消所有进行中的 LoadImage。
func (m *Manager) CancelAll() {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.running))
	for h := range m.running {
		handles = append(handles, h)
	}
	m.mu.RUnlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// SaveImageToCache 把调用方持有的图片写入两层缓存。
func (m *Manager) SaveImageToCache(img *codec.Image, url string) {
	if img == nil || url == "" {
		return
	}
	m.cache.Store(img, nil, m.CacheKeyForURL(url), true, nil)
}

// CachedImageExists 同步检查 URL 是否已在内存或磁盘中。
func (m *Manager) CachedImageExists(url string) bool {
	key := m.CacheKeyForURL(url)
	if key == "" {
		return false
	}
	if m.cache.ImageFromMemory(key) != nil {
		return true
	}
	return m.DiskImageExists(url)
}

// DiskImageExists 同步检查 URL 是否已在磁盘中。
func (m *Manager) DiskImageExists(url string) bool {
	key := m.CacheKeyForURL(url)
	if key == "" {
		return false
	}
	ch := make(chan bool, 1)
	m.cache.DiskImageExists(key, func(ok bool) { ch <- ok })
	return <-ch
}

// Handle 是一次 LoadImage 的取消句柄，覆盖缓存查询与下载两个阶段。
type Handle struct {
	URL string

	manager   *Manager
	mu        sync.Mutex
	cancelled bool
	query     *cache.Query
	token     *download.Token
}

func (h *Handle) setQuery(q *cache.Query) {
	h.mu.Lock()
	cancelled := h.cancelled
	if !cancelled {
		h.query = q
	}
	h.mu.Unlock()
	if cancelled {
		q.Cancel()
	}
}

func (h *Handle) setToken(t *download.Token) {
	h.mu.Lock()
	cancelled := h.cancelled
	if !cancelled {
		h.token = t
	}
	h.mu.Unlock()
	if cancelled {
		h.manager.downloader.Cancel(t)
	}
}

// Cancel 取消查询与下载订阅。重复调用无副作用。
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	query, token := h.query, h.token
	h.mu.Unlock()

	query.Cancel()
	if token != nil {
		h.manager.downloader.Cancel(token)
	}
	h.manager.release(h)
}

// Cancelled 报告句柄是否已取消。
func (h *Handle) Cancelled() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}
