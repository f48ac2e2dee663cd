package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/imgerr"
	"github.com/any-hub/any-image/internal/metrics"
)

// Options 描述 ImageCache 的依赖与参数。Store 为空时按 Root/Namespace 新建磁盘存储。
type Options struct {
	Root          string
	Namespace     string
	ReadOnlyPaths []string
	Config        Config
	Store         Store
	Codecs        *codec.Registry
	Logger        *logrus.Logger
	Now           func() time.Time
}

// ImageCache 组合内存层、磁盘层与 codec 注册表，对外提供 store/query/remove/clear 契约。
// 所有磁盘操作都在同一个串行队列上执行。
type ImageCache struct {
	config Config
	store  Store
	writer DiskWriter
	memory *MemoryStore
	codecs *codec.Registry
	logger *logrus.Logger
	now    func() time.Time

	queue   *ioQueue
	flights singleflight.Group
	queries atomic.Uint64

	cfgMu sync.RWMutex
}

// QueryFunc 接收查询结果；未命中时 img 为空且 tier 为 TierNone。
type QueryFunc func(img *codec.Image, data []byte, tier Tier)

// New 创建缓存引擎。调用方负责在退出前调用 Close。
func New(opts Options) (*ImageCache, error) {
	store := opts.Store
	if store == nil {
		var err error
		store, err = NewStore(opts.Root, opts.Namespace)
		if err != nil {
			return nil, err
		}
	}
	for _, p := range opts.ReadOnlyPaths {
		store.AddReadOnlyPath(p)
	}

	codecs := opts.Codecs
	if codecs == nil {
		codecs = codec.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &ImageCache{
		config: opts.Config,
		store:  store,
		codecs: codecs,
		logger: logger,
		now:    now,
		queue:  newIOQueue(),
	}
	c.writer = NewDiskWriter(store, codecs, opts.Config.MaxCacheAge)
	c.writer.now = now
	c.memory = NewMemoryStore(opts.Config.MaxMemoryCost, opts.Config.MaxMemoryCountLimit, func(string, int64) {
		metrics.MemoryEvictions.Inc()
	})
	return c, nil
}

// Close 等待已提交的磁盘任务完成后停止磁盘队列。
func (c *ImageCache) Close() {
	c.queue.Close()
}

// Config 返回当前配置副本。
func (c *ImageCache) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.config
}

// SetMemoryLimits 调整内存层上限。
func (c *ImageCache) SetMemoryLimits(maxCost int64, maxCount int) {
	c.cfgMu.Lock()
	c.config.MaxMemoryCost = maxCost
	c.config.MaxMemoryCountLimit = maxCount
	c.cfgMu.Unlock()
	c.memory.SetLimits(maxCost, maxCount)
}

// Memory 暴露内存层，供统计与测试使用。
func (c *ImageCache) Memory() *MemoryStore {
	return c.memory
}

// AddReadOnlyPath 追加只读搜索目录。
func (c *ImageCache) AddReadOnlyPath(path string) {
	c.queue.Async(func() { c.store.AddReadOnlyPath(path) })
}

// DefaultCachePathForKey 返回 key 在可写目录下的路径。
func (c *ImageCache) DefaultCachePathForKey(key string) string {
	if key == "" {
		return ""
	}
	return c.store.Path(key)
}

// Store 写入内存层（除非全局关闭），toDisk 时在磁盘队列上异步落盘。
// data 为空时落盘前会先编码 img。done 可为空，在落盘结束（或无需落盘）后调用。
func (c *ImageCache) Store(img *codec.Image, data []byte, key string, toDisk bool, done func()) {
	if key == "" || (img == nil && len(data) == 0) {
		finish(done)
		return
	}
	cfg := c.Config()
	if cfg.ShouldCacheImagesInMemory && img != nil {
		c.memory.Set(key, img, img.Cost())
	}
	if !toDisk {
		finish(done)
		return
	}
	if !c.queue.Async(func() {
		c.writeToDisk(key, img, data)
		finishAsync(done)
	}) {
		finish(done)
	}
}

// StoreDataToDisk 同步写入原始字节，不经过内存层。
func (c *ImageCache) StoreDataToDisk(data []byte, key string) error {
	if key == "" {
		return imgerr.InvalidKey("store")
	}
	var err error
	if !c.queue.Sync(func() {
		_, err = c.writer.Write(context.Background(), key, nil, data)
	}) {
		return ErrStoreUnavailable
	}
	return err
}

// writeToDisk 只在磁盘队列上运行。失败只记日志，内存层条目保持不变。
func (c *ImageCache) writeToDisk(key string, img *codec.Image, data []byte) {
	if _, err := c.writer.Write(context.Background(), key, img, data); err != nil {
		metrics.DiskWrites.WithLabelValues("failed").Inc()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "disk_write",
			"key":    key,
		}).Warn("cache_disk_write_failed")
		return
	}
	metrics.DiskWrites.WithLabelValues("ok").Inc()
}

// Query 先同步检查内存层，未命中时把磁盘查找排入串行队列。同一 key 的并发未命中
// 共享一次磁盘读取。返回的句柄可取消；取消后 done 不会被调用。key 为空时立即以未命中回调并返回 nil。
func (c *ImageCache) Query(key string, done QueryFunc) *Query {
	if key == "" {
		if done != nil {
			done(nil, nil, TierNone)
		}
		return nil
	}

	if img := c.ImageFromMemory(key); img != nil {
		metrics.CacheQueries.WithLabelValues(TierMemory.String()).Inc()
		if done != nil {
			done(img, nil, TierMemory)
		}
		return nil
	}

	q := newQuery(key, c.queries.Inc())
	go func() {
		ch := c.flights.DoChan(key, func() (interface{}, error) {
			var hit diskHit
			if !c.queue.Sync(func() { hit = c.lookupDisk(key) }) {
				return diskHit{}, ErrStoreUnavailable
			}
			return hit, nil
		})

		select {
		case <-q.cancelled:
			return
		case res := <-ch:
			hit, _ := res.Val.(diskHit)
			tier := TierNone
			if hit.image != nil {
				tier = TierDisk
			}
			metrics.CacheQueries.WithLabelValues(tier.String()).Inc()
			q.finish(func() {
				if done != nil {
					done(hit.image, hit.data, tier)
				}
			})
		}
	}()
	return q
}

type diskHit struct {
	image *codec.Image
	data  []byte
}

// lookupDisk 只在磁盘队列上运行：读取、解码、解压，并把结果提升回内存层。
func (c *ImageCache) lookupDisk(key string) diskHit {
	if img, ok := c.memory.Get(key); ok {
		return diskHit{image: img}
	}
	data, err := c.readDisk(key)
	if err != nil {
		return diskHit{}
	}
	img := c.decode(key, data)
	if img == nil {
		return diskHit{}
	}
	if c.Config().ShouldCacheImagesInMemory {
		c.memory.Set(key, img, img.Cost())
	}
	return diskHit{image: img, data: data}
}

func (c *ImageCache) readDisk(key string) ([]byte, error) {
	result, err := c.store.Get(context.Background(), key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WithError(imgerr.DiskIO(err, "read", c.store.Path(key))).
				WithFields(logrus.Fields{"action": "disk_read", "key": key}).
				Warn("cache_disk_read_failed")
		}
		return nil, err
	}
	defer result.Reader.Close()

	if c.writer.Expired(result.Entry) {
		c.logger.WithFields(logrus.Fields{"action": "disk_read", "key": key}).Debug("cache_disk_entry_expired")
		return nil, ErrNotFound
	}
	data, err := io.ReadAll(result.Reader)
	if err != nil {
		c.logger.WithError(imgerr.DiskIO(err, "read", result.Entry.FilePath)).
			WithFields(logrus.Fields{"action": "disk_read", "key": key}).
			Warn("cache_disk_read_failed")
		return nil, err
	}
	return data, nil
}

func (c *ImageCache) decode(key string, data []byte) *codec.Image {
	img, err := c.codecs.Decode(data)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"action": "disk_decode", "key": key}).
			Warn("cache_disk_decode_failed")
		return nil
	}
	return codec.Decompress(img, codec.DecompressOptions{Decompress: c.Config().ShouldDecompressImages})
}

// ImageFromMemory 同步读取内存层。
func (c *ImageCache) ImageFromMemory(key string) *codec.Image {
	if key == "" {
		return nil
	}
	img, _ := c.memory.Get(key)
	return img
}

// ImageFromDisk 同步读取磁盘层（在磁盘队列上执行并等待），命中时提升到内存层。
func (c *ImageCache) ImageFromDisk(key string) *codec.Image {
	if key == "" {
		return nil
	}
	var img *codec.Image
	c.queue.Sync(func() {
		data, err := c.readDisk(key)
		if err != nil {
			return
		}
		img = c.decode(key, data)
		if img != nil && c.Config().ShouldCacheImagesInMemory {
			c.memory.Set(key, img, img.Cost())
		}
	})
	return img
}

// ImageFromCache 先查内存再查磁盘。
func (c *ImageCache) ImageFromCache(key string) *codec.Image {
	if img := c.ImageFromMemory(key); img != nil {
		return img
	}
	return c.ImageFromDisk(key)
}

// DiskDataForKey 同步读取磁盘原始字节，不解码。
func (c *ImageCache) DiskDataForKey(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	var data []byte
	c.queue.Sync(func() {
		data, _ = c.readDisk(key)
	})
	return data, data != nil
}

// DiskImageExists 异步检查磁盘中是否存在 key，回调在新的 goroutine 中执行。
func (c *ImageCache) DiskImageExists(key string, done func(bool)) {
	if !c.queue.Async(func() {
		exists := key != "" && c.store.Exists(key)
		if done != nil {
			go done(exists)
		}
	}) && done != nil {
		go done(false)
	}
}

// Remove 删除内存层条目，fromDisk 时在磁盘队列上删除文件。
func (c *ImageCache) Remove(key string, fromDisk bool, done func()) {
	if key == "" {
		finish(done)
		return
	}
	c.memory.Remove(key)
	if !fromDisk {
		finish(done)
		return
	}
	if !c.queue.Async(func() {
		if err := c.store.Remove(context.Background(), key); err != nil {
			c.logger.WithError(imgerr.DiskIO(err, "remove", c.store.Path(key))).
				WithFields(logrus.Fields{"action": "disk_remove", "key": key}).
				Warn("cache_disk_remove_failed")
		}
		finishAsync(done)
	}) {
		finish(done)
	}
}

// ClearMemory 清空内存层。
func (c *ImageCache) ClearMemory() {
	c.memory.Clear()
}

// HandleMemoryWarning 是内存告警的安全阀：立即清空整个内存层。
func (c *ImageCache) HandleMemoryWarning() {
	metrics.MemoryFlushes.Inc()
	c.logger.WithFields(logrus.Fields{
		"action":  "memory_warning",
		"entries": c.memory.Len(),
		"cost":    c.memory.TotalCost(),
	}).Warn("cache_memory_flushed")
	c.memory.Clear()
}

// ClearDisk 异步清空磁盘层，立即返回。
func (c *ImageCache) ClearDisk(done func(error)) {
	if !c.queue.Async(func() {
		err := c.store.Clear(context.Background())
		if err != nil {
			err = imgerr.DiskIO(err, "clear", c.store.Path(""))
			c.logger.WithError(err).WithField("action", "disk_clear").Warn("cache_disk_clear_failed")
		}
		metrics.DiskUsageBytes.Set(0)
		if done != nil {
			go done(err)
		}
	}) && done != nil {
		go done(ErrStoreUnavailable)
	}
}

// PruneExpired 异步执行两阶段清理：先删除超过 MaxCacheAge 的记录，
// 若剩余总量仍超过 MaxCacheSize，再从最旧开始删到 MaxCacheSize 的一半。
func (c *ImageCache) PruneExpired(done func(PruneResult, error)) {
	if !c.queue.Async(func() {
		result, err := c.prune()
		if done != nil {
			go done(result, err)
		}
	}) && done != nil {
		go done(PruneResult{}, ErrStoreUnavailable)
	}
}

// PruneExpiredSync 同步执行清理，供 CLI 一次性调用。
func (c *ImageCache) PruneExpiredSync() (PruneResult, error) {
	var (
		result PruneResult
		err    error = ErrStoreUnavailable
	)
	c.queue.Sync(func() { result, err = c.prune() })
	return result, err
}

func (c *ImageCache) prune() (PruneResult, error) {
	cfg := c.Config()
	result, err := c.store.Prune(context.Background(), PrunePolicy{
		MaxAge:  cfg.MaxCacheAge,
		MaxSize: cfg.MaxCacheSize,
		Now:     c.now(),
	})
	if err != nil {
		err = imgerr.DiskIO(err, "prune", c.store.Path(""))
		c.logger.WithError(err).WithField("action", "disk_prune").Warn("cache_disk_prune_failed")
		return result, err
	}
	metrics.DiskPruned.WithLabelValues("age").Add(float64(result.Expired))
	metrics.DiskPruned.WithLabelValues("size").Add(float64(result.Trimmed))
	metrics.DiskUsageBytes.Set(float64(result.Remaining.Bytes))
	c.logger.WithFields(logrus.Fields{
		"action":      "disk_prune",
		"expired":     result.Expired,
		"trimmed":     result.Trimmed,
		"freed_bytes": result.FreedBytes,
		"remaining":   result.Remaining.Bytes,
	}).Info("cache_disk_pruned")
	return result, nil
}

// SizeOnDisk 同步统计磁盘字节数。
func (c *ImageCache) SizeOnDisk() int64 {
	return c.usage().Bytes
}

// CountOnDisk 同步统计磁盘文件数。
func (c *ImageCache) CountOnDisk() int {
	return c.usage().Count
}

func (c *ImageCache) usage() Usage {
	var usage Usage
	c.queue.Sync(func() {
		var err error
		usage, err = c.store.Usage(context.Background())
		if err != nil {
			c.logger.WithError(err).WithField("action", "disk_usage").Warn("cache_disk_usage_failed")
		}
	})
	return usage
}

// CalculateSize 异步统计磁盘用量。
func (c *ImageCache) CalculateSize(done func(count int, size int64)) {
	if done == nil {
		return
	}
	if !c.queue.Async(func() {
		usage, err := c.store.Usage(context.Background())
		if err != nil {
			c.logger.WithError(err).WithField("action", "disk_usage").Warn("cache_disk_usage_failed")
		}
		go done(usage.Count, usage.Bytes)
	}) {
		go done(0, 0)
	}
}

// Stats 汇总两层的当前状态。
type Stats struct {
	MemoryCount int   `json:"memory_count"`
	MemoryCost  int64 `json:"memory_cost"`
	DiskCount   int   `json:"disk_count"`
	DiskBytes   int64 `json:"disk_bytes"`
}

// Stats 同步统计缓存状态。
func (c *ImageCache) Stats() Stats {
	usage := c.usage()
	return Stats{
		MemoryCount: c.memory.Len(),
		MemoryCost:  c.memory.TotalCost(),
		DiskCount:   usage.Count,
		DiskBytes:   usage.Bytes,
	}
}

// Run 按 interval 周期执行磁盘清理，直到 ctx 结束。
func (c *ImageCache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.PruneExpired(nil)
		}
	}
}

func finish(done func()) {
	if done != nil {
		done()
	}
}

// finishAsync 用于磁盘队列内部，避免回调中的同步调用阻塞队列。
func finishAsync(done func()) {
	if done != nil {
		go done()
	}
}
