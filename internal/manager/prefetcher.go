package manager

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
)

// DefaultPrefetchConcurrency 是默认的预取并发数。
const DefaultPrefetchConcurrency = 3

// PrefetchProgress 在每个 URL 处理完成后回调，finished 包含失败的数量。
type PrefetchProgress func(finished, total int)

// Prefetcher 以有限并发把一批 URL 拉进缓存。同一时间只进行一批，新批次会取消旧批次。
type Prefetcher struct {
	manager     *Manager
	concurrency int
	options     Options
	logger      *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPrefetcher 创建预取器；concurrency <= 0 时使用 DefaultPrefetchConcurrency。
func NewPrefetcher(m *Manager, concurrency int, logger *logrus.Logger) *Prefetcher {
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Prefetcher{
		manager:     m,
		concurrency: concurrency,
		options:     LowPriority,
		logger:      logger,
	}
}

// SetOptions 调整预取使用的 LoadImage 选项。
func (p *Prefetcher) SetOptions(opts Options) {
	p.mu.Lock()
	p.options = opts
	p.mu.Unlock()
}

// Prefetch 阻塞直到所有 URL 处理完成或被取消，返回已处理数与其中未拿到图片的数。
func (p *Prefetcher) Prefetch(ctx context.Context, urls []string, progress PrefetchProgress) (finished, skipped int) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	opts := p.options
	p.mu.Unlock()
	defer cancel()

	total := len(urls)
	var done, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, url := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok := p.load(gctx, url, opts)
			if !ok {
				failed.Inc()
			}
			n := done.Inc()
			if progress != nil && gctx.Err() == nil {
				progress(int(n), total)
			}
			return nil
		})
	}
	_ = g.Wait()

	finished, skipped = int(done.Load()), int(failed.Load())
	p.logger.WithFields(logrus.Fields{
		"action":   "prefetch",
		"total":    total,
		"finished": finished,
		"skipped":  skipped,
	}).Info("prefetch_completed")
	return finished, skipped
}

// load 等待单个 URL 的最终结果，ctx 结束时取消对应的 LoadImage。
func (p *Prefetcher) load(ctx context.Context, url string, opts Options) bool {
	result := make(chan bool, 1)
	h := p.manager.LoadImage(url, opts, nil, func(img *codec.Image, _ []byte, err error, _ cache.Tier, finished bool, _ string) {
		if finished {
			result <- err == nil && img != nil
		}
	})
	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		h.Cancel()
		return false
	}
}

// Cancel 取消当前批次。
func (p *Prefetcher) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
