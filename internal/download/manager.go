package download

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/imgerr"
	"github.com/any-hub/any-image/internal/metrics"
)

const (
	// DefaultMaxConcurrentDownloads 是默认的并发网络操作数。
	DefaultMaxConcurrentDownloads = 6
	// DefaultTimeout 是单个操作的默认超时。
	DefaultTimeout = 15 * time.Second

	defaultAccept = "image/webp,image/*;q=0.8"
	readChunkSize = 32 << 10
	maxPrealloc   = 32 << 20
)

// Config 是下载管理器的初始参数，运行期可通过对应的 Set 方法调整。
type Config struct {
	MaxConcurrentDownloads int
	Timeout                time.Duration
	ExecutionOrder         ExecutionOrder
	ShouldDecompressImages bool
	Username               string
	Password               string
	Headers                map[string]string
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		Timeout:                DefaultTimeout,
		ExecutionOrder:         FIFO,
		ShouldDecompressImages: true,
	}
}

// HeadersFilter 在每次请求发出前改写请求头，返回值整体替换原请求头。
type HeadersFilter func(url string, headers http.Header) http.Header

// Manager 负责排队、并发控制与订阅分发。
type Manager struct {
	mu            sync.Mutex
	ops           map[string]*operation
	pending       pendingQueue
	active        int
	maxActive     int
	suspended     bool
	closed        bool
	timeout       time.Duration
	decompress    bool
	username      string
	password      string
	headers       http.Header
	headersFilter HeadersFilter

	client   *http.Client
	insecure *http.Client
	jar      http.CookieJar

	codecs *codec.Registry
	logger *logrus.Logger

	seq    atomic.Uint64
	subSeq atomic.Uint64
	wg     sync.WaitGroup
}

// NewManager 创建下载管理器。client 为空时使用零值 http.Client；codecs 为空时使用默认注册表。
func NewManager(cfg Config, client *http.Client, codecs *codec.Registry, logger *logrus.Logger) *Manager {
	if client == nil {
		client = &http.Client{}
	}
	if codecs == nil {
		codecs = codec.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	// cookiejar.New 仅在 PublicSuffixList 出错时返回错误，nil 选项不会失败。
	jar, _ := cookiejar.New(nil)

	headers := http.Header{}
	headers.Set("Accept", defaultAccept)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	return &Manager{
		ops:        make(map[string]*operation),
		pending:    pendingQueue{lifo: cfg.ExecutionOrder == LIFO},
		maxActive:  cfg.MaxConcurrentDownloads,
		timeout:    cfg.Timeout,
		decompress: cfg.ShouldDecompressImages,
		username:   cfg.Username,
		password:   cfg.Password,
		headers:    headers,
		client:     client,
		insecure:   insecureVariant(client),
		jar:        jar,
		codecs:     codecs,
		logger:     logger,
	}
}

// insecureVariant 复制 client 并关闭证书校验；非 *http.Transport 的传输层原样复用。
func insecureVariant(client *http.Client) *http.Client {
	var base *http.Transport
	switch t := client.Transport.(type) {
	case nil:
		base = http.DefaultTransport.(*http.Transport)
	case *http.Transport:
		base = t
	default:
		return client
	}
	transport := base.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	}
	transport.TLSClientConfig.InsecureSkipVerify = true
	insecure := *client
	insecure.Transport = transport
	return &insecure
}

func (m *Manager) clientFor(opts Options) *http.Client {
	client := m.client
	if opts.Has(AllowInvalidCertificates) {
		client = m.insecure
	}
	if opts.Has(HandleCookies) {
		withJar := *client
		withJar.Jar = m.jar
		return &withJar
	}
	return client
}

// ValidURL 报告 raw 是否为可下载的 http(s) 地址。
func ValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Download 订阅 rawURL 的下载结果。同一 URL 已有排队或进行中的操作时直接附着，
// 否则新建操作并入队。URL 为空或非 http(s)，或管理器已关闭时返回 nil。
func (m *Manager) Download(rawURL string, opts Options, onProgress ProgressFunc, onComplete CompletedFunc) *Token {
	if !ValidURL(rawURL) {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	op, ok := m.ops[rawURL]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		op = &operation{
			id:       uuid.NewString(),
			url:      rawURL,
			options:  opts,
			priority: opts.priority(),
			seq:      m.seq.Inc(),
			index:    -1,
			state:    StateQueued,
			subs:     make(map[uint64]*subscription),
			ctx:      ctx,
			cancel:   cancel,
		}
		m.ops[rawURL] = op
		heap.Push(&m.pending, op)
		metrics.DownloadsQueued.Inc()
		m.logger.WithFields(logrus.Fields{
			"action":       "download_queued",
			"url":          rawURL,
			"operation_id": op.id,
		}).Debug("download_queued")
	} else if op.state == StateQueued && opts.priority() > op.priority {
		op.priority = opts.priority()
		heap.Fix(&m.pending, op.index)
	}
	sub := op.subscribe(m.subSeq.Inc(), onProgress, onComplete)
	m.mu.Unlock()

	m.schedule()
	return &Token{URL: rawURL, id: sub.id, op: op}
}

// Cancel 退订 token。若它是所在操作的最后一个订阅，操作被取消并返回 true。重复调用返回 false。
func (m *Manager) Cancel(token *Token) bool {
	if token == nil || token.op == nil {
		return false
	}
	m.mu.Lock()
	op := token.op
	if !op.unsubscribe(token.id) || len(op.subs) > 0 {
		m.mu.Unlock()
		return false
	}
	terminated := m.terminateLocked(op)
	m.mu.Unlock()

	if terminated {
		m.schedule()
	}
	return terminated
}

// CancelAll 终止所有排队与进行中的操作，已发出的 token 全部失效。
func (m *Manager) CancelAll() {
	m.cancelWhere(func(*operation) bool { return true })
}

func (m *Manager) cancelWhere(match func(*operation) bool) int {
	m.mu.Lock()
	n := 0
	for _, op := range m.ops {
		if !match(op) {
			continue
		}
		op.detachAll()
		if m.terminateLocked(op) {
			n++
		}
	}
	m.mu.Unlock()
	return n
}

// terminateLocked 取消一个排队或进行中的操作。进行中的操作在 run 返回后释放工作槽。
func (m *Manager) terminateLocked(op *operation) bool {
	switch op.state {
	case StateQueued:
		heap.Remove(&m.pending, op.index)
		metrics.DownloadsQueued.Dec()
		metrics.DownloadsFinished.WithLabelValues(StateCancelled.String()).Inc()
	case StateActive:
	default:
		return false
	}
	op.state = StateCancelled
	op.cancel()
	if m.ops[op.url] == op {
		delete(m.ops, op.url)
	}
	m.logger.WithFields(logrus.Fields{
		"action":       "download_cancelled",
		"url":          op.url,
		"operation_id": op.id,
	}).Debug("download_cancelled")
	return true
}

// Shutdown 拒绝新请求并取消所有未标记 ContinueInBackground 的操作，
// 然后等待剩余操作结束；ctx 到期时强制取消全部操作。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelWhere(func(op *operation) bool {
		return op.state == StateQueued || !op.options.Has(ContinueInBackground)
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.CancelAll()
		return ctx.Err()
	}
}

// Closed 报告 Shutdown 是否已调用；关闭后 Download 一律返回 nil。
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetSuspended 暂停或恢复新操作的出队，不影响进行中的操作。
func (m *Manager) SetSuspended(suspended bool) {
	m.mu.Lock()
	m.suspended = suspended
	m.mu.Unlock()
	if !suspended {
		m.schedule()
	}
}

// IsSuspended 报告是否暂停出队。
func (m *Manager) IsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// SetMaxConcurrentDownloads 调整并发上限；调低时已在进行的操作继续运行。n <= 0 表示不限制。
func (m *Manager) SetMaxConcurrentDownloads(n int) {
	m.mu.Lock()
	m.maxActive = n
	m.mu.Unlock()
	m.schedule()
}

// MaxConcurrentDownloads 返回当前并发上限。
func (m *Manager) MaxConcurrentDownloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// SetTimeout 调整后续启动的操作的超时，0 表示不设超时。
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
}

// Timeout 返回当前单操作超时。
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetHeader 设置所有请求共享的请求头，value 为空时删除。
func (m *Manager) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		m.headers.Del(key)
		return
	}
	m.headers.Set(key, value)
}

// Header 返回共享请求头的值。
func (m *Manager) Header(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers.Get(key)
}

// SetHeadersFilter 安装请求头改写钩子，nil 表示移除。
func (m *Manager) SetHeadersFilter(filter HeadersFilter) {
	m.mu.Lock()
	m.headersFilter = filter
	m.mu.Unlock()
}

// SetCredentials 设置 Basic 认证凭据，username 为空时不发送。
func (m *Manager) SetCredentials(username, password string) {
	m.mu.Lock()
	m.username = username
	m.password = password
	m.mu.Unlock()
}

// CurrentDownloadCount 返回排队与进行中的操作总数。
func (m *Manager) CurrentDownloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// schedule 在有空闲工作槽且未暂停时启动排队操作。
func (m *Manager) schedule() {
	m.mu.Lock()
	var started []*operation
	for !m.suspended && !m.closed && m.pending.Len() > 0 && (m.maxActive <= 0 || m.active < m.maxActive) {
		op := heap.Pop(&m.pending).(*operation)
		op.state = StateActive
		m.active++
		m.wg.Add(1)
		metrics.DownloadsQueued.Dec()
		started = append(started, op)
	}
	m.mu.Unlock()

	for _, op := range started {
		go m.run(op)
	}
}

type requestSpec struct {
	header     http.Header
	timeout    time.Duration
	decompress bool
	username   string
	password   string
}

func (m *Manager) requestSpec(op *operation) requestSpec {
	m.mu.Lock()
	spec := requestSpec{
		header:     m.headers.Clone(),
		timeout:    m.timeout,
		decompress: m.decompress,
		username:   m.username,
		password:   m.password,
	}
	filter := m.headersFilter
	m.mu.Unlock()

	if !op.options.Has(UseProtocolCache) {
		spec.header.Set("Cache-Control", "no-cache")
		spec.header.Set("Pragma", "no-cache")
	}
	if filter != nil {
		spec.header = filter(op.url, spec.header)
	}
	return spec
}

func (m *Manager) run(op *operation) {
	defer m.wg.Done()
	metrics.DownloadsActive.Inc()
	defer metrics.DownloadsActive.Dec()

	spec := m.requestSpec(op)
	ctx := op.ctx
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	started := time.Now()
	m.logger.WithFields(logrus.Fields{
		"action":       "download_started",
		"url":          op.url,
		"operation_id": op.id,
	}).Debug("download_started")

	img, data, err := m.fetch(ctx, op, spec)
	m.finish(op, img, data, err, time.Since(started))
}

func (m *Manager) fetch(ctx context.Context, op *operation, spec requestSpec) (*codec.Image, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.url, nil)
	if err != nil {
		return nil, nil, imgerr.Network(err, op.url)
	}
	if spec.header != nil {
		req.Header = spec.header
	}
	if spec.username != "" {
		req.SetBasicAuth(spec.username, spec.password)
	}

	resp, err := m.clientFor(op.options).Do(req)
	if err != nil {
		return nil, nil, imgerr.Network(err, op.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, nil, imgerr.HTTPStatus(op.url, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotModified ||
		(op.options.Has(IgnoreCachedResponse) && resp.Header.Get("Age") != "") {
		return nil, nil, nil
	}

	expected := resp.ContentLength
	m.broadcastProgress(op, 0, expected)

	var buf bytes.Buffer
	if expected > 0 && expected <= maxPrealloc {
		buf.Grow(int(expected))
	}
	chunk := make([]byte, readChunkSize)
	progressive := op.options.Has(ProgressiveDownload)
	var decoder codec.IncrementalDecoder

	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			metrics.DownloadBytes.Add(float64(n))
			received := int64(buf.Len())
			m.broadcastProgress(op, received, expected)

			if progressive && (expected <= 0 || received < expected) {
				if decoder == nil {
					decoder, _ = m.codecs.NewIncrementalDecoder(buf.Bytes())
				}
				var partial *codec.Image
				if decoder != nil {
					partial = decoder.IncrementalDecode(buf.Bytes(), false)
				}
				m.broadcastPartial(op, partial, buf.Bytes())
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, nil, imgerr.Network(rerr, op.url)
		}
	}

	data := buf.Bytes()
	if len(data) == 0 {
		return nil, nil, imgerr.Decode(errors.New("empty response body"))
	}

	var img *codec.Image
	if decoder != nil {
		img = decoder.IncrementalDecode(data, true)
	}
	if img == nil {
		img, err = m.codecs.Decode(data)
		if err != nil {
			return nil, data, err
		}
	}
	img = codec.Decompress(img, codec.DecompressOptions{
		Decompress:           spec.decompress,
		ScaleDownLargeImages: op.options.Has(ScaleDownLargeImages),
	})
	return img, data, nil
}

func (m *Manager) liveSubscribers(op *operation) []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.state != StateActive {
		return nil
	}
	return op.snapshot()
}

func (m *Manager) broadcastProgress(op *operation, received, expected int64) {
	for _, sub := range m.liveSubscribers(op) {
		sub.progress(received, expected)
	}
}

func (m *Manager) broadcastPartial(op *operation, img *codec.Image, data []byte) {
	for _, sub := range m.liveSubscribers(op) {
		sub.complete(func(fn CompletedFunc) { fn(img, data, nil, false) })
	}
}

// finish 释放工作槽并把结果分发给每个仍在订阅的调用方；已取消的操作不回调。
func (m *Manager) finish(op *operation, img *codec.Image, data []byte, err error, elapsed time.Duration) {
	m.mu.Lock()
	m.active--
	if m.ops[op.url] == op {
		delete(m.ops, op.url)
	}
	cancelled := op.state == StateCancelled
	if !cancelled {
		if err != nil {
			op.state = StateFailed
		} else {
			op.state = StateSucceeded
		}
	}
	state := op.state
	subs := op.snapshot()
	m.mu.Unlock()
	op.cancel()

	metrics.DownloadsFinished.WithLabelValues(state.String()).Inc()
	fields := logrus.Fields{
		"action":       "download_finished",
		"url":          op.url,
		"operation_id": op.id,
		"state":        state.String(),
		"elapsed_ms":   elapsed.Milliseconds(),
		"bytes":        len(data),
		"subscribers":  len(subs),
	}
	if state == StateFailed {
		m.logger.WithFields(fields).WithError(err).Warn("download_failed")
	} else {
		m.logger.WithFields(fields).Debug("download_finished")
	}

	if !cancelled {
		for _, sub := range subs {
			sub.complete(func(fn CompletedFunc) { fn(img, data, err, true) })
		}
	}

	m.mu.Lock()
	op.detachAll()
	m.mu.Unlock()

	m.schedule()
}
