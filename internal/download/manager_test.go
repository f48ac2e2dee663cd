package download

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/imgerr"
)

const waitTimeout = 5 * time.Second

// fakeTransport 记录请求顺序并把响应交给 handler 决定。
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	handler func(req *http.Request) (*http.Response, error)
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL.Path)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// chunkedBody 每次 Read 最多返回一个预设数据块。
type chunkedBody struct {
	chunks [][]byte
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 20), B: 99, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func okResponse(req *http.Request, data []byte) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"image/png"}},
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}
}

func newTestManager(t *testing.T, transport http.RoundTripper, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewManager(cfg, &http.Client{Transport: transport}, codec.Default(), logger)
	t.Cleanup(m.CancelAll)
	return m
}

type result struct {
	img  *codec.Image
	data []byte
	err  error
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("download did not complete")
		return result{}
	}
}

func finalOnly(ch chan<- result) CompletedFunc {
	return func(img *codec.Image, data []byte, err error, finished bool) {
		if finished {
			ch <- result{img: img, data: data, err: err}
		}
	}
}

func TestDownloadRejectsInvalidURL(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, nil)
	assert.Nil(t, m.Download("", 0, nil, nil))
	assert.Nil(t, m.Download("not a url", 0, nil, nil))
	assert.Nil(t, m.Download("ftp://example.com/a.png", 0, nil, nil))
	assert.False(t, m.Cancel(nil))
	assert.False(t, ValidURL("//example.com/a.png"))
	assert.True(t, ValidURL("https://example.com/a.png"))
}

func TestDownloadDecodesImage(t *testing.T) {
	data := testPNG(t, 4, 3)
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return okResponse(req, data), nil
	}}
	m := newTestManager(t, transport, nil)

	ch := make(chan result, 1)
	token := m.Download("http://img.test/a.png", 0, nil, finalOnly(ch))
	require.NotNil(t, token)
	assert.NotEmpty(t, token.OperationID())

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	require.NotNil(t, res.img)
	assert.Equal(t, image.Pt(4, 3), res.img.Bounds().Size())
	assert.Equal(t, data, res.data)
	assert.Equal(t, codec.FormatPNG, res.img.Format)
}

func TestConcurrentDownloadsShareOneOperation(t *testing.T) {
	data := testPNG(t, 2, 2)
	release := make(chan struct{})
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		<-release
		return okResponse(req, data), nil
	}}
	m := newTestManager(t, transport, nil)

	first := make(chan result, 1)
	second := make(chan result, 1)
	t1 := m.Download("http://img.test/shared.png", 0, nil, finalOnly(first))
	t2 := m.Download("http://img.test/shared.png", 0, nil, finalOnly(second))
	require.NotNil(t, t1)
	require.NotNil(t, t2)
	assert.Equal(t, t1.OperationID(), t2.OperationID())
	assert.Equal(t, 1, m.CurrentDownloadCount())
	close(release)

	r1 := waitResult(t, first)
	r2 := waitResult(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Same(t, r1.img, r2.img)
	assert.Len(t, transport.Calls(), 1)
}

func TestProgressiveDownloadFansOutPartials(t *testing.T) {
	payload := testPNG(t, 2, 2)
	require.Less(t, len(payload), 100)
	data := make([]byte, 1000)
	copy(data, payload)

	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{},
			Body:          &chunkedBody{chunks: [][]byte{data[:100], data[100:500], data[500:]}},
			ContentLength: int64(len(data)),
			Request:       req,
		}, nil
	}}
	m := newTestManager(t, transport, nil)
	m.SetSuspended(true)

	type counts struct {
		mu       sync.Mutex
		partials int
		finals   int
		progress []int64
		image    *codec.Image
	}
	var wg sync.WaitGroup
	subscribe := func(c *counts) {
		wg.Add(1)
		token := m.Download("http://img.test/progressive.png", ProgressiveDownload,
			func(received, expected int64) {
				c.mu.Lock()
				c.progress = append(c.progress, received)
				c.mu.Unlock()
				assert.EqualValues(t, 1000, expected)
			},
			func(img *codec.Image, _ []byte, err error, finished bool) {
				c.mu.Lock()
				defer c.mu.Unlock()
				if !finished {
					c.partials++
					return
				}
				assert.NoError(t, err)
				c.finals++
				c.image = img
				wg.Done()
			})
		require.NotNil(t, token)
	}

	a, b := &counts{}, &counts{}
	subscribe(a)
	subscribe(b)
	m.SetSuspended(false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("progressive download did not finish")
	}

	for _, c := range []*counts{a, b} {
		c.mu.Lock()
		assert.Equal(t, 2, c.partials)
		assert.Equal(t, 1, c.finals)
		require.NotNil(t, c.image)
		assert.Equal(t, image.Pt(2, 2), c.image.Bounds().Size())
		assert.Equal(t, []int64{0, 100, 500, 1000}, c.progress)
		c.mu.Unlock()
	}
	assert.Len(t, transport.Calls(), 1)
}

func TestCancelLastSubscriptionCancelsOperation(t *testing.T) {
	started := make(chan struct{}, 1)
	aborted := make(chan struct{})
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		started <- struct{}{}
		<-req.Context().Done()
		close(aborted)
		return nil, req.Context().Err()
	}}
	m := newTestManager(t, transport, func(c *Config) { c.MaxConcurrentDownloads = 1 })

	completions := atomic.NewInt32(0)
	onComplete := func(*codec.Image, []byte, error, bool) { completions.Inc() }
	t1 := m.Download("http://img.test/slow.png", 0, nil, onComplete)
	t2 := m.Download("http://img.test/slow.png", 0, nil, onComplete)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("operation did not start")
	}

	assert.False(t, m.Cancel(t1), "other subscribers keep the operation alive")
	assert.False(t, m.Cancel(t1), "cancel is idempotent")
	assert.True(t, m.Cancel(t2))
	assert.False(t, m.Cancel(t2))

	select {
	case <-aborted:
	case <-time.After(waitTimeout):
		t.Fatal("network task was not cancelled")
	}
	assert.Zero(t, m.CurrentDownloadCount())

	// 工作槽被释放后，新的下载可以启动。
	transport.handler = func(req *http.Request) (*http.Response, error) {
		return okResponse(req, testPNG(t, 1, 1)), nil
	}
	ch := make(chan result, 1)
	m.Download("http://img.test/next.png", 0, nil, finalOnly(ch))
	require.NoError(t, waitResult(t, ch).err)
	assert.Zero(t, completions.Load())
}

func TestCancelAllInvalidatesEveryToken(t *testing.T) {
	started := make(chan struct{}, 1)
	aborted := make(chan struct{})
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/active.png" {
			return okResponse(req, testPNG(t, 1, 1)), nil
		}
		started <- struct{}{}
		<-req.Context().Done()
		close(aborted)
		return nil, req.Context().Err()
	}}
	m := newTestManager(t, transport, func(c *Config) { c.MaxConcurrentDownloads = 1 })

	completions := atomic.NewInt32(0)
	onComplete := func(*codec.Image, []byte, error, bool) { completions.Inc() }
	active := m.Download("http://img.test/active.png", 0, nil, onComplete)
	require.NotNil(t, active)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("operation did not start")
	}
	queued := m.Download("http://img.test/queued.png", 0, nil, onComplete)
	require.NotNil(t, queued)
	assert.Equal(t, 2, m.CurrentDownloadCount())

	m.CancelAll()

	assert.Zero(t, m.CurrentDownloadCount())
	assert.False(t, m.Cancel(active))
	assert.False(t, m.Cancel(queued))

	select {
	case <-aborted:
	case <-time.After(waitTimeout):
		t.Fatal("network task was not cancelled")
	}
	assert.Never(t, func() bool { return completions.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{"/active.png"}, transport.Calls(), "queued operation must never start")

	// 取消后管理器仍可接受新的下载。
	ch := make(chan result, 1)
	require.NotNil(t, m.Download("http://img.test/after.png", 0, nil, finalOnly(ch)))
	require.NoError(t, waitResult(t, ch).err)
	assert.Zero(t, completions.Load())
}

func TestCancelQueuedOperationNeverStarts(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return okResponse(req, testPNG(t, 1, 1)), nil
	}}
	m := newTestManager(t, transport, nil)
	m.SetSuspended(true)
	assert.True(t, m.IsSuspended())

	token := m.Download("http://img.test/queued.png", 0, nil, func(*codec.Image, []byte, error, bool) {
		t.Error("cancelled subscriber must not be called")
	})
	assert.True(t, m.Cancel(token))
	m.SetSuspended(false)

	assert.Never(t, func() bool { return len(transport.Calls()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func runOrdering(t *testing.T, order ExecutionOrder) []string {
	t.Helper()
	data := testPNG(t, 1, 1)
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return okResponse(req, data), nil
	}}
	m := newTestManager(t, transport, func(c *Config) {
		c.MaxConcurrentDownloads = 1
		c.ExecutionOrder = order
	})
	m.SetSuspended(true)

	ch := make(chan result, 4)
	m.Download("http://img.test/a", 0, nil, finalOnly(ch))
	m.Download("http://img.test/b", LowPriority, nil, finalOnly(ch))
	m.Download("http://img.test/c", HighPriority, nil, finalOnly(ch))
	m.Download("http://img.test/d", 0, nil, finalOnly(ch))
	assert.Empty(t, transport.Calls(), "suspended manager must not start operations")
	assert.Equal(t, 4, m.CurrentDownloadCount())

	m.SetSuspended(false)
	for i := 0; i < 4; i++ {
		require.NoError(t, waitResult(t, ch).err)
	}
	return transport.Calls()
}

func TestExecutionOrderFIFO(t *testing.T) {
	assert.Equal(t, []string{"/c", "/a", "/d", "/b"}, runOrdering(t, FIFO))
}

func TestExecutionOrderLIFO(t *testing.T) {
	assert.Equal(t, []string{"/c", "/d", "/a", "/b"}, runOrdering(t, LIFO))
}

func TestLoweringConcurrencyKeepsActiveOperations(t *testing.T) {
	data := testPNG(t, 1, 1)
	release := make(chan struct{})
	running := make(chan struct{}, 2)
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		running <- struct{}{}
		<-release
		return okResponse(req, data), nil
	}}
	m := newTestManager(t, transport, func(c *Config) { c.MaxConcurrentDownloads = 2 })

	ch := make(chan result, 2)
	m.Download("http://img.test/one", 0, nil, finalOnly(ch))
	m.Download("http://img.test/two", 0, nil, finalOnly(ch))
	for i := 0; i < 2; i++ {
		select {
		case <-running:
		case <-time.After(waitTimeout):
			t.Fatal("operations did not start")
		}
	}

	m.SetMaxConcurrentDownloads(1)
	assert.Equal(t, 1, m.MaxConcurrentDownloads())
	close(release)
	require.NoError(t, waitResult(t, ch).err)
	require.NoError(t, waitResult(t, ch).err)
}

func TestDownloadTimeout(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}}
	m := newTestManager(t, transport, nil)
	m.SetTimeout(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, m.Timeout())

	ch := make(chan result, 1)
	m.Download("http://img.test/timeout.png", 0, nil, finalOnly(ch))
	res := waitResult(t, ch)
	require.Error(t, res.err)
	assert.True(t, imgerr.Is(res.err, imgerr.CodeTimeout), "got %v", res.err)
}

func TestHTTPStatusFailureReachesEverySubscriber(t *testing.T) {
	release := make(chan struct{})
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		<-release
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	}}
	m := newTestManager(t, transport, nil)

	ch := make(chan result, 2)
	m.Download("http://img.test/missing.png", 0, nil, finalOnly(ch))
	m.Download("http://img.test/missing.png", 0, nil, finalOnly(ch))
	close(release)

	for i := 0; i < 2; i++ {
		res := waitResult(t, ch)
		assert.Nil(t, res.img)
		assert.True(t, imgerr.Is(res.err, imgerr.CodeHTTPStatus), "got %v", res.err)
	}
	assert.Len(t, transport.Calls(), 1)
}

func TestUndecodableBodyFails(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		return okResponse(req, []byte("definitely not an image")), nil
	}}
	m := newTestManager(t, transport, nil)

	ch := make(chan result, 1)
	m.Download("http://img.test/garbage", 0, nil, finalOnly(ch))
	res := waitResult(t, ch)
	assert.True(t, imgerr.Is(res.err, imgerr.CodeNoCodec), "got %v", res.err)
}

func TestRequestHeadersAndCredentials(t *testing.T) {
	seen := make(chan *http.Request, 1)
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		seen <- req
		return okResponse(req, testPNG(t, 1, 1)), nil
	}}
	m := newTestManager(t, transport, func(c *Config) {
		c.Username = "user"
		c.Password = "secret"
		c.Headers = map[string]string{"X-Client": "any-image"}
	})
	m.SetHeader("X-Extra", "1")
	m.SetHeader("X-Client", "")
	m.SetHeadersFilter(func(_ string, h http.Header) http.Header {
		h.Set("X-Filtered", "yes")
		return h
	})
	assert.Equal(t, defaultAccept, m.Header("Accept"))

	ch := make(chan result, 1)
	m.Download("https://img.test/auth.png", 0, nil, finalOnly(ch))
	require.NoError(t, waitResult(t, ch).err)

	req := <-seen
	user, pass, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
	assert.Empty(t, req.Header.Get("X-Client"))
	assert.Equal(t, "yes", req.Header.Get("X-Filtered"))
	assert.Equal(t, "no-cache", req.Header.Get("Cache-Control"))
}

func TestNotModifiedCompletesWithoutImage(t *testing.T) {
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		assert.Empty(t, req.Header.Get("Cache-Control"))
		return &http.Response{
			StatusCode: http.StatusNotModified,
			Header:     http.Header{},
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	}}
	m := newTestManager(t, transport, nil)

	ch := make(chan result, 1)
	m.Download("http://img.test/cached.png", UseProtocolCache|IgnoreCachedResponse, nil, finalOnly(ch))
	res := waitResult(t, ch)
	assert.NoError(t, res.err)
	assert.Nil(t, res.img)
}

func TestShutdownWaitsForBackgroundOperations(t *testing.T) {
	release := make(chan struct{})
	transport := &fakeTransport{handler: func(req *http.Request) (*http.Response, error) {
		select {
		case <-release:
			return okResponse(req, testPNG(t, 1, 1)), nil
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}}
	m := newTestManager(t, transport, nil)

	background := make(chan result, 1)
	foreground := atomic.NewInt32(0)
	m.Download("http://img.test/bg.png", ContinueInBackground, nil, finalOnly(background))
	m.Download("http://img.test/fg.png", 0, nil, func(*codec.Image, []byte, error, bool) { foreground.Inc() })
	require.Eventually(t, func() bool { return len(transport.Calls()) == 2 }, waitTimeout, 5*time.Millisecond)

	shutdown := make(chan error, 1)
	go func() { shutdown <- m.Shutdown(t.Context()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-shutdown)
	require.NoError(t, waitResult(t, background).err)
	assert.Zero(t, foreground.Load())
	assert.Nil(t, m.Download("http://img.test/late.png", 0, nil, nil))
}

func TestDownloadAfterShutdownReturnsNil(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, nil)
	assert.False(t, m.Closed())
	require.NoError(t, m.Shutdown(context.Background()))

	assert.True(t, m.Closed())
	assert.Nil(t, m.Download("http://img.test/late.png", 0, nil, nil))
	assert.Zero(t, m.CurrentDownloadCount())
}

func TestParseExecutionOrder(t *testing.T) {
	order, err := ParseExecutionOrder("LIFO")
	require.NoError(t, err)
	assert.Equal(t, LIFO, order)
	order, err = ParseExecutionOrder("")
	require.NoError(t, err)
	assert.Equal(t, FIFO, order)
	_, err = ParseExecutionOrder("random")
	assert.Error(t, err)
}
