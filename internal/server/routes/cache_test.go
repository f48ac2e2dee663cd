package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/download"
	"github.com/any-hub/any-image/internal/manager"
)

func TestCacheStatsReportsDiskEntries(t *testing.T) {
	app, m := newTestApp(t)
	if err := m.Cache().StoreDataToDisk([]byte("payload"), "http://img.local/a.png"); err != nil {
		t.Fatalf("store data: %v", err)
	}

	resp := doRequest(t, app, http.MethodGet, "/-/cache")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Stats  cache.Stats        `json:"stats"`
		Config cacheConfigPayload `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if payload.Stats.DiskCount != 1 {
		t.Fatalf("expected 1 disk entry, got %d", payload.Stats.DiskCount)
	}
	if payload.Stats.DiskBytes != int64(len("payload")) {
		t.Fatalf("expected %d bytes, got %d", len("payload"), payload.Stats.DiskBytes)
	}
	if payload.Config.MaxCacheAgeSeconds != int64(cache.DefaultMaxCacheAge/time.Second) {
		t.Fatalf("unexpected max cache age %d", payload.Config.MaxCacheAgeSeconds)
	}
}

func TestClearCacheRemovesDiskEntries(t *testing.T) {
	app, m := newTestApp(t)
	if err := m.Cache().StoreDataToDisk([]byte("payload"), "http://img.local/a.png"); err != nil {
		t.Fatalf("store data: %v", err)
	}

	resp := doRequest(t, app, http.MethodDelete, "/-/cache?scope=disk")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if count := m.Cache().CountOnDisk(); count != 0 {
		t.Fatalf("expected empty disk tier, got %d entries", count)
	}

	resp = doRequest(t, app, http.MethodDelete, "/-/cache?scope=bogus")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid scope, got %d", resp.StatusCode)
	}
}

func TestRemoveEntryRequiresURL(t *testing.T) {
	app, m := newTestApp(t)
	if err := m.Cache().StoreDataToDisk([]byte("payload"), "http://img.local/a.png"); err != nil {
		t.Fatalf("store data: %v", err)
	}

	resp := doRequest(t, app, http.MethodDelete, "/-/cache/entry")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without url, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodDelete, "/-/cache/entry?url=http://img.local/a.png")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if m.DiskImageExists("http://img.local/a.png") {
		t.Fatalf("expected entry to be removed from disk")
	}
}

func TestPruneReturnsResult(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodPost, "/-/cache/prune")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result cache.PruneResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode prune result: %v", err)
	}
	if result.Expired != 0 || result.Trimmed != 0 {
		t.Fatalf("expected nothing pruned, got %+v", result)
	}
}

func TestDownloadsSettings(t *testing.T) {
	app, m := newTestApp(t)

	resp := doRequest(t, app, http.MethodPut, "/-/downloads?suspended=true&max_concurrent=2")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if !m.Downloader().IsSuspended() {
		t.Fatalf("expected downloader to be suspended")
	}
	if got := m.Downloader().MaxConcurrentDownloads(); got != 2 {
		t.Fatalf("expected max concurrent 2, got %d", got)
	}

	resp = doRequest(t, app, http.MethodPut, "/-/downloads?max_concurrent=zero")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/downloads")
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"suspended":true`)) {
		t.Fatalf("expected suspended flag in %s", string(body))
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/-/metrics")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("anyimage_memory_evictions_total")) {
		t.Fatalf("expected anyimage collectors in metrics output")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *manager.Manager) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	imageCache, err := cache.New(cache.Options{
		Root:      t.TempDir(),
		Namespace: "test",
		Config:    cache.DefaultConfig(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(imageCache.Close)

	downloader := download.NewManager(download.DefaultConfig(), http.DefaultClient, codec.Default(), logger)
	m := manager.New(imageCache, downloader, time.Minute, logger)

	app := fiber.New()
	RegisterCacheRoutes(app, m, logger)
	RegisterMetricsRoute(app)
	return app, m
}

func doRequest(t *testing.T, app *fiber.App, method, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://any-image.local"+target, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}
