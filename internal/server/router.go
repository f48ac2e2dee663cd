package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/manager"
)

// DefaultWaitTimeout bounds how long an image request waits for the loader.
const DefaultWaitTimeout = 30 * time.Second

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Manager    *manager.Manager
	Codecs     *codec.Registry
	ListenPort int
	// LoadOptions 是每个 /image 请求的基础选项，查询参数在此之上叠加。
	LoadOptions manager.Options
	WaitTimeout time.Duration
}

const contextKeyRequestID = "_anyimage_request_id"

// NewApp builds a Fiber application serving cached images with request IDs
// and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("image manager is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.Default()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	images := &imageHandler{
		manager:  opts.Manager,
		codecs:   opts.Codecs,
		logger:   opts.Logger,
		defaults: opts.LoadOptions,
		wait:     opts.WaitTimeout,
	}
	app.Get("/image", images.Serve)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后记录访问日志（诊断路径除外）。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		if !isDiagnosticsPath(c.Path()) {
			logger.WithFields(logrus.Fields{
				"action":     "http",
				"request_id": reqID,
				"method":     c.Method(),
				"path":       c.Path(),
				"status":     c.Response().StatusCode(),
				"elapsed_ms": time.Since(started).Milliseconds(),
			}).Debug("request_done")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
