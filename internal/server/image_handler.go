package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-image/internal/cache"
	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/imgerr"
	"github.com/any-hub/any-image/internal/logging"
	"github.com/any-hub/any-image/internal/manager"
)

// imageHandler 把 GET /image?url= 转成一次 LoadImage，并把最终结果编码成响应体。
type imageHandler struct {
	manager  *manager.Manager
	codecs   *codec.Registry
	logger   *logrus.Logger
	defaults manager.Options
	wait     time.Duration
}

type loadResult struct {
	img  *codec.Image
	data []byte
	err  error
	tier cache.Tier
}

// Serve 等待最终回调；客户端断开或等待超时时取消句柄。
func (h *imageHandler) Serve(c fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	opts := h.requestOptions(c)
	key := h.manager.CacheKeyForURL(rawURL)

	results := make(chan loadResult, 1)
	handle := h.manager.LoadImage(rawURL, opts, nil, func(img *codec.Image, data []byte, err error, tier cache.Tier, finished bool, _ string) {
		if !finished {
			return
		}
		select {
		case results <- loadResult{img: img, data: data, err: err, tier: tier}:
		default:
		}
	})

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	var res loadResult
	select {
	case res = <-results:
	case <-ctx.Done():
		handle.Cancel()
		return nil
	case <-timer.C:
		handle.Cancel()
		res = loadResult{err: imgerr.Cancelled("wait " + h.wait.String())}
	}

	fields := logging.RequestFields(RequestID(c), rawURL, key, res.tier.String())
	if res.err != nil {
		h.logger.WithFields(fields).WithError(res.err).Warn("image_load_failed")
		return renderError(c, res.err)
	}
	if res.img == nil {
		// 304 或忽略上游缓存响应时没有新内容。
		c.Set("X-Any-Image-Cache", res.tier.String())
		return c.SendStatus(fiber.StatusNotModified)
	}

	body, format, err := h.encode(res)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("image_encode_failed")
		return renderError(c, err)
	}

	h.logger.WithFields(fields).Debug("image_served")
	c.Set(fiber.HeaderContentType, format.MIMEType())
	c.Set("X-Any-Image-Cache", res.tier.String())
	bounds := res.img.Bounds()
	c.Set("X-Any-Image-Size", strconv.Itoa(bounds.Dx())+"x"+strconv.Itoa(bounds.Dy()))
	return c.Status(fiber.StatusOK).Send(body)
}

// encode 优先返回原始字节；仅有解码后的图片时按推断格式重新编码。
func (h *imageHandler) encode(res loadResult) ([]byte, codec.Format, error) {
	if len(res.data) > 0 {
		return res.data, codec.FormatFromData(res.data), nil
	}
	format := h.codecs.EncodableFormat(res.img)
	data, err := h.codecs.Encode(res.img, format)
	if err != nil {
		return nil, format, err
	}
	return data, format, nil
}

func (h *imageHandler) requestOptions(c fiber.Ctx) manager.Options {
	opts := h.defaults
	if queryFlag(c, "refresh") {
		opts |= manager.RefreshCached
	}
	if queryFlag(c, "retry") {
		opts |= manager.RetryFailed
	}
	if queryFlag(c, "memory_only") {
		opts |= manager.CacheMemoryOnly
	}
	switch strings.ToLower(c.Query("priority")) {
	case "high":
		opts |= manager.HighPriority
	case "low":
		opts |= manager.LowPriority
	}
	return opts
}

func queryFlag(c fiber.Ctx, name string) bool {
	value, err := strconv.ParseBool(c.Query(name))
	return err == nil && value
}

// renderError 以 ToJSON 结构输出错误，并按错误码映射 HTTP 状态。
func renderError(c fiber.Ctx, err error) error {
	return c.Status(statusForError(err)).JSON(fiber.Map{"error": errors.ToJSON(err)})
}

func statusForError(err error) int {
	switch imgerr.Code(err) {
	case imgerr.CodeInvalidKey, imgerr.CodeInvalidParameter:
		return fiber.StatusBadRequest
	case imgerr.CodeBlacklisted:
		return fiber.StatusNotFound
	case imgerr.CodeHTTPStatus, imgerr.CodeNetwork, imgerr.CodeDecode, imgerr.CodeNoCodec:
		return fiber.StatusBadGateway
	case imgerr.CodeTimeout:
		return fiber.StatusGatewayTimeout
	case imgerr.CodeCancelled:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
