// Package imgerr defines the coded error taxonomy shared by the codec,
// cache and download layers. Every failure reported to a subscriber carries
// one of the codes below so callers can branch with errors.GetCode instead of
// matching message strings.
package imgerr

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jmgilman/go/errors"
)

// 领域错误码；网络与超时沿用通用码，以便 IsRetryable 给出合理分类。
const (
	CodeInvalidKey       errors.ErrorCode = "INVALID_KEY"
	CodeNoCodec          errors.ErrorCode = "NO_CODEC_AVAILABLE"
	CodeNetwork                           = errors.CodeNetwork
	CodeTimeout                           = errors.CodeTimeout
	CodeHTTPStatus       errors.ErrorCode = "HTTP_STATUS_FAILURE"
	CodeDecode           errors.ErrorCode = "DECODE_FAILURE"
	CodeEncode           errors.ErrorCode = "ENCODE_FAILURE"
	CodeDiskIO           errors.ErrorCode = "DISK_IO_FAILURE"
	CodeCancelled        errors.ErrorCode = "CANCELLED"
	CodeBlacklisted      errors.ErrorCode = "URL_BLACKLISTED"
	CodeInvalidParameter                  = errors.CodeInvalidInput
)

// InvalidKey 表示 key/URL 为空。
func InvalidKey(op string) error {
	return errors.WithContext(errors.New(CodeInvalidKey, "cache key is empty"), "op", op)
}

// InvalidURL 表示 URL 不是可下载的 http(s) 地址。
func InvalidURL(url string) error {
	return errors.WithContext(errors.New(CodeInvalidParameter, "url is not a valid http(s) address"), "url", url)
}

// Permanent 报告失败是否与网络状况无关，重试同一 URL 也不会成功。
func Permanent(err error) bool {
	switch Code(err) {
	case CodeNetwork, CodeTimeout, CodeCancelled:
		return false
	}
	return err != nil
}

// NoCodec 表示注册表中没有 codec 认领该数据或格式。
func NoCodec(detail string) error {
	return errors.Newf(CodeNoCodec, "no codec available: %s", detail)
}

// Decode 包装 codec 解码失败。
func Decode(err error) error {
	return errors.Wrap(err, CodeDecode, "decode image failed")
}

// Encode 包装 codec 编码失败。
func Encode(err error) error {
	return errors.Wrap(err, CodeEncode, "encode image failed")
}

// DiskIO 包装磁盘读写失败，path 写入上下文便于排查。
func DiskIO(err error, op, path string) error {
	return errors.WrapWithContext(err, CodeDiskIO, op+" failed", map[string]interface{}{"path": path})
}

// HTTPStatus 表示上游返回了非 2xx/3xx 状态码。
func HTTPStatus(url string, status int) error {
	return errors.WithContext(
		errors.Newf(CodeHTTPStatus, "unexpected status %d", status),
		"url", url,
	)
}

// Network 将传输层错误归类为网络失败或超时。
func Network(err error, url string) error {
	code := CodeNetwork
	msg := "download failed"
	if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		code = CodeTimeout
		msg = "download timed out"
	}
	return errors.WrapWithContext(err, code, msg, map[string]interface{}{"url": url})
}

// Cancelled 仅用于同步 API 的返回值；异步订阅者被取消时不会收到回调。
func Cancelled(op string) error {
	return errors.New(CodeCancelled, fmt.Sprintf("%s cancelled", op))
}

// Blacklisted 表示 URL 最近失败过且调用方未要求重试。
func Blacklisted(url string) error {
	return errors.WithContext(errors.New(CodeBlacklisted, "url failed recently"), "url", url)
}

// Code 返回 err 链上最外层的错误码。
func Code(err error) errors.ErrorCode {
	return errors.GetCode(err)
}

// Is 判断 err 是否带有给定错误码。
func Is(err error, code errors.ErrorCode) bool {
	return err != nil && errors.GetCode(err) == code
}

type timeout interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeout
	return stderrors.As(err, &t) && t.Timeout()
}
