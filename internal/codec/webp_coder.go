package codec

import (
	"bytes"
	"fmt"

	"golang.org/x/image/webp"
)

// WebPCoder 只负责解码；编码请求会落到其它 coder。
type WebPCoder struct{}

// NewWebPCoder 返回 WebP 解码器。
func NewWebPCoder() *WebPCoder {
	return &WebPCoder{}
}

func (c *WebPCoder) CanDecode(data []byte) bool {
	return FormatFromData(data) == FormatWebP
}

func (c *WebPCoder) Decode(data []byte) (*Image, error) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	return NewImage(img, FormatWebP), nil
}

func (c *WebPCoder) CanEncode(Format) bool {
	return false
}

func (c *WebPCoder) Encode(*Image, Format) ([]byte, error) {
	return nil, fmt.Errorf("webp encoding is not supported")
}
