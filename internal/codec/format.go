package codec

import (
	"bytes"
	"image"
)

// Format 标识图片容器格式，通过魔数嗅探得到。
type Format int

const (
	FormatUndefined Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatTIFF
	FormatWebP
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatTIFF:
		return "tiff"
	case FormatWebP:
		return "webp"
	default:
		return "undefined"
	}
}

// MIMEType 返回 HTTP 响应可用的 Content-Type。
func (f Format) MIMEType() string {
	switch f {
	case FormatUndefined:
		return "application/octet-stream"
	default:
		return "image/" + f.String()
	}
}

// FormatFromData 根据首字节判断格式，未知时返回 FormatUndefined。
func FormatFromData(data []byte) Format {
	if len(data) == 0 {
		return FormatUndefined
	}
	switch data[0] {
	case 0xFF:
		return FormatJPEG
	case 0x89:
		return FormatPNG
	case 0x47:
		return FormatGIF
	case 0x49, 0x4D:
		return FormatTIFF
	case 0x52:
		if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
			return FormatWebP
		}
	}
	return FormatUndefined
}

// Image 是解码后的图片对象；Cost 以像素数计，用于内存层淘汰。
type Image struct {
	image.Image
	Format Format
}

// NewImage 包装一个 image.Image。
func NewImage(img image.Image, format Format) *Image {
	return &Image{Image: img, Format: format}
}

// Cost 返回像素数量，空图片为 0。
func (i *Image) Cost() int64 {
	if i == nil || i.Image == nil {
		return 0
	}
	b := i.Bounds()
	return int64(b.Dx()) * int64(b.Dy())
}

// HasAlpha 粗略判断图片是否含透明通道，用于推断编码格式。
func (i *Image) HasAlpha() bool {
	if i == nil || i.Image == nil {
		return false
	}
	switch img := i.Image.(type) {
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		return false
	case interface{ Opaque() bool }:
		return !img.Opaque()
	}
	return true
}
