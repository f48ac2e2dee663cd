package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
)

const defaultJPEGQuality = 90

// StdCoder 基于标准库解码/编码 JPEG、PNG、GIF，并提供增量解码。
type StdCoder struct {
	JPEGQuality int
}

// NewStdCoder 返回默认质量的标准库 coder。
func NewStdCoder() *StdCoder {
	return &StdCoder{JPEGQuality: defaultJPEGQuality}
}

func stdSupports(format Format) bool {
	return format == FormatJPEG || format == FormatPNG || format == FormatGIF
}

func (c *StdCoder) CanDecode(data []byte) bool {
	return stdSupports(FormatFromData(data))
}

func (c *StdCoder) Decode(data []byte) (*Image, error) {
	format := FormatFromData(data)
	var (
		img image.Image
		err error
	)
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	case FormatGIF:
		img, err = gif.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return nil, err
	}
	return NewImage(img, format), nil
}

func (c *StdCoder) CanEncode(format Format) bool {
	return stdSupports(format)
}

func (c *StdCoder) Encode(img *Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		quality := c.JPEGQuality
		if quality <= 0 {
			quality = defaultJPEGQuality
		}
		err = jpeg.Encode(&buf, img.Image, &jpeg.Options{Quality: quality})
	case FormatPNG:
		err = png.Encode(&buf, img.Image)
	case FormatGIF:
		err = gif.Encode(&buf, img.Image, nil)
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *StdCoder) CanIncrementalDecode(data []byte) bool {
	return c.CanDecode(data)
}

func (c *StdCoder) NewIncrementalDecoder() IncrementalDecoder {
	return &stdIncrementalDecoder{coder: c}
}

// stdIncrementalDecoder 记录已解析出的尺寸；标准库解码器遇到截断数据会失败，
// 因此中途只有在数据恰好完整时才能产出图片。
type stdIncrementalDecoder struct {
	coder  *StdCoder
	width  int
	height int
}

func (d *stdIncrementalDecoder) IncrementalDecode(data []byte, finished bool) *Image {
	if d.width == 0 || d.height == 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			d.width, d.height = cfg.Width, cfg.Height
		}
	}
	if !finished && d.width == 0 {
		return nil
	}
	img, err := d.coder.Decode(data)
	if err != nil {
		return nil
	}
	return img
}
