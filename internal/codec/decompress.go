package codec

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// 缩小大图时的像素上限：60MB / 4 字节每像素。
const (
	destImageSizeMB = 60
	bytesPerPixel   = 4
	pixelsPerMB     = 1024 * 1024 / bytesPerPixel
	// MaxDecodedPixels 是开启 ScaleDownLargeImages 时解码结果的最大像素数。
	MaxDecodedPixels = destImageSizeMB * pixelsPerMB
)

// DecompressOptions 控制解码后的位图处理。
type DecompressOptions struct {
	// Decompress 为 false 时原样返回解码结果。
	Decompress bool
	// ScaleDownLargeImages 将超过 MaxDecodedPixels 的图片等比缩小。
	ScaleDownLargeImages bool
	// MaxPixels 覆盖默认像素上限，0 表示使用 MaxDecodedPixels。
	MaxPixels int64
}

// Decompress 将图片展开为 RGBA 位图，使后续绘制无需再次解码；需要时同时缩小尺寸。
func Decompress(img *Image, opts DecompressOptions) *Image {
	if img == nil || img.Image == nil || !opts.Decompress {
		return img
	}
	limit := opts.MaxPixels
	if limit <= 0 {
		limit = MaxDecodedPixels
	}

	src := img.Bounds()
	if opts.ScaleDownLargeImages && img.Cost() > limit {
		ratio := math.Sqrt(float64(limit) / float64(img.Cost()))
		w := max(1, int(float64(src.Dx())*ratio))
		h := max(1, int(float64(src.Dy())*ratio))
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img.Image, src, draw.Src, nil)
		return NewImage(dst, img.Format)
	}

	if _, ok := img.Image.(*image.RGBA); ok {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
	draw.Draw(dst, dst.Bounds(), img.Image, src.Min, draw.Src)
	return NewImage(dst, img.Format)
}
