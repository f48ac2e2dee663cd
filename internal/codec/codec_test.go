package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-image/internal/imgerr"
)

// stubCoder 认领所有数据，用于验证优先级。
type stubCoder struct {
	name      string
	canDecode bool
	encodes   Format
}

func (s *stubCoder) CanDecode([]byte) bool { return s.canDecode }
func (s *stubCoder) Decode([]byte) (*Image, error) {
	return NewImage(image.NewGray(image.Rect(0, 0, len(s.name), 1)), FormatUndefined), nil
}
func (s *stubCoder) CanEncode(f Format) bool { return f == s.encodes }
func (s *stubCoder) Encode(*Image, Format) ([]byte, error) {
	return []byte(s.name), nil
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFormatFromData(t *testing.T) {
	cases := map[Format][]byte{
		FormatJPEG:      {0xFF, 0xD8, 0xFF},
		FormatPNG:       {0x89, 'P', 'N', 'G'},
		FormatGIF:       []byte("GIF89a"),
		FormatTIFF:      {0x49, 0x49, 0x2A, 0x00},
		FormatWebP:      []byte("RIFF\x00\x00\x00\x00WEBPVP8 "),
		FormatUndefined: []byte("RIFF"),
	}
	for want, data := range cases {
		assert.Equal(t, want, FormatFromData(data), want.String())
	}
	assert.Equal(t, FormatUndefined, FormatFromData(nil))
}

func TestRegistryNewestCoderWins(t *testing.T) {
	older := &stubCoder{name: "older", canDecode: true, encodes: FormatPNG}
	newer := &stubCoder{name: "newer", canDecode: true, encodes: FormatPNG}
	r := NewRegistry(older, newer)

	coders := r.Coders()
	require.Len(t, coders, 2)
	assert.Same(t, newer, coders[0])

	data, err := r.Encode(NewImage(image.NewGray(image.Rect(0, 0, 1, 1)), FormatPNG), FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))

	r.Remove(newer)
	data, err = r.Encode(NewImage(image.NewGray(image.Rect(0, 0, 1, 1)), FormatPNG), FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, "older", string(data))
}

func TestRegistryNoCodecAvailable(t *testing.T) {
	r := NewRegistry(&stubCoder{name: "x", encodes: FormatGIF})

	_, err := r.Decode([]byte{0x00, 0x01})
	assert.Equal(t, imgerr.CodeNoCodec, imgerr.Code(err))

	_, err = r.Encode(NewImage(image.NewGray(image.Rect(0, 0, 1, 1)), FormatJPEG), FormatJPEG)
	assert.Equal(t, imgerr.CodeNoCodec, imgerr.Code(err))

	_, err = r.Decode(nil)
	assert.Equal(t, imgerr.CodeDecode, imgerr.Code(err))
}

func TestStdCoderRoundTrip(t *testing.T) {
	r := NewRegistry(NewStdCoder())
	data := testPNG(t, 4, 3)

	img, err := r.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, img.Format)
	assert.EqualValues(t, 12, img.Cost())

	encoded, err := r.Encode(img, FormatUndefined)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, FormatFromData(encoded))

	again, err := r.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, img.At(3, 2), again.At(3, 2))
}

func TestStdCoderRejectsCorruptData(t *testing.T) {
	r := NewRegistry(NewStdCoder())
	data := testPNG(t, 2, 2)
	_, err := r.Decode(data[:len(data)/2])
	assert.Equal(t, imgerr.CodeDecode, imgerr.Code(err))
}

func TestIncrementalDecoderIsPerOperation(t *testing.T) {
	r := NewRegistry(NewStdCoder())
	data := testPNG(t, 8, 8)

	first, ok := r.NewIncrementalDecoder(data[:16])
	require.True(t, ok)
	second, ok := r.NewIncrementalDecoder(data[:16])
	require.True(t, ok)
	assert.NotSame(t, first, second)

	assert.Nil(t, first.IncrementalDecode(data[:len(data)/2], false))
	img := first.IncrementalDecode(data, true)
	require.NotNil(t, img)
	assert.EqualValues(t, 64, img.Cost())

	_, ok = NewRegistry(NewWebPCoder()).NewIncrementalDecoder(data)
	assert.False(t, ok)
}

func TestDecompressScalesDownLargeImages(t *testing.T) {
	src := NewImage(image.NewNRGBA(image.Rect(0, 0, 100, 100)), FormatPNG)

	same := Decompress(src, DecompressOptions{})
	assert.Same(t, src, same)

	full := Decompress(src, DecompressOptions{Decompress: true})
	_, isRGBA := full.Image.(*image.RGBA)
	assert.True(t, isRGBA)
	assert.EqualValues(t, 10000, full.Cost())

	scaled := Decompress(src, DecompressOptions{Decompress: true, ScaleDownLargeImages: true, MaxPixels: 2500})
	assert.Equal(t, 50, scaled.Bounds().Dx())
	assert.Equal(t, 50, scaled.Bounds().Dy())
	assert.Equal(t, FormatPNG, scaled.Format)
}

func TestResolveFormat(t *testing.T) {
	assert.Equal(t, FormatJPEG, ResolveFormat(NewImage(image.NewGray(image.Rect(0, 0, 1, 1)), FormatUndefined)))
	transparent := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	assert.Equal(t, FormatPNG, ResolveFormat(NewImage(transparent, FormatUndefined)))
	assert.Equal(t, FormatGIF, ResolveFormat(NewImage(transparent, FormatGIF)))
}

func TestEncodableFormatFallsBackForDecodeOnlyFormats(t *testing.T) {
	r := Default()
	opaque := NewImage(image.NewGray(image.Rect(0, 0, 1, 1)), FormatWebP)
	assert.Equal(t, FormatJPEG, r.EncodableFormat(opaque))

	transparent := NewImage(image.NewNRGBA(image.Rect(0, 0, 1, 1)), FormatWebP)
	assert.Equal(t, FormatPNG, r.EncodableFormat(transparent))

	data, err := r.Encode(transparent, FormatUndefined)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, FormatFromData(data))
}
