package codec

import (
	"errors"
	"sync"

	"github.com/any-hub/any-image/internal/imgerr"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Registry 维护有序的 coder 列表，越晚加入优先级越高。增删立即对后续选择生效。
type Registry struct {
	mu     sync.RWMutex
	coders []Coder // 按注册顺序保存，查询时倒序遍历
}

// NewRegistry 以给定 coder 构建注册表，参数顺序即注册顺序。
func NewRegistry(coders ...Coder) *Registry {
	r := &Registry{}
	for _, c := range coders {
		r.Add(c)
	}
	return r
}

// Default 返回进程级默认注册表，内置标准库 coder 与 WebP 解码器。
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(NewStdCoder(), NewWebPCoder())
	})
	return defaultRegistry
}

// Add 将 coder 追加为最高优先级。
func (r *Registry) Add(c Coder) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coders = append(r.coders, c)
}

// Remove 删除 coder；不存在时忽略。
func (r *Registry) Remove(c Coder) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.coders[:0:0]
	for _, existing := range r.coders {
		if existing != c {
			kept = append(kept, existing)
		}
	}
	r.coders = kept
}

// Coders 返回按优先级排序（最新在前）的副本。
func (r *Registry) Coders() []Coder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Coder, 0, len(r.coders))
	for i := len(r.coders) - 1; i >= 0; i-- {
		result = append(result, r.coders[i])
	}
	return result
}

// SetCoders 用优先级顺序（最新在前）的列表整体替换注册表内容。
func (r *Registry) SetCoders(coders []Coder) {
	ordered := make([]Coder, 0, len(coders))
	for i := len(coders) - 1; i >= 0; i-- {
		if coders[i] != nil {
			ordered = append(ordered, coders[i])
		}
	}
	r.mu.Lock()
	r.coders = ordered
	r.mu.Unlock()
}

func (r *Registry) first(match func(Coder) bool) (Coder, bool) {
	for _, c := range r.Coders() {
		if match(c) {
			return c, true
		}
	}
	return nil, false
}

// CanDecode 判断是否存在可以解码 data 的 coder。
func (r *Registry) CanDecode(data []byte) bool {
	_, ok := r.first(func(c Coder) bool { return c.CanDecode(data) })
	return ok
}

// Decode 交给第一个认领该数据的 coder。
func (r *Registry) Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, imgerr.Decode(errors.New("empty image data"))
	}
	c, ok := r.first(func(c Coder) bool { return c.CanDecode(data) })
	if !ok {
		return nil, imgerr.NoCodec("decode " + FormatFromData(data).String())
	}
	img, err := c.Decode(data)
	if err != nil {
		return nil, imgerr.Decode(err)
	}
	if img == nil {
		return nil, imgerr.Decode(errors.New("coder returned no image"))
	}
	return img, nil
}

// CanEncode 判断是否存在可以编码为 format 的 coder。
func (r *Registry) CanEncode(format Format) bool {
	_, ok := r.first(func(c Coder) bool { return c.CanEncode(format) })
	return ok
}

// Encode 编码图片；format 为 FormatUndefined 时使用 EncodableFormat 的结果。
func (r *Registry) Encode(img *Image, format Format) ([]byte, error) {
	if img == nil || img.Image == nil {
		return nil, imgerr.Encode(errors.New("nil image"))
	}
	if format == FormatUndefined {
		format = r.EncodableFormat(img)
	}
	c, ok := r.first(func(c Coder) bool { return c.CanEncode(format) })
	if !ok {
		return nil, imgerr.NoCodec("encode " + format.String())
	}
	data, err := c.Encode(img, format)
	if err != nil {
		return nil, imgerr.Encode(err)
	}
	return data, nil
}

// NewIncrementalDecoder 为一次下载创建独立的增量解码器。
func (r *Registry) NewIncrementalDecoder(data []byte) (IncrementalDecoder, bool) {
	c, ok := r.first(func(c Coder) bool {
		p, ok := c.(ProgressiveCoder)
		return ok && p.CanIncrementalDecode(data)
	})
	if !ok {
		return nil, false
	}
	return c.(ProgressiveCoder).NewIncrementalDecoder(), true
}

// EncodableFormat 返回 img 实际会被编码成的格式：原格式可编码时沿用，否则按透明度退回 PNG/JPEG。
func (r *Registry) EncodableFormat(img *Image) Format {
	format := ResolveFormat(img)
	if r.CanEncode(format) {
		return format
	}
	if img.HasAlpha() {
		return FormatPNG
	}
	return FormatJPEG
}

// ResolveFormat 推断编码目标格式。
func ResolveFormat(img *Image) Format {
	if img.Format != FormatUndefined {
		return img.Format
	}
	if img.HasAlpha() {
		return FormatPNG
	}
	return FormatJPEG
}
