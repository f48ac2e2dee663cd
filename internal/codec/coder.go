package codec

// Coder 是基础编解码能力。实现必须是可比较的（通常为指针），以便 Registry.Remove 定位。
type Coder interface {
	// CanDecode 判断能否解码该数据，不能时交给下一个 coder。
	CanDecode(data []byte) bool
	Decode(data []byte) (*Image, error)
	// CanEncode 判断能否编码为目标格式。
	CanEncode(format Format) bool
	Encode(img *Image, format Format) ([]byte, error)
}

// ProgressiveCoder 额外支持增量解码。增量解码需要保留上下文，
// 因此每个下载操作都通过 NewIncrementalDecoder 获得独立实例。
type ProgressiveCoder interface {
	Coder
	CanIncrementalDecode(data []byte) bool
	NewIncrementalDecoder() IncrementalDecoder
}

// IncrementalDecoder 接收截至目前的全部数据；无法产出图片时返回 nil。
type IncrementalDecoder interface {
	IncrementalDecode(data []byte, finished bool) *Image
}
