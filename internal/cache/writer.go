package cache

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/any-hub/any-image/internal/codec"
	"github.com/any-hub/any-image/internal/imgerr"
)

// ErrStoreUnavailable 表示当前缓存未注入磁盘存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// DiskWriter 封装“必要时编码 → 原子写入”的落盘流程，并提供基于 MaxAge 的过期判断。
type DiskWriter struct {
	store  Store
	codecs *codec.Registry
	maxAge time.Duration
	now    func() time.Time
}

// NewDiskWriter 构造写入器，默认使用 time.Now 作为时钟。
func NewDiskWriter(store Store, codecs *codec.Registry, maxAge time.Duration) DiskWriter {
	return DiskWriter{
		store:  store,
		codecs: codecs,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Enabled 返回当前是否具备落盘能力。
func (w DiskWriter) Enabled() bool {
	return w.store != nil
}

// Write 写入原始字节；data 为空时先通过 codec 注册表编码 img。
func (w DiskWriter) Write(ctx context.Context, key string, img *codec.Image, data []byte) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	if len(data) == 0 {
		if img == nil {
			return nil, imgerr.Encode(errors.New("nothing to persist"))
		}
		encoded, err := w.codecs.Encode(img, codec.FormatUndefined)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	entry, err := w.store.Put(ctx, key, bytes.NewReader(data), PutOptions{ModTime: w.now()})
	if err != nil {
		return nil, imgerr.DiskIO(err, "write", w.store.Path(key))
	}
	return entry, nil
}

// Expired 判断条目是否已超过 MaxAge；MaxAge 不大于 0 时永不过期。
func (w DiskWriter) Expired(entry Entry) bool {
	if w.maxAge <= 0 {
		return false
	}
	return w.now().After(entry.ModTime.Add(w.maxAge))
}
