package cache

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-image/internal/codec"
)

func tinyImage(w, h int) *codec.Image {
	return codec.NewImage(image.NewRGBA(image.Rect(0, 0, w, h)), codec.FormatPNG)
}

func TestMemoryStoreCountLimitKeepsMostRecent(t *testing.T) {
	var evicted []string
	store := NewMemoryStore(0, 3, func(key string, _ int64) { evicted = append(evicted, key) })

	for _, key := range []string{"a", "b", "c", "d"} {
		store.Set(key, tinyImage(1, 1), 1)
	}

	assert.Equal(t, 3, store.Len())
	assert.False(t, store.Contains("a"))
	assert.Equal(t, []string{"d", "c", "b"}, store.Keys())
	assert.Equal(t, []string{"a"}, evicted)
}

func TestMemoryStoreCostLimitEvictsLeastRecent(t *testing.T) {
	store := NewMemoryStore(1000, 0, nil)
	store.Set("A", tinyImage(1, 1), 600)
	store.Set("B", tinyImage(1, 1), 600)

	assert.False(t, store.Contains("A"))
	assert.True(t, store.Contains("B"))
	assert.EqualValues(t, 600, store.TotalCost())
}

func TestMemoryStoreGetRefreshesRecency(t *testing.T) {
	store := NewMemoryStore(0, 2, nil)
	store.Set("a", tinyImage(1, 1), 1)
	store.Set("b", tinyImage(1, 1), 1)

	_, ok := store.Get("a")
	require.True(t, ok)
	store.Set("c", tinyImage(1, 1), 1)

	assert.True(t, store.Contains("a"))
	assert.False(t, store.Contains("b"))
}

func TestMemoryStoreOversizedEntryIsEvicted(t *testing.T) {
	store := NewMemoryStore(10, 0, nil)
	store.Set("huge", tinyImage(1, 1), 11)

	assert.Zero(t, store.Len())
	assert.Zero(t, store.TotalCost())
}

func TestMemoryStoreOverwriteAdjustsCost(t *testing.T) {
	store := NewMemoryStore(0, 0, nil)
	store.Set("a", tinyImage(1, 1), 5)
	store.Set("a", tinyImage(2, 2), 8)

	assert.Equal(t, 1, store.Len())
	assert.EqualValues(t, 8, store.TotalCost())
}

func TestMemoryStoreSetLimitsEvictsImmediately(t *testing.T) {
	store := NewMemoryStore(0, 0, nil)
	for _, key := range []string{"a", "b", "c"} {
		store.Set(key, tinyImage(1, 1), 10)
	}
	store.SetLimits(15, 0)

	assert.Equal(t, []string{"c"}, store.Keys())

	store.Remove("c")
	store.Remove("missing")
	assert.Zero(t, store.Len())

	store.Set("x", tinyImage(1, 1), 1)
	store.Clear()
	assert.Zero(t, store.Len())
	assert.Zero(t, store.TotalCost())
}
