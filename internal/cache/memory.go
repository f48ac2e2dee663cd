package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/any-hub/any-image/internal/codec"
)

// MemoryStore 是按成本加权的 LRU 表。任一上限（总成本、条目数）被突破时，
// 从最久未使用的一端开始淘汰，直到两个约束同时满足。零值上限表示不限制。
type MemoryStore struct {
	mu        sync.Mutex
	maxCost   int64
	maxCount  int
	totalCost int64
	seq       uint64
	items     map[string]*list.Element
	order     *list.List // front = 最近使用
	onEvict   func(key string, cost int64)
}

type memoryEntry struct {
	key        string
	image      *codec.Image
	cost       int64
	lastAccess time.Time
	recency    uint64
}

// NewMemoryStore 构建内存层；onEvict 可为空，它在持锁状态下被调用，不能回调 MemoryStore。
func NewMemoryStore(maxCost int64, maxCount int, onEvict func(key string, cost int64)) *MemoryStore {
	return &MemoryStore{
		maxCost:  maxCost,
		maxCount: maxCount,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Get 返回图片并刷新其新近度。
func (m *MemoryStore) Get(key string) (*codec.Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.touch(el)
	return el.Value.(*memoryEntry).image, true
}

// Contains 不刷新新近度。
func (m *MemoryStore) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// Set 写入或覆盖条目，随后按上限淘汰。
func (m *MemoryStore) Set(key string, img *codec.Image, cost int64) {
	if cost < 0 {
		cost = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		m.totalCost += cost - entry.cost
		entry.image = img
		entry.cost = cost
		m.touch(el)
	} else {
		m.seq++
		entry := &memoryEntry{
			key:        key,
			image:      img,
			cost:       cost,
			lastAccess: time.Now(),
			recency:    m.seq,
		}
		m.items[key] = m.order.PushFront(entry)
		m.totalCost += cost
	}
	m.evict()
}

// Remove 删除单个条目。
func (m *MemoryStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
}

// Clear 清空内存层。
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.totalCost = 0
}

// SetLimits 调整上限并立即淘汰超出部分。
func (m *MemoryStore) SetLimits(maxCost int64, maxCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxCost = maxCost
	m.maxCount = maxCount
	m.evict()
}

// Len 返回条目数。
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// TotalCost 返回当前总成本。
func (m *MemoryStore) TotalCost() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost
}

// Keys 按最近使用在前返回所有 key。
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memoryEntry).key)
	}
	return keys
}

func (m *MemoryStore) touch(el *list.Element) {
	m.seq++
	entry := el.Value.(*memoryEntry)
	entry.recency = m.seq
	entry.lastAccess = time.Now()
	m.order.MoveToFront(el)
}

func (m *MemoryStore) overLimit() bool {
	return (m.maxCost > 0 && m.totalCost > m.maxCost) ||
		(m.maxCount > 0 && len(m.items) > m.maxCount)
}

func (m *MemoryStore) evict() {
	for m.overLimit() {
		last := m.order.Back()
		if last == nil {
			return
		}
		entry := m.removeElement(last)
		if m.onEvict != nil {
			m.onEvict(entry.key, entry.cost)
		}
	}
}

func (m *MemoryStore) removeElement(el *list.Element) *memoryEntry {
	entry := m.order.Remove(el).(*memoryEntry)
	delete(m.items, entry.key)
	m.totalCost -= entry.cost
	return entry
}
