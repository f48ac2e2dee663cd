package cache

import "sync"

// Query 是一次异步缓存查询的取消句柄。
type Query struct {
	Key string
	ID  uint64

	mu        sync.Mutex
	cancelled chan struct{}
	state     queryState
}

type queryState int

const (
	queryPending queryState = iota
	queryCancelled
	queryDone
)

func newQuery(key string, id uint64) *Query {
	return &Query{Key: key, ID: id, cancelled: make(chan struct{})}
}

// Cancel 阻止回调触发；已在进行中的磁盘读取会完成但结果被丢弃。重复调用无副作用。
func (q *Query) Cancel() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queryPending {
		return
	}
	q.state = queryCancelled
	close(q.cancelled)
}

// Cancelled 报告句柄是否已被取消。
func (q *Query) Cancelled() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == queryCancelled
}

// finish 在未取消时调用 fn。状态先切换为完成，之后的 Cancel 不再生效。
func (q *Query) finish(fn func()) {
	q.mu.Lock()
	if q.state != queryPending {
		q.mu.Unlock()
		return
	}
	q.state = queryDone
	q.mu.Unlock()
	fn()
}
