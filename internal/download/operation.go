package download

import (
	"context"

	"go.uber.org/atomic"
)

// State 是操作的生命周期状态。
type State int32

const (
	StateQueued State = iota
	StateActive
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s >= StateSucceeded
}

// operation 拥有一个网络任务以及附着其上的全部订阅。除 run 内部的局部变量外，
// 所有字段都由 Manager.mu 保护。
type operation struct {
	id       string
	url      string
	options  Options
	priority int
	seq      uint64
	index    int

	state  State
	subs   map[uint64]*subscription
	order  []uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	id         uint64
	onProgress ProgressFunc
	onComplete CompletedFunc
	live       atomic.Bool
}

func (op *operation) subscribe(id uint64, onProgress ProgressFunc, onComplete CompletedFunc) *subscription {
	sub := &subscription{id: id, onProgress: onProgress, onComplete: onComplete}
	sub.live.Store(true)
	op.subs[id] = sub
	op.order = append(op.order, id)
	return sub
}

func (op *operation) unsubscribe(id uint64) bool {
	sub, ok := op.subs[id]
	if !ok {
		return false
	}
	sub.live.Store(false)
	delete(op.subs, id)
	return true
}

// snapshot 按订阅顺序返回当前订阅者，调用方需持有 Manager.mu。
func (op *operation) snapshot() []*subscription {
	subs := make([]*subscription, 0, len(op.subs))
	for _, id := range op.order {
		if sub, ok := op.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (op *operation) detachAll() {
	for id, sub := range op.subs {
		sub.live.Store(false)
		delete(op.subs, id)
	}
	op.order = nil
}

func (s *subscription) progress(received, expected int64) {
	if s.onProgress != nil && s.live.Load() {
		s.onProgress(received, expected)
	}
}

func (s *subscription) complete(fn func(CompletedFunc)) {
	if s.onComplete != nil && s.live.Load() {
		fn(s.onComplete)
	}
}

// Token 表示一个订阅者对某次下载的关注，交给 Manager.Cancel 以退订。
type Token struct {
	URL string

	id uint64
	op *operation
}

// OperationID 返回底层操作的标识，便于日志关联。
func (t *Token) OperationID() string {
	if t == nil || t.op == nil {
		return ""
	}
	return t.op.id
}
