package download

import "container/heap"

// pendingQueue 是等待工作槽的操作堆：优先级高者先出，同优先级按 FIFO/LIFO 的提交序号。
type pendingQueue struct {
	ops  []*operation
	lifo bool
}

var _ heap.Interface = (*pendingQueue)(nil)

func (q *pendingQueue) Len() int { return len(q.ops) }

func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.ops[i], q.ops[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if q.lifo {
		return a.seq > b.seq
	}
	return a.seq < b.seq
}

func (q *pendingQueue) Swap(i, j int) {
	q.ops[i], q.ops[j] = q.ops[j], q.ops[i]
	q.ops[i].index = i
	q.ops[j].index = j
}

func (q *pendingQueue) Push(x any) {
	op := x.(*operation)
	op.index = len(q.ops)
	q.ops = append(q.ops, op)
}

func (q *pendingQueue) Pop() any {
	old := q.ops
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.index = -1
	q.ops = old[:n-1]
	return op
}
