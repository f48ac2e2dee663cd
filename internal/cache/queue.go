package cache

import "sync"

// ioQueue 是唯一的串行磁盘执行上下文：任务按提交顺序逐个运行，提交方从不阻塞。
type ioQueue struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newIOQueue() *ioQueue {
	q := &ioQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Async 追加任务；队列关闭后返回 false。
func (q *ioQueue) Async(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync 提交任务并等待其完成。不能在队列任务内部调用。
func (q *ioQueue) Sync(task func()) bool {
	finished := make(chan struct{})
	if !q.Async(func() {
		defer close(finished)
		task()
	}) {
		return false
	}
	<-finished
	return true
}

// Close 拒绝新任务，等待已提交的任务全部执行完。
func (q *ioQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *ioQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
