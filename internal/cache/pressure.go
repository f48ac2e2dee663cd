package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// MemoryWarner 由收到内存告警时需要释放内存的组件实现。
type MemoryWarner interface {
	HandleMemoryWarning()
}

// AvailableFunc 返回当前可用内存百分比（0-100）。
type AvailableFunc func(ctx context.Context) (float64, error)

// SystemAvailable 通过 gopsutil 读取系统可用内存百分比。
func SystemAvailable(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 100, nil
	}
	return float64(vm.Available) / float64(vm.Total) * 100, nil
}

// PressureMonitor 周期采样可用内存，低于阈值时触发一次告警；恢复到阈值以上后才会再次触发。
type PressureMonitor struct {
	target    MemoryWarner
	threshold float64
	interval  time.Duration
	available AvailableFunc
	logger    *logrus.Logger

	mu       sync.Mutex
	pressure bool
}

// NewPressureMonitor 构建监控器；threshold 为可用内存百分比，<=0 表示关闭。
func NewPressureMonitor(target MemoryWarner, threshold float64, interval time.Duration, logger *logrus.Logger) *PressureMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PressureMonitor{
		target:    target,
		threshold: threshold,
		interval:  interval,
		available: SystemAvailable,
		logger:    logger,
	}
}

// WithAvailableFunc 替换采样函数，便于测试。
func (p *PressureMonitor) WithAvailableFunc(fn AvailableFunc) *PressureMonitor {
	if fn != nil {
		p.available = fn
	}
	return p
}

// Enabled 报告监控是否开启。
func (p *PressureMonitor) Enabled() bool {
	return p.threshold > 0 && p.interval > 0 && p.target != nil
}

// Check 采样一次；进入低内存状态时返回 true 并通知目标。
func (p *PressureMonitor) Check(ctx context.Context) (bool, error) {
	available, err := p.available(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	low := available < p.threshold
	triggered := low && !p.pressure
	p.pressure = low
	p.mu.Unlock()

	if triggered {
		p.logger.WithFields(logrus.Fields{
			"action":            "memory_pressure",
			"available_percent": available,
			"threshold":         p.threshold,
		}).Warn("memory_pressure_detected")
		p.target.HandleMemoryWarning()
	}
	return triggered, nil
}

// Run 按 interval 采样直到 ctx 结束。
func (p *PressureMonitor) Run(ctx context.Context) error {
	if !p.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Check(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).WithField("action", "memory_pressure").Debug("memory_sample_failed")
			}
		}
	}
}
