package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWarner struct{ calls int }

func (w *countingWarner) HandleMemoryWarning() { w.calls++ }

func TestPressureMonitorTriggersOnFallingEdge(t *testing.T) {
	warner := &countingWarner{}
	samples := []float64{50, 5, 4, 30, 3}
	idx := 0
	monitor := NewPressureMonitor(warner, 10, time.Second, nil).WithAvailableFunc(func(context.Context) (float64, error) {
		v := samples[idx]
		idx++
		return v, nil
	})

	var triggers []bool
	for range samples {
		triggered, err := monitor.Check(context.Background())
		require.NoError(t, err)
		triggers = append(triggers, triggered)
	}

	assert.Equal(t, []bool{false, true, false, false, true}, triggers)
	assert.Equal(t, 2, warner.calls)
}

func TestPressureMonitorSampleError(t *testing.T) {
	warner := &countingWarner{}
	monitor := NewPressureMonitor(warner, 10, time.Second, nil).WithAvailableFunc(func(context.Context) (float64, error) {
		return 0, errors.New("boom")
	})
	_, err := monitor.Check(context.Background())
	assert.Error(t, err)
	assert.Zero(t, warner.calls)
}

func TestPressureMonitorDisabledRunReturnsOnCancel(t *testing.T) {
	monitor := NewPressureMonitor(&countingWarner{}, 0, time.Second, nil)
	assert.False(t, monitor.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, monitor.Run(ctx))
}

func TestSystemAvailableReportsPercentage(t *testing.T) {
	available, err := SystemAvailable(context.Background())
	if err != nil {
		t.Skipf("memory stats unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, available, 0.0)
	assert.LessOrEqual(t, available, 100.0)
}
