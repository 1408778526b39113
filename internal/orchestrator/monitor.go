package orchestrator

import (
	"time"

	"github.com/aristath/multiworker/internal/telemetry"
)

// DefaultMonitorInterval is the sampling period used when none is configured.
const DefaultMonitorInterval = 80 * time.Millisecond

// Renderer draws dashboard frames. Render is called from the monitor
// goroutine and should return quickly.
type Renderer interface {
	Render(d telemetry.Dashboard)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(d telemetry.Dashboard)

// Render calls f(d).
func (f RendererFunc) Render(d telemetry.Dashboard) { f(d) }

// Monitor periodically samples a turn and forwards the frames to a Renderer.
// It only reads task state and never influences the tasks it observes.
type Monitor struct {
	Interval time.Duration
	Renderer Renderer
}

// NewMonitor creates a monitor. A non-positive interval uses DefaultMonitorInterval.
func NewMonitor(renderer Renderer, interval time.Duration) *Monitor {
	return &Monitor{Interval: interval, Renderer: renderer}
}

// Run forwards sample() every interval until a frame reports every task
// terminal. That frame is forwarded as the final one and Run returns.
func (m *Monitor) Run(sample func() telemetry.Dashboard) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d := sample()
		if m.Renderer != nil {
			m.Renderer.Render(d)
		}
		if d.Done() {
			return
		}
		<-ticker.C
	}
}
