package events

import "github.com/aristath/multiworker/internal/telemetry"

// DashboardPublisher forwards monitor frames onto the bus so that a UI
// running in another goroutine can draw them.
type DashboardPublisher struct {
	bus *EventBus
}

// NewDashboardPublisher creates a publisher writing to bus.
func NewDashboardPublisher(bus *EventBus) *DashboardPublisher {
	return &DashboardPublisher{bus: bus}
}

// Render publishes d on TopicTurn. It never blocks; a subscriber that falls
// behind misses intermediate frames.
func (p *DashboardPublisher) Render(d telemetry.Dashboard) {
	p.bus.Publish(TopicTurn, DashboardEvent{Dashboard: d, Final: d.Done()})
}
